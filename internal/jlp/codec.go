package jlp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf8"
)

// DefaultMaxLineBytes is the default per-line byte cap (§4.1). Lines beyond
// this size fail with CodeOversizeFrame rather than being silently
// truncated or causing unbounded buffer growth.
const DefaultMaxLineBytes = 256 * 1024

// Strictness controls how a Decoder treats unknown envelope content.
// Normal runtime traffic (agent stdout) is Strict; diagnostics replays
// (e.g. reading an older evidence log) may use Lenient.
type Strictness int

const (
	Strict Strictness = iota
	Lenient
)

// Decoder reads one JSON object per newline from an underlying byte
// stream, validating the envelope before handing back a typed Message.
// It is grounded on the teacher's restic.Wrapper.runWithProgress scanner
// loop: accumulate a line, parse it, hand it to the caller, move on.
type Decoder struct {
	r            *bufio.Reader
	maxLineBytes int
	mode         Strictness
}

// DecoderOption configures a Decoder at construction time.
type DecoderOption func(*Decoder)

// WithMaxLineBytes overrides DefaultMaxLineBytes.
func WithMaxLineBytes(n int) DecoderOption {
	return func(d *Decoder) { d.maxLineBytes = n }
}

// WithStrictness overrides the default Strict mode.
func WithStrictness(s Strictness) DecoderOption {
	return func(d *Decoder) { d.mode = s }
}

// NewDecoder wraps r for line-by-line JLP decoding.
func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		r:            bufio.NewReaderSize(r, 64*1024),
		maxLineBytes: DefaultMaxLineBytes,
		mode:         Strict,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ReadMessage reads and validates the next non-empty line. It returns
// io.EOF once the underlying stream is exhausted cleanly.
func (d *Decoder) ReadMessage() (*Message, error) {
	for {
		line, err := d.readLine()
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		if !utf8.Valid(line) {
			return nil, newParseError(CodeInvalidEncoding, line, fmt.Errorf("line is not valid UTF-8"))
		}

		msg, err := d.unmarshalMessage(line)
		if err != nil {
			return nil, err
		}
		if err := validateMessage(msg, d.mode); err != nil {
			return nil, err
		}
		return msg, nil
	}
}

// readLine accumulates bytes until '\n', enforcing maxLineBytes as it goes
// so a pathological child cannot force unbounded buffer growth before the
// cap is even checked.
func (d *Decoder) readLine() ([]byte, error) {
	var buf bytes.Buffer
	for {
		chunk, err := d.r.ReadSlice('\n')
		buf.Write(bytes.TrimSuffix(chunk, []byte{'\n'}))

		if buf.Len() > d.maxLineBytes {
			// Drain the rest of the oversize line so the stream stays in
			// sync for the next ReadMessage call.
			if err == bufio.ErrBufferFull {
				d.discardRestOfLine()
			}
			return nil, newParseError(CodeOversizeFrame, nil, fmt.Errorf("line exceeds %d bytes", d.maxLineBytes))
		}

		if err == nil {
			return buf.Bytes(), nil
		}
		if err == bufio.ErrBufferFull {
			// Partial line — the reader's internal buffer filled before a
			// newline was found. Keep accumulating.
			continue
		}
		if err == io.EOF && buf.Len() > 0 {
			// Unterminated final line — treat as a complete frame.
			return buf.Bytes(), nil
		}
		return nil, err
	}
}

func (d *Decoder) discardRestOfLine() {
	for {
		chunk, err := d.r.ReadSlice('\n')
		if err != nil || bytes.HasSuffix(chunk, []byte{'\n'}) {
			return
		}
	}
}

func (d *Decoder) unmarshalMessage(line []byte) (*Message, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	if d.mode == Strict {
		dec.DisallowUnknownFields()
	}

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		if d.mode == Strict {
			// DisallowUnknownFields reports unknown top-level fields as a
			// decode error; surface it with the protocol's own code so
			// callers can tell it apart from a plain syntax error.
			if isUnknownFieldError(err) {
				return nil, newParseError(CodeUnknownEnvelopeField, line, err)
			}
		}
		return nil, newParseError(CodeInvalidJSON, line, err)
	}
	return &msg, nil
}

func isUnknownFieldError(err error) bool {
	// encoding/json does not export a typed error for this case; it
	// reports it as a *json.SyntaxError-free plain error whose message
	// starts with "json: unknown field ". Matching the prefix is the
	// standard library's own idiom for detecting this condition.
	const prefix = "json: unknown field "
	msg := err.Error()
	return len(msg) >= len(prefix) && msg[:len(prefix)] == prefix
}

// Encoder writes one Command per line to an underlying stream (an agent's
// stdin pipe, typically).
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder wraps w for line-by-line JLP encoding.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// WriteCommand marshals cmd and writes it followed by a single '\n',
// flushing immediately so the write is visible to the child right away.
func (e *Encoder) WriteCommand(cmd *Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("jlp: marshal command: %w", err)
	}
	data = append(data, '\n')
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("jlp: write command: %w", err)
	}
	return e.w.Flush()
}
