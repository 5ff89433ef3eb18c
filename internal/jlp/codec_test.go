package jlp

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validHandshakeLine() string {
	return `{"type":"handshake","timestamp":"2026-07-31T00:00:00Z","agent_id":"a1",` +
		`"agent_label":"folderwatch","protocol_version":"0.3","agent_version":"1.2.1",` +
		`"data":{},"min_app_version":"1.0.0","capabilities":["summary","heartbeat"]}` + "\n"
}

func TestDecoder_RoundTripsValidHandshake(t *testing.T) {
	dec := NewDecoder(strings.NewReader(validHandshakeLine()))
	msg, err := dec.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, MessageHandshake, msg.Type)
	assert.Equal(t, "folderwatch", msg.AgentLabel)
	assert.Equal(t, "0.3", msg.ProtocolVersion)
	assert.Equal(t, []string{"summary", "heartbeat"}, msg.Capabilities)
}

func TestDecoder_SkipsEmptyLines(t *testing.T) {
	input := "\n\n" + validHandshakeLine()
	dec := NewDecoder(strings.NewReader(input))
	msg, err := dec.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, MessageHandshake, msg.Type)
}

func TestDecoder_OversizeFrameFails(t *testing.T) {
	huge := `{"type":"log","timestamp":"2026-07-31T00:00:00Z","agent_id":"a1",` +
		`"agent_label":"l","protocol_version":"0.3","agent_version":"1.0",` +
		`"data":{"x":"` + strings.Repeat("a", DefaultMaxLineBytes) + `"}}` + "\n"
	dec := NewDecoder(strings.NewReader(huge))
	_, err := dec.ReadMessage()
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeOversizeFrame, perr.Code)
}

func TestDecoder_MaxSizeLineIsAccepted(t *testing.T) {
	// Build a line exactly at the cap by padding the data field so the
	// line, excluding its trailing newline, equals DefaultMaxLineBytes (the
	// boundary case from spec §8: "at exactly the max frame size are
	// accepted").
	prefix := `{"type":"log","timestamp":"2026-07-31T00:00:00Z","agent_id":"a1",` +
		`"agent_label":"l","protocol_version":"0.3","agent_version":"1.0","data":{"x":"`
	suffix := `"}}`
	padLen := DefaultMaxLineBytes - len(prefix) - len(suffix)
	require.Greater(t, padLen, 0)
	line := prefix + strings.Repeat("a", padLen) + suffix

	dec := NewDecoder(strings.NewReader(line + "\n"))
	_, err := dec.ReadMessage()
	assert.NoError(t, err)
}

func TestDecoder_InvalidUTF8Fails(t *testing.T) {
	line := append([]byte(`{"type":"log","data":{}`), 0xff, 0xfe)
	line = append(line, '\n')
	dec := NewDecoder(bytes.NewReader(line))
	_, err := dec.ReadMessage()
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeInvalidEncoding, perr.Code)
}

func TestDecoder_InvalidJSONFails(t *testing.T) {
	dec := NewDecoder(strings.NewReader("not json at all\n"))
	_, err := dec.ReadMessage()
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeInvalidJSON, perr.Code)
}

func TestDecoder_UnknownTopLevelFieldFailsInStrictMode(t *testing.T) {
	line := `{"type":"log","timestamp":"2026-07-31T00:00:00Z","agent_id":"a1",` +
		`"agent_label":"l","protocol_version":"0.3","agent_version":"1.0","data":{},` +
		`"totally_unknown_field":true}` + "\n"

	dec := NewDecoder(strings.NewReader(line))
	_, err := dec.ReadMessage()
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeUnknownEnvelopeField, perr.Code)
}

func TestDecoder_UnknownTopLevelFieldAllowedInLenientMode(t *testing.T) {
	line := `{"type":"log","timestamp":"2026-07-31T00:00:00Z","agent_id":"a1",` +
		`"agent_label":"l","protocol_version":"0.3","agent_version":"1.0","data":{},` +
		`"totally_unknown_field":true}` + "\n"

	dec := NewDecoder(strings.NewReader(line), WithStrictness(Lenient))
	msg, err := dec.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, MessageLog, msg.Type)
}

func TestDecoder_HandshakeMissingCapabilitiesFails(t *testing.T) {
	line := `{"type":"handshake","timestamp":"2026-07-31T00:00:00Z","agent_id":"a1",` +
		`"agent_label":"l","protocol_version":"0.3","agent_version":"1.0",` +
		`"data":{},"min_app_version":"1.0.0"}` + "\n"
	dec := NewDecoder(strings.NewReader(line))
	_, err := dec.ReadMessage()
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeEnvelopeValidation, perr.Code)
}

func TestDecoder_ErrorMessageMissingMessageFieldFails(t *testing.T) {
	line := `{"type":"error","timestamp":"2026-07-31T00:00:00Z","agent_id":"a1",` +
		`"agent_label":"l","protocol_version":"0.3","agent_version":"1.0","data":{}}` + "\n"
	dec := NewDecoder(strings.NewReader(line))
	_, err := dec.ReadMessage()
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeEnvelopeValidation, perr.Code)
}

func TestDecoder_UnknownMessageTypeFailsInStrictMode(t *testing.T) {
	line := `{"type":"mystery","timestamp":"2026-07-31T00:00:00Z","agent_id":"a1",` +
		`"agent_label":"l","protocol_version":"0.3","agent_version":"1.0","data":{}}` + "\n"
	dec := NewDecoder(strings.NewReader(line))
	_, err := dec.ReadMessage()
	require.Error(t, err)
}

func TestEncoder_WritesNewlineDelimitedCommand(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	accepted := true
	err := enc.WriteCommand(&Command{
		Cmd:             CommandAck,
		AppVersion:      "1.0.0",
		ProtocolVersion: "0.3",
		Accepted:        &accepted,
	})
	require.NoError(t, err)

	require.True(t, strings.HasSuffix(buf.String(), "\n"))
	require.Equal(t, 1, strings.Count(buf.String(), "\n"))

	dec := NewDecoder(&buf)
	// Commands and messages share the same line framing; decode the raw
	// line back out to confirm round-trip encoding fidelity.
	line, err := dec.readLine()
	require.NoError(t, err)
	assert.Contains(t, string(line), `"cmd":"ack"`)
	assert.Contains(t, string(line), `"accepted":true`)
}

func TestEncoder_EachSequenceCommandIsOneLine(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	require.NoError(t, enc.WriteCommand(&Command{Cmd: CommandSequence, Sequence: []CommandName{CommandStop, CommandFlush, CommandShutdown}}))
	require.NoError(t, enc.WriteCommand(&Command{Cmd: CommandFlush}))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
}

func TestMessage_TimestampMustBeRFC3339(t *testing.T) {
	// encoding/json's time.Time only accepts RFC3339 — malformed timestamps
	// surface as invalid_json, not a separate envelope-validation code.
	line := `{"type":"log","timestamp":"not-a-time","agent_id":"a1","agent_label":"l",` +
		`"protocol_version":"0.3","agent_version":"1.0","data":{}}` + "\n"
	dec := NewDecoder(strings.NewReader(line))
	_, err := dec.ReadMessage()
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeInvalidJSON, perr.Code)
}

func TestMessage_TimestampRoundTripsUTC(t *testing.T) {
	ts := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	line := `{"type":"heartbeat","timestamp":"` + ts.Format(time.RFC3339) + `","agent_id":"a1",` +
		`"agent_label":"l","protocol_version":"0.3","agent_version":"1.0","data":{}}` + "\n"
	dec := NewDecoder(strings.NewReader(line))
	msg, err := dec.ReadMessage()
	require.NoError(t, err)
	assert.True(t, ts.Equal(msg.Timestamp))
}
