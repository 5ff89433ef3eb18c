package jlp

import "fmt"

// validateMessage enforces the envelope rules from spec §4.1: known type,
// RFC3339 timestamp (already guaranteed by time.Time's own JSON unmarshal,
// which only accepts RFC3339), required fields per type, and — in strict
// mode — a known message type.
func validateMessage(msg *Message, mode Strictness) error {
	if msg.Type == "" {
		return newParseError(CodeEnvelopeValidation, nil, fmt.Errorf("missing required field: type"))
	}
	if mode == Strict && !knownMessageTypes[msg.Type] {
		return newParseError(CodeEnvelopeValidation, nil, fmt.Errorf("unknown message type: %q", msg.Type))
	}
	if msg.Timestamp.IsZero() {
		return newParseError(CodeEnvelopeValidation, nil, fmt.Errorf("missing required field: timestamp"))
	}
	if msg.AgentID == "" {
		return newParseError(CodeEnvelopeValidation, nil, fmt.Errorf("missing required field: agent_id"))
	}
	if msg.AgentLabel == "" {
		return newParseError(CodeEnvelopeValidation, nil, fmt.Errorf("missing required field: agent_label"))
	}
	if msg.ProtocolVersion == "" {
		return newParseError(CodeEnvelopeValidation, nil, fmt.Errorf("missing required field: protocol_version"))
	}
	if msg.AgentVersion == "" {
		return newParseError(CodeEnvelopeValidation, nil, fmt.Errorf("missing required field: agent_version"))
	}

	switch msg.Type {
	case MessageHandshake:
		if msg.MinAppVersion == "" {
			return newParseError(CodeEnvelopeValidation, nil, fmt.Errorf("handshake missing required field: min_app_version"))
		}
		if len(msg.Capabilities) == 0 {
			return newParseError(CodeEnvelopeValidation, nil, fmt.Errorf("handshake missing required field: capabilities"))
		}
	case MessageError:
		if msg.Message == "" {
			return newParseError(CodeEnvelopeValidation, nil, fmt.Errorf("error missing required field: message"))
		}
	}
	return nil
}
