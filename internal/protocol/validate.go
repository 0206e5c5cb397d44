package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes maps each client→server type to whether it needs a payload.
var validClientTypes = map[string]bool{
	TypeTargetsList: false,
	TypeSchemesList: false,
	TypeBuildStart:  true,
	TypeBuildStop:   false,
	TypeRunStart:    true,
	TypeLogsStart:   true,
	TypeLogsStop:    false,
	TypeRunStop:     false,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	needsPayload, ok := validClientTypes[msg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if needsPayload && (msg.Payload == nil || string(msg.Payload) == "null") {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	switch msg.Type {
	case TypeBuildStart:
		var p BuildStartPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.TargetID == "" {
			return nil, fmt.Errorf("missing required field 'targetId' in %s payload", msg.Type)
		}

	case TypeRunStart:
		var p RunStartPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.TargetID == "" {
			return nil, fmt.Errorf("missing required field 'targetId' in %s payload", msg.Type)
		}
		if err := validateMode(msg.Type, p.Mode); err != nil {
			return nil, err
		}

	case TypeLogsStart:
		var p LogsStartPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if err := validateMode(msg.Type, p.Mode); err != nil {
			return nil, err
		}
	}

	return &msg, nil
}

func validateMode(msgType, mode string) error {
	switch mode {
	case "", ModeProcessOutput, ModeSystemLog, ModeBoth:
		return nil
	}
	return fmt.Errorf("invalid 'mode' %q in %s payload", mode, msgType)
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
