package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devrun/internal/target"
)

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(TypeTargets, TargetsPayload{Targets: []target.Target{
		{ID: "SIM-1", Name: "iPhone 15", Kind: target.KindEmulated},
	}})
	require.NoError(t, err)

	assert.Equal(t, TypeTargets, msg.Type)
	assert.False(t, msg.Timestamp.IsZero())

	var p TargetsPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	require.Len(t, p.Targets, 1)
	assert.Equal(t, "SIM-1", p.Targets[0].ID)
	assert.Equal(t, target.KindEmulated, p.Targets[0].Kind)
}

func TestNewMessage_UnmarshalablePayload(t *testing.T) {
	_, err := NewMessage(TypeError, make(chan int))
	assert.Error(t, err)
}

func TestValidateClientMessage(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{"targets without payload", `{"type":"targets.list"}`, ""},
		{"schemes with empty payload", `{"type":"schemes.list","payload":{}}`, ""},
		{"build start", `{"type":"build.start","payload":{"targetId":"SIM-1","scheme":"MyApp","clean":true}}`, ""},
		{"build stop", `{"type":"build.stop","payload":null}`, ""},
		{"run start with mode", `{"type":"run.start","payload":{"targetId":"SIM-1","mode":"both"}}`, ""},
		{"logs start from last run", `{"type":"logs.start","payload":{}}`, ""},
		{"logs stop", `{"type":"logs.stop"}`, ""},

		{"invalid JSON", `not json`, "invalid JSON"},
		{"missing type", `{"payload":{}}`, "missing 'type'"},
		{"unknown type", `{"type":"session.create","payload":{}}`, "unknown message type"},
		{"build start missing payload", `{"type":"build.start"}`, "missing 'payload'"},
		{"build start null payload", `{"type":"build.start","payload":null}`, "missing 'payload'"},
		{"build start missing target", `{"type":"build.start","payload":{"scheme":"MyApp"}}`, "'targetId'"},
		{"build start wrong field type", `{"type":"build.start","payload":{"targetId":42}}`, "invalid payload"},
		{"run start missing target", `{"type":"run.start","payload":{}}`, "'targetId'"},
		{"run start bad mode", `{"type":"run.start","payload":{"targetId":"SIM-1","mode":"verbose"}}`, "invalid 'mode'"},
		{"logs start bad mode", `{"type":"logs.start","payload":{"mode":"all"}}`, "invalid 'mode'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ValidateClientMessage([]byte(tt.raw))
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.NotEmpty(t, msg.Type)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewErrorMessage(t *testing.T) {
	msg, err := NewErrorMessage(ErrTargetNotFound, "target SIM-9 not found")
	require.NoError(t, err)
	assert.Equal(t, TypeError, msg.Type)

	var p ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, ErrTargetNotFound, p.Code)
	assert.Equal(t, "target SIM-9 not found", p.Message)
}
