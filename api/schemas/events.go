package schemas

import (
	"encoding/json"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// Named events exchanged with the dispatcher. The payload field names in the
// structs below are the wire contract and must not change.
const (
	EventDeviceRegister  = "device_register"
	EventRegisterSuccess = "register_success"
	EventHeartbeat       = "heartbeat"
	EventHeartbeatAck    = "heartbeat_ack"
	EventNewTask         = "new_task"
	EventCancelTask      = "cancel_task"
	EventTaskProgress    = "task_progress"
	EventTaskResult      = "task_result"
	EventError           = "error"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope frames every message on the duplex channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeEnvelope frames a payload under the given event name.
func EncodeEnvelope(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := codec.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %q payload: %w", event, err)
		}
		data = raw
	}
	return codec.Marshal(Envelope{Event: event, Data: data})
}

// DecodeEnvelope parses a raw channel message into its envelope.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := codec.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("envelope missing event name")
	}
	return env, nil
}

// DecodeData unmarshals the envelope payload into v.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %q carries no payload", e.Event)
	}
	if err := codec.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("malformed %q payload: %w", e.Event, err)
	}
	return nil
}

// RegisterPayload is sent once per transition into the connected state.
type RegisterPayload struct {
	DeviceID   string     `json:"device_id"`
	DeviceName string     `json:"device_name"`
	DeviceInfo DeviceInfo `json:"device_info"`
}

// HeartbeatPayload carries the liveness beacon.
type HeartbeatPayload struct {
	DeviceID  string `json:"device_id"`
	Timestamp int64  `json:"timestamp"`
}

// ProgressPayload reports intermediate task progress, 0-100.
type ProgressPayload struct {
	TaskID   string `json:"task_id"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
}

// ResultPayload delivers the terminal outcome of one task.
type ResultPayload struct {
	TaskID string     `json:"task_id"`
	Result TaskResult `json:"result"`
}

// CancelPayload identifies the task a cancel_task event targets.
type CancelPayload struct {
	TaskID string `json:"task_id"`
}

// AckPayload is the registration acknowledgement body.
type AckPayload struct {
	Message string `json:"message"`
}

// HeartbeatAckPayload is the heartbeat acknowledgement body.
type HeartbeatAckPayload struct {
	ServerTime string `json:"server_time"`
}

// ErrorPayload is a server-side error notification.
type ErrorPayload struct {
	Message string `json:"message"`
}
