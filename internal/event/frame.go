package event

import (
	"encoding/json"
	"fmt"
)

// Frame is the cross-worker wire format on the pub/sub channel. WorkerID
// lets a worker discard its own frames on redelivery.
type Frame struct {
	WorkerID string          `json:"workerId"`
	Name     Name            `json:"eventName"`
	Payload  json.RawMessage `json:"event"`
}

// EncodeFrame marshals a frame for publishing.
func EncodeFrame(workerID string, msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling %q frame payload: %w", msg.Name(), err)
	}
	return json.Marshal(Frame{WorkerID: workerID, Name: msg.Name(), Payload: payload})
}

// DecodeFrame parses a frame received from the pub/sub channel.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("parsing frame: %w", err)
	}
	if f.WorkerID == "" {
		return Frame{}, fmt.Errorf("frame missing workerId")
	}
	return f, nil
}
