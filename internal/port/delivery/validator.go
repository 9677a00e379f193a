package delivery

import (
	"encoding/json"
	"fmt"
)

// Validate checks that data is a well-formed wire message. Adapters call it
// on consume so a poisoned entry surfaces as an error instead of a
// half-populated message.
func Validate(data []byte) (*Message, error) {
	if !json.Valid(data) {
		return nil, fmt.Errorf("delivery payload is not valid JSON")
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode delivery payload: %w", err)
	}
	if msg.MissionID == "" {
		return nil, fmt.Errorf("delivery payload missing mission_id")
	}
	if msg.TaskID == "" {
		return nil, fmt.Errorf("delivery payload missing task_id")
	}
	if msg.Attempt < 1 {
		return nil, fmt.Errorf("delivery payload has attempt %d, want >= 1", msg.Attempt)
	}
	return &msg, nil
}
