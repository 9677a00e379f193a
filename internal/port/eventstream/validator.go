package eventstream

import (
	"encoding/json"
	"fmt"
)

// schemaKey identifies one registered (group, channel, eventType) triple.
type schemaKey struct {
	group, channel, eventType string
}

// schemas maps registered triples to a factory for their payload struct.
// Payloads for unregistered triples are accepted but not dispatched to
// handlers, so new event types never block older consumers.
var schemas = map[schemaKey]func() any{}

func init() {
	for _, t := range []string{TypeTaskStarted, TypeTaskSucceeded, TypeTaskFailed, TypeTaskAcked} {
		schemas[schemaKey{"mission", "scheduling", t}] = func() any { return &TaskLifecyclePayload{} }
	}
	for _, t := range []string{TypeMissionStarted, TypeMissionCompleted, TypeMissionDeadlocked, TypeMissionAborted} {
		schemas[schemaKey{"mission", "scheduling", t}] = func() any { return &MissionStatusPayload{} }
	}
}

// Registered reports whether the (group, channel, eventType) triple has an
// associated schema.
func Registered(group, channel, eventType string) bool {
	_, ok := schemas[schemaKey{group, channel, eventType}]
	return ok
}

// Validate checks data against the schema registered for the triple.
// Unregistered triples pass (forward compatible).
func Validate(group, channel, eventType string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON for event %s on %s.%s", eventType, group, channel)
	}
	factory, ok := schemas[schemaKey{group, channel, eventType}]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(data, factory()); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", eventType, err)
	}
	return nil
}
