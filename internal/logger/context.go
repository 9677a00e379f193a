package logger

import "context"

// contextKey is a private type to prevent collisions with other context keys.
type contextKey struct{}

// missionIDKey is the context key for the mission ID.
var missionIDKey = contextKey{}

// WithMissionID returns a new context with the given mission ID stored.
func WithMissionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, missionIDKey, id)
}

// MissionID extracts the mission ID from the context.
// Returns an empty string if no mission ID is set.
func MissionID(ctx context.Context) string {
	id, _ := ctx.Value(missionIDKey).(string)
	return id
}
