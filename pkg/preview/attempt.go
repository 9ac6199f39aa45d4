package preview

import "github.com/google/uuid"

// NewAttemptID mints a time-ordered attempt id. UUIDv7 keeps attempt ids
// monotonic per preview, which the stale-attempt check relies on.
func NewAttemptID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
