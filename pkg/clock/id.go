package clock

import "github.com/google/uuid"

// maxIDCollisionRetries bounds the (expected-negligible) collision
// retry loop required by SPEC_FULL.md §4.8 for identity id generation.
const maxIDCollisionRetries = 8

// Exists reports whether a generated UUID is already in use; passed by
// callers so this package needn't know about the store.
type Exists func(id string) (bool, error)

// NewID generates a UUID v4 string. If exists is non-nil, it is
// consulted and the id regenerated on collision, up to
// maxIDCollisionRetries attempts, after which the last generated id is
// returned regardless (collision probability is negligible; the loop
// exists to satisfy the invariant, not to handle a realistic attack).
func NewID(exists Exists) (string, error) {
	var id string
	for attempt := 0; attempt < maxIDCollisionRetries; attempt++ {
		id = uuid.NewString()
		if exists == nil {
			return id, nil
		}
		found, err := exists(id)
		if err != nil {
			return "", err
		}
		if !found {
			return id, nil
		}
	}
	return id, nil
}
