// Package instance provides the per-process identity used as the lease
// owner token when claiming jobs.
package instance

import (
	"sync"

	"github.com/google/uuid"
)

// Identity is a process-wide identity token. The id is random at
// construction and stable until process exit.
type Identity struct {
	id string
}

// New generates a fresh identity.
func New() *Identity {
	return &Identity{id: uuid.NewString()}
}

// ID returns the identity's UUID string.
func (i *Identity) ID() string {
	if i == nil {
		return ""
	}
	return i.id
}

var defaultIdentity = sync.OnceValue(New)

// Default returns the shared process identity.
func Default() *Identity {
	return defaultIdentity()
}
