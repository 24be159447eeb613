package xid

import "github.com/google/uuid"

// New returns "<prefix>-<uuid>". Empty prefixes yield a bare uuid.
func New(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}
