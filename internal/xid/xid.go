package xid

import "github.com/google/uuid"

// New returns a prefixed random identifier such as "prd-6f1c...".
// It panics if the system entropy source fails.
func New(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
