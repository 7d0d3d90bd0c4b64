package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Ref names a logical record independently of any loaded row. Two refs to
// the same (type, id) stay correlated across versions and after deletion.
type Ref struct {
	Type string
	ID   int64
}

// Hash returns the stable identity digest for a (type, id) pair. It is the
// join key used across the snapshot log; it must never change between
// releases.
func Hash(recordType string, id int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", recordType, id)))
	return hex.EncodeToString(sum[:])
}

// Hash returns the identity digest of the ref.
func (r Ref) Hash() string {
	return Hash(r.Type, r.ID)
}

// IsZero reports whether the ref names nothing.
func (r Ref) IsZero() bool {
	return r.Type == "" && r.ID == 0
}

// String renders the ref for log fields.
func (r Ref) String() string {
	return fmt.Sprintf("%s:%d", r.Type, r.ID)
}

// Equal reports whether two refs name the same logical record.
func Equal(a, b Ref) bool {
	return a.Hash() == b.Hash()
}
