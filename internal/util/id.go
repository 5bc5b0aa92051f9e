package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random 32 character hex identifier, optionally prefixed
// with "prefix_". Blob names and token ids use it.
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
