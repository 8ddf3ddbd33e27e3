package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random identifier, optionally namespaced by prefix.
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// TempMessageID marks optimistic messages that the server has not yet
// acknowledged.
func TempMessageID() string {
	return "temp_" + uuid.NewString()
}

func IsTempMessageID(id string) bool {
	return strings.HasPrefix(id, "temp_")
}
