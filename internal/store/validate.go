package store

import (
	"coordd/internal/models"
)

// maxIDLen bounds every caller-supplied identifier.
const maxIDLen = 128

// ValidateID checks a caller-supplied identifier before anything touches the
// database: non-empty, bounded length, restricted character set. Malformed
// identifiers fail fast and are never persisted.
func ValidateID(field, id string) error {
	if id == "" {
		return models.Validationf(field, "must not be empty")
	}
	if len(id) > maxIDLen {
		return models.Validationf(field, "exceeds %d characters", maxIDLen)
	}
	for _, c := range id {
		if !validIDChar(c) {
			return models.Validationf(field, "contains invalid character %q", c)
		}
	}
	return nil
}

func validIDChar(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z',
		c >= 'A' && c <= 'Z',
		c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.' || c == ':':
		return true
	}
	return false
}
