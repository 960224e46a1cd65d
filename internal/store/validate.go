package store

import (
	"errors"
	"fmt"
)

// MaxNameLength bounds the display name stored with a recipient.
const MaxNameLength = 255

// ErrNameTooLong is returned by ValidateName.
var ErrNameTooLong = errors.New("recipient name too long")

// ValidateName checks that a display name does not exceed MaxNameLength.
func ValidateName(name string) error {
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: %d chars (max %d)", ErrNameTooLong, len(name), MaxNameLength)
	}
	return nil
}
