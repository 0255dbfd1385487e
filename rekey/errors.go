package rekey

import (
	"errors"
	"fmt"
)

var (
	// ErrRotationFailed matches every RotationFailedError.
	ErrRotationFailed = errors.New("master password rotation failed")
	// ErrRotationInProgress is returned when another rotation holds the lock.
	ErrRotationInProgress = errors.New("master password rotation in progress")
)

// RotationFailedError reports the first item that could not be rotated.
// When it is returned no row has been changed.
type RotationFailedError struct {
	Table  string
	ItemID string
	Cause  error
}

func (e *RotationFailedError) Error() string {
	switch {
	case e.ItemID != "":
		return fmt.Sprintf("%s: %s/%s: %v", ErrRotationFailed, e.Table, e.ItemID, e.Cause)
	case e.Table != "":
		return fmt.Sprintf("%s: %s: %v", ErrRotationFailed, e.Table, e.Cause)
	default:
		return fmt.Sprintf("%s: %v", ErrRotationFailed, e.Cause)
	}
}

func (e *RotationFailedError) Unwrap() []error {
	return []error{ErrRotationFailed, e.Cause}
}
