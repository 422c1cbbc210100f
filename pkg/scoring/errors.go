package scoring

import (
	"errors"
	"fmt"
)

// ErrProfileUpdate marks every failure to read or write a profile while scoring.
var ErrProfileUpdate = errors.New("scoring: profile update failed")

// ProfileUpdateError carries the user and step that failed.
type ProfileUpdateError struct {
	UserID string
	Op     string
	Err    error
}

func (e *ProfileUpdateError) Error() string {
	return fmt.Sprintf("scoring: %s profile for user %s: %v", e.Op, e.UserID, e.Err)
}

func (e *ProfileUpdateError) Unwrap() error {
	return e.Err
}

func (e *ProfileUpdateError) Is(target error) bool {
	return target == ErrProfileUpdate
}
