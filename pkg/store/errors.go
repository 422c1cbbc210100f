package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the record addressed by an update does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a create collided with an existing unique key.
	ErrConflict = errors.New("record already exists")
)

// Error is an accessor failure annotated with the attempted operation.
type Error struct {
	Op     string
	Entity string
	ID     string
	Err    error
}

func (e *Error) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("store: %s %s: %v", e.Op, e.Entity, e.Err)
	}
	return fmt.Sprintf("store: %s %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap annotates err with operation context. Errors already wrapped are
// returned unchanged so the innermost operation is reported.
func Wrap(op, entity, id string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Op: op, Entity: entity, ID: id, Err: err}
}
