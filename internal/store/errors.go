package store

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned for constraint violations (unique key collisions,
// missing foreign keys). Orchestrators treat it as fatal to the current
// phase; the run remains recoverable via ResumeRun.
var ErrConflict = errors.New("constraint violation")

// ErrAlreadySuperseded is returned by SupersedeDecision when the original
// decision already carries a supersession link. It is recoverable:
// surrounding iteration must not abort on it.
var ErrAlreadySuperseded = errors.New("decision already superseded")

// ErrSameRunSupersede is returned when a decision would supersede a decision
// in its own run.
var ErrSameRunSupersede = errors.New("decision cannot supersede a decision in its own run")

// ErrParentNotCompleted is returned when an amendment run is created against
// a parent whose status is not completed.
var ErrParentNotCompleted = errors.New("parent run is not completed")

// wrap translates driver-level errors into the package's typed errors,
// attaching op context.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("store: %s: %w", op, ErrNotFound)
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "FOREIGN KEY constraint") {
		return fmt.Errorf("store: %s: %w: %v", op, ErrConflict, err)
	}
	return fmt.Errorf("store: %s: %w", op, err)
}
