package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// CountEntry is the cached count for a StatKey. A nil Count means the
// value has not resolved yet and consumers should show a loading state.
type CountEntry struct {
	Key       StatKey
	Count     *int64
	UpdatedAt time.Time
}

// Loaded reports whether the entry holds a resolved count.
func (e CountEntry) Loaded() bool { return e.Count != nil }

// Value returns the count and whether it has resolved.
func (e CountEntry) Value() (int64, bool) {
	if e.Count == nil {
		return 0, false
	}
	return *e.Count, true
}

// Operation is the kind of row change carried by a ChangeEvent.
type Operation uint8

const (
	OperationInsert Operation = iota + 1
	OperationUpdate
	OperationDelete
)

var ErrUnknownOperation = errors.New("unknown change operation")

func ParseOperation(s string) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "insert":
		return OperationInsert, nil
	case "update":
		return OperationUpdate, nil
	case "delete":
		return OperationDelete, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownOperation, s)
}

func (o Operation) String() string {
	switch o {
	case OperationInsert:
		return "insert"
	case OperationUpdate:
		return "update"
	case OperationDelete:
		return "delete"
	}
	return fmt.Sprintf("operation(%d)", uint8(o))
}

// ChangeEvent signals that rows of Table changed. Nothing beyond the
// operation and table is carried; receivers re-fetch.
type ChangeEvent struct {
	Operation Operation
	Table     string
}
