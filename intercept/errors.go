package intercept

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownFilterSet   = errors.New("unknown filter-set")
	ErrDuplicateFilterSet = errors.New("filter-set already registered")
	ErrDuplicateFilter    = errors.New("filter already registered")
	ErrUnknownCommand     = errors.New("unknown filter-set variable")
	ErrMandatoryFilterSet = errors.New("mandatory filter-set missing")
	ErrArityMismatch      = errors.New("argument count does not match function group")
	ErrUnknownType        = errors.New("unknown type")
	ErrUnknownFunction    = errors.New("unknown function")
	ErrUnreadablePointer  = errors.New("pointer target not captured")
	ErrValueSize          = errors.New("value size does not match type")
	ErrNoContextNode      = errors.New("state tree has no context collection")
)

// CycleError reports the active filters that could not be ordered because their dependencies form a cycle.
type CycleError struct {
	// Unordered lists the filters left over once no further filter had all predecessors satisfied.
	Unordered []string
}

func (e *CycleError) Error() string {
	return "filter dependency cycle among: " + strings.Join(e.Unordered, ", ")
}

// InitError wraps a filter-set initialisation failure.
type InitError struct {
	FilterSet string
	Err       error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("failed to initialise filter-set %s: %v", e.FilterSet, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}
