package dberrors

import (
	"fmt"

	domerr "github.com/opst/pipelab/pkg/domain/errors"
)

// requested record is missing.
type Missing struct {
	Table    string
	Identity string
}

var _ error = Missing{}

func (m Missing) Error() string {
	return fmt.Sprintf("%s is not found in %s", m.Identity, m.Table)
}

func (m Missing) Unwrap() error {
	return domerr.ErrMissing
}

// the record has been updated by someone else after it was loaded.
//
// This is a kind of ErrInvalidTransition: the caller should reload and retry.
type Conflict struct {
	Table    string
	Identity string
	Version  int64
}

var _ error = Conflict{}

func (c Conflict) Error() string {
	return fmt.Sprintf(
		"%s in %s is modified concurrently (loaded version: %d)",
		c.Identity, c.Table, c.Version,
	)
}

func (c Conflict) Unwrap() error {
	return domerr.ErrInvalidTransition
}
