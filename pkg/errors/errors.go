// Package errors wraps errors with the location where they are wrapped.
//
// Messages of wrapped errors read like
//
//	@ github.com/opst/pipelab/pkg/coordinator.(*Coordinator).commit (coordinator.go:120) <- deployment is not found
//
// Splitting them at "<-" gives a trace of where errors have been passed through.
package errors

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// ErrWithCaller is an error with the location where it is wrapped.
type ErrWithCaller struct {
	file     string
	line     int
	funcname string
	note     string
	err      error
}

func (e *ErrWithCaller) File() string {
	return e.file
}

func (e *ErrWithCaller) Line() int {
	return e.line
}

func (e *ErrWithCaller) Error() string {
	loc := fmt.Sprintf("%s:%d", filepath.Base(e.file), e.line)
	if e.note == "" {
		return fmt.Sprintf("@ %s (%s) <- %s", e.funcname, loc, e.err.Error())
	}
	return fmt.Sprintf("@ %s (%s) %s <- %s", e.funcname, loc, e.note, e.err.Error())
}

func (e *ErrWithCaller) Unwrap() error {
	return e.err
}

// New is errors.New with location.
func New(text string) error {
	return wrap("", errors.New(text), 1)
}

// Wrap marks err with the caller's location. Wrap(nil) is nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return wrap("", err, 1)
}

// WrapWithNote is Wrap with a note describing what the caller was doing.
func WrapWithNote(note string, err error) error {
	if err == nil {
		return nil
	}
	return wrap(note, err, 1)
}

func wrap(note string, err error, depth int) error {
	pc, file, line, ok := runtime.Caller(depth + 1)
	funcname := "(unknown func)"
	if !ok {
		file = "?"
		line = -1
	}
	if fn := runtime.FuncForPC(pc); fn != nil {
		funcname = fn.Name()
	}

	return &ErrWithCaller{
		funcname: funcname,
		file:     file,
		line:     line,
		note:     note,
		err:      err,
	}
}
