package errors_test

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	domerr "github.com/opst/pipelab/pkg/domain/errors"
	xe "github.com/opst/pipelab/pkg/errors"
)

func loadExperiment() error {
	return xe.Wrap(fmt.Errorf("%w: experiment exp-1", domerr.ErrMissing))
}

func TestWrap(t *testing.T) {
	t.Run("it knows where it is wrapped", func(t *testing.T) {
		err := loadExperiment()

		var located *xe.ErrWithCaller
		if !errors.As(err, &located) {
			t.Fatalf("it is not ErrWithCaller: %v", err)
		}

		_, thisFile, _, _ := runtime.Caller(0)
		if located.File() != thisFile {
			t.Errorf("file: actual=%s, expect=%s", located.File(), thisFile)
		}
		if located.Line() <= 0 {
			t.Errorf("line: actual=%d", located.Line())
		}

		msg := err.Error()
		for _, want := range []string{"loadExperiment", filepath.Base(thisFile), "<- not found: experiment exp-1"} {
			if !strings.Contains(msg, want) {
				t.Errorf("message does not contain %q: %s", want, msg)
			}
		}
	})

	t.Run("it can be unwrapped", func(t *testing.T) {
		if err := loadExperiment(); !errors.Is(err, domerr.ErrMissing) {
			t.Errorf("it does not wrap ErrMissing: %v", err)
		}
	})

	t.Run("note is in message", func(t *testing.T) {
		err := xe.WrapWithNote("parsing pipelab.yaml", errors.New("bad indent"))
		if msg := err.Error(); !strings.Contains(msg, "parsing pipelab.yaml <- bad indent") {
			t.Errorf("message: %s", msg)
		}
	})

	t.Run("nil is not wrapped", func(t *testing.T) {
		if err := xe.Wrap(nil); err != nil {
			t.Errorf("Wrap(nil): actual=%v, expect=nil", err)
		}
		if err := xe.WrapWithNote("note", nil); err != nil {
			t.Errorf("WrapWithNote(nil): actual=%v, expect=nil", err)
		}
	})
}
