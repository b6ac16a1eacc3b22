package args_test

import (
	"flag"
	"testing"

	"github.com/opst/pipelab/pkg/domain"
	"github.com/opst/pipelab/pkg/utils/args"
)

func TestAdapter(t *testing.T) {
	t.Run("it parses an acceptable value", func(t *testing.T) {
		testee := args.Parser(domain.AsVariant)
		if testee.IsSet() {
			t.Error("it is set, unexpectedly")
		}
		if testee.String() != "" {
			t.Errorf("String() before set: actual=%q, expect empty", testee.String())
		}

		f := flag.NewFlagSet("test", flag.ContinueOnError)
		f.Var(testee, "variant", "")
		if err := f.Parse([]string{"-variant", "candidate"}); err != nil {
			t.Fatal(err)
		}

		if !testee.IsSet() {
			t.Error("it is not set")
		}
		if got := testee.Value(); got != domain.Candidate {
			t.Errorf("value: actual=%s, expect=%s", got, domain.Candidate)
		}
		if got := testee.String(); got != "candidate" {
			t.Errorf("String(): actual=%q, expect=%q", got, "candidate")
		}
	})

	t.Run("it rejects an unacceptable value", func(t *testing.T) {
		testee := args.Parser(domain.AsVariant)

		f := flag.NewFlagSet("test", flag.ContinueOnError)
		f.Var(testee, "variant", "")
		if err := f.Parse([]string{"-variant", "canary"}); err == nil {
			t.Error("expected error, but nil")
		}
		if testee.IsSet() {
			t.Error("it is set, unexpectedly")
		}
	})
}
