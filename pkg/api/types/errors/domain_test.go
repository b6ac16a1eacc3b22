package errors_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	apierr "github.com/opst/pipelab/pkg/api/types/errors"
	domerr "github.com/opst/pipelab/pkg/domain/errors"
	"github.com/opst/pipelab/pkg/domain/errors/dberrors"
)

func TestFromDomain(t *testing.T) {
	for _, c := range []struct {
		err  error
		code int
	}{
		{domerr.NewErrInvalidConfig("name", "should not be empty"), http.StatusBadRequest},
		{dberrors.Missing{Table: "experiment", Identity: "exp-1"}, http.StatusNotFound},
		{dberrors.Conflict{Table: "experiment", Identity: "exp-1", Version: 3}, http.StatusConflict},
		{fmt.Errorf("%w: too few", domerr.ErrInsufficientData), http.StatusUnprocessableEntity},
		{&domerr.DeploymentFailure{ExperimentID: "exp-1", Variant: "baseline"}, http.StatusBadGateway},
		{errors.New("disk full"), http.StatusInternalServerError},
	} {
		t.Run(c.err.Error(), func(t *testing.T) {
			got := apierr.FromDomain(c.err)
			if got.Code != c.code {
				t.Errorf("code: actual=%d, expect=%d", got.Code, c.code)
			}
			if !errors.Is(got.Internal, c.err) {
				t.Errorf("internal: actual=%v, expect to wrap %v", got.Internal, c.err)
			}
		})
	}
}
