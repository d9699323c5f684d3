// ============================================================================
// spectrum-fit Fitting Backend
// ============================================================================
//
// Package: internal/backend
// File: backend.go
// Purpose: Numerical fitting behind a narrow, call-scoped interface
//
// Result lifetime:
//   Fit hands a Handle to the caller's extract callback and releases it as
//   soon as the callback returns. Any later access panics with
//   ErrHandleReleased. Callers copy what they need inside the callback;
//   nothing the backend allocates outlives the call.
//
//   backend.Fit(ctx, req, func(h Handle) error {
//       frozen = resultcache.Freeze(model, h)   // copy out
//       return nil
//   })                                          // h is dead here
//
// Failure taxonomy:
//   *Failure{Reason} matches types.ErrBackendFitFailure via errors.Is
//   - non-convergence:   minimiser hit a limit or the context expired
//   - singular-matrix:   covariance could not be computed
//   - out-of-range:      best-fit parameters are not finite
//   - insufficient-data: fewer usable points than free parameters
//
// ============================================================================

package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/spectrum-fit/internal/fitmodel"
	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

// ErrHandleReleased is the panic value for using a Handle after Fit returned.
var ErrHandleReleased = errors.New("backend: result handle used after release")

// Reason classifies a backend failure.
type Reason string

const (
	ReasonNonConvergence   Reason = "non-convergence"
	ReasonSingularMatrix   Reason = "singular-matrix"
	ReasonOutOfRange       Reason = "out-of-range"
	ReasonInsufficientData Reason = "insufficient-data"
)

// Failure is returned by Fit when the numerical fit did not succeed.
type Failure struct {
	Reason Reason
	Detail string
	Err    error
}

func (f *Failure) Error() string {
	msg := "backend: " + string(f.Reason)
	if f.Detail != "" {
		msg += ": " + f.Detail
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

// Is reports backend failures as types.ErrBackendFitFailure.
func (f *Failure) Is(target error) bool { return target == types.ErrBackendFitFailure }

func fail(reason Reason, err error, format string, args ...any) *Failure {
	return &Failure{Reason: reason, Detail: fmt.Sprintf(format, args...), Err: err}
}

// Request describes one fit.
type Request struct {
	Model   fitmodel.Model
	Region  types.Region
	X, Y    []float64 // points inside Region, read-only for the backend
	Seeds   []float64
	Fixed   []bool
	Options Options
}

// Handle exposes a raw fit result for the duration of the extract callback.
type Handle interface {
	Status() int
	ChiSquare() (float64, bool)
	NDF() (int, bool)
	NumParams() int
	Parameter(i int) (float64, bool)
	ParameterError(i int) (float64, bool)
	// Scale is the analytic amplitude of shape-only models.
	Scale() (float64, bool)
}

// Fitter runs fits. Implementations must not retain req slices or the
// Handle beyond the call.
type Fitter interface {
	Fit(ctx context.Context, req Request, extract func(Handle) error) error
}
