package backend

import (
	"errors"
	"fmt"
	"time"

	"github.com/hiplawrussia-stack/FolliCore/pkg/types"
)

// NotLoadedError signals that Infer was called before Load succeeded.
// Readiness gating should make this unreachable in production, but it stays a
// defined, catchable failure.
type NotLoadedError struct {
	Model string
}

func (e *NotLoadedError) Error() string {
	return fmt.Sprintf("model %s not loaded: call Load first", e.Model)
}

// IsNotLoaded reports whether err indicates use before load.
func IsNotLoaded(err error) bool {
	var nl *NotLoadedError
	return errors.As(err, &nl)
}

// LoadError signals a missing, corrupt, or incompatible artifact. Fatal for
// that model id only; the entry goes to failed and the process keeps serving
// other ready models.
type LoadError struct {
	Model string
	Kind  types.BackendKind
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load model %s (%s backend): %v", e.Model, e.Kind, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// IsLoadError reports whether err is a backend load failure.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}

// InferenceError wraps a runtime failure during one request. Surfaced to that
// caller only; the model stays ready. Phase records which stage failed.
type InferenceError struct {
	Phase string // "preprocess" or "inference"
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Phase, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// IsInferenceError reports whether err is a per-request runtime failure.
func IsInferenceError(err error) bool {
	var ie *InferenceError
	return errors.As(err, &ie)
}

// TimeoutError signals that a load or drain exceeded its configured deadline.
type TimeoutError struct {
	Op    string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s exceeded %s deadline", e.Op, e.Limit)
}

// IsTimeout reports whether err is a deadline failure.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
