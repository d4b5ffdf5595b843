package registry

// modelNotFoundError signals a request for an unregistered model id so the
// HTTP layer can return 404.
type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

// ErrModelNotFound constructs a modelNotFoundError.
func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether the error indicates a missing model id.
func IsModelNotFound(err error) bool {
	_, ok := err.(modelNotFoundError)
	return ok
}

// loadInProgressError signals a load or reload attempt while another load of
// the same id is still running. The second caller is rejected, not queued.
type loadInProgressError struct{ id string }

func (e loadInProgressError) Error() string { return "load already in progress: " + e.id }

// ErrLoadInProgress constructs a loadInProgressError.
func ErrLoadInProgress(id string) error { return loadInProgressError{id: id} }

// IsLoadInProgress reports whether err indicates a rejected concurrent load.
func IsLoadInProgress(err error) bool {
	_, ok := err.(loadInProgressError)
	return ok
}

// notReadyError signals traffic for a model that exists but is not ready,
// mapped to 503.
type notReadyError struct {
	id    string
	state EntryState
}

func (e notReadyError) Error() string {
	return "model " + e.id + " not ready (state " + string(e.state) + ")"
}

// ErrNotReady constructs a notReadyError.
func ErrNotReady(id string, state EntryState) error { return notReadyError{id: id, state: state} }

// IsNotReady reports whether err indicates a model that cannot take traffic yet.
func IsNotReady(err error) bool {
	_, ok := err.(notReadyError)
	return ok
}

// drainingError signals a request arriving after shutdown began, mapped to 503.
type drainingError struct{}

func (drainingError) Error() string { return "server draining" }

// ErrDraining is returned for new work during shutdown.
var ErrDraining error = drainingError{}

// IsDraining reports whether err indicates the drain rejection.
func IsDraining(err error) bool {
	_, ok := err.(drainingError)
	return ok
}
