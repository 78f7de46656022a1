package tracker

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports that a referenced product or job does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a uniqueness violation such as a duplicate url.
	ErrConflict = errors.New("conflict")
	// ErrStore wraps connectivity and transaction failures of the store.
	ErrStore = errors.New("store error")
	// ErrQueue reports that the broker rejected or timed out an operation.
	ErrQueue = errors.New("queue unavailable")
	// ErrInvalid marks caller input that failed validation.
	ErrInvalid = errors.New("invalid input")
	// ErrInvalidPrice marks a price that cannot be stored as decimal(10,2).
	ErrInvalidPrice = errors.New("invalid price")
)

// FetchErrorKind classifies fetcher failures.
type FetchErrorKind string

// Fetch error kinds.
const (
	FetchErrorNetwork  FetchErrorKind = "network"
	FetchErrorParse    FetchErrorKind = "parse"
	FetchErrorNotFound FetchErrorKind = "not_found"
)

// FetchError is the typed failure returned by fetchers.
type FetchError struct {
	Kind     FetchErrorKind
	Platform string
	Err      error
}

// NewFetchError builds a FetchError.
func NewFetchError(kind FetchErrorKind, platform string, err error) *FetchError {
	return &FetchError{Kind: kind, Platform: platform, Err: err}
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch %s (%s)", e.Kind, e.Platform)
	}
	return fmt.Sprintf("fetch %s (%s): %v", e.Kind, e.Platform, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Permanent reports whether retrying cannot succeed.
func (e *FetchError) Permanent() bool {
	return e.Kind == FetchErrorNotFound
}

// IsPermanent reports whether err should skip the retry policy entirely.
func IsPermanent(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Permanent()
	}
	return errors.Is(err, ErrInvalidPrice)
}

// ErrorKind returns a short label for logs and job results.
func ErrorKind(err error) string {
	var fe *FetchError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &fe):
		return "fetch_" + string(fe.Kind)
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidPrice):
		return "invalid_price"
	case errors.Is(err, ErrStore):
		return "store"
	default:
		return "internal"
	}
}
