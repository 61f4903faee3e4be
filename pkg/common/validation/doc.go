// Package validation provides common validation utilities for configuration
// parameters across the rethreader library.
//
// Every helper returns a *errors.ValidationError, so callers can test with
// errors.Is(err, errors.ErrInvalidConfiguration) regardless of which
// constructor rejected the value.
package validation
