package repository

import "errors"

// ErrNotFound is returned when a lookup matches no stored record. Callers
// translate it to a 404 at the HTTP boundary.
var ErrNotFound = errors.New("repository: record not found")
