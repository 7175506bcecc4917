package db

import "errors"

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrAlreadyExists is returned when an atomic create loses to an existing document.
	ErrAlreadyExists = errors.New("document already exists")
)
