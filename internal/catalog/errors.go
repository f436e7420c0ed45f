package catalog

import "errors"

// Catalog error types.
var (
	ErrNotFound      = errors.New("object not found")
	ErrNoCredentials = errors.New("no credentials for remote store")
)
