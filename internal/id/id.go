// Package id issues opaque handles for batches and previews.
package id

import "github.com/google/uuid"

func New() string {
	return uuid.NewString()
}

// Valid reports whether s looks like a handle issued by New.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
