// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict.
var ErrConflict = errors.New("conflict: resource was modified by another writer")

// ErrConfig indicates invalid operator-supplied configuration (an unknown
// table in a trigger condition, a malformed column name, a missing required
// policy structure). It must surface immediately and is never downgraded to
// a "false" evaluation result.
var ErrConfig = errors.New("configuration error")
