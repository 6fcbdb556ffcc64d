package session

import "errors"

// ErrNotFound is returned by [Store.Load] when no session exists for a key.
var ErrNotFound = errors.New("session not found")

// ErrKeyMismatch is returned by [Store.Load] when the stored log belongs
// to a different key than the one requested.
var ErrKeyMismatch = errors.New("session key mismatch")
