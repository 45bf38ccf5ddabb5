package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrBufferFull is returned by Buffer.Write when the buffer stayed at
// capacity for longer than its block timeout.
var ErrBufferFull = errors.New("storage: buffer at capacity")
