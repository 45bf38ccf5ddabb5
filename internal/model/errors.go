package model

import "errors"

var (
	// ErrConfiguration marks setup mistakes: registering checkpoints or
	// fields at the wrong time, exceeding limits, or invalid parameters.
	ErrConfiguration = errors.New("configuration error")

	// ErrUsage marks runtime contract violations such as satisfying an
	// unregistered checkpoint or supplying an undeclared field. The pipeline
	// treats these as fatal.
	ErrUsage = errors.New("usage error")

	// ErrDraining is returned by insertion after draining has begun.
	ErrDraining = errors.New("draining")

	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("closed")
)
