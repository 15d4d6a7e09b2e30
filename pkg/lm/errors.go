package lm

import "errors"

// ErrTokenOutOfRange reports a token id outside the model's vocabulary.
var ErrTokenOutOfRange = errors.New("token id out of range")

// ErrStateMismatch reports a state whose shape does not match the model,
// typically a state produced by a different scorer.
var ErrStateMismatch = errors.New("state does not match model shape")

// ErrClosed reports a call on a scorer after Close.
var ErrClosed = errors.New("scorer is closed")

// LoadError reports a failed model load. Loading is all or nothing; when a
// LoadError is returned no scorer exists and nothing was partially loaded.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return "load " + e.Path + ": " + e.Err.Error()
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// ScoringError reports a failed scoring call. The scorer and the caller's
// states remain valid; only the failed call produced no result.
type ScoringError struct {
	Op  string
	Err error
}

func (e *ScoringError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ScoringError) Unwrap() error {
	return e.Err
}

func scoringErr(op string, err error) error {
	return &ScoringError{Op: op, Err: err}
}
