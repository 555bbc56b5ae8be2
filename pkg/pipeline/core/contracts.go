package core

import "context"

// Source loads the records a pipeline stage works on.
type Source[In any] interface {
	Load(ctx context.Context) ([]In, error)
}

// Sink persists the records produced by a pipeline stage.
type Sink[Out any] interface {
	Store(ctx context.Context, rows []Out) error
}

// TransientError marks an error as retryable by worker implementations.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	if e == nil || e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
