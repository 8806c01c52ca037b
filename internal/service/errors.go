package service

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPoolSize          = errors.New("pool size must be positive")
	ErrShuttingDown             = errors.New("supervisor is shutting down")
	ErrWorkerNotFound           = errors.New("worker not found")
	ErrWorkerCreationFailed     = errors.New("worker creation failed")
	ErrRollingRestartAborted    = errors.New("rolling restart aborted")
	ErrRollingRestartInProgress = errors.New("rolling restart already in progress")
	ErrRollingRestartIncomplete = errors.New("rolling restart left some slots on their original worker")
	ErrSlotNotExhausted         = errors.New("slot is not exhausted")
)

// CreationError is returned when a worker process could not be started.
type CreationError struct {
	Slot int
	Err  error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("create worker for slot %d: %v", e.Slot, e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }

func (e *CreationError) Is(target error) bool {
	return target == ErrWorkerCreationFailed
}
