package domain

import "errors"

var (
	ErrInvalidParams     = errors.New("invalid task params")
	ErrUnknownKind       = errors.New("unknown task kind")
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)
