package model

import "errors"

// Attempt engine error taxonomy. Handlers map these onto API error codes.
var (
	ErrNotYetOpen             = errors.New("exam is not open yet")
	ErrWindowClosed           = errors.New("exam window has closed")
	ErrAttemptNotFound        = errors.New("attempt not found")
	ErrExamNotFound           = errors.New("exam not found")
	ErrNotAssigned            = errors.New("exam is not assigned to this student")
	ErrUnauthorized           = errors.New("attempt does not belong to caller")
	ErrAlreadyFinalized       = errors.New("attempt already finalized")
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	ErrInvalidResponse        = errors.New("invalid response for question")
	ErrNoQuestions            = errors.New("exam has no questions")
)
