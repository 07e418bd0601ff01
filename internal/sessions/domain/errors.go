package domain

import "fmt"

// SessionNotFoundError is returned when no live session has the given id.
type SessionNotFoundError struct {
	ID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session not found: %s", e.ID)
}

// SessionExistsError is returned when creating a session whose id is taken.
type SessionExistsError struct {
	ID string
}

func (e *SessionExistsError) Error() string {
	return fmt.Sprintf("session already exists: %s", e.ID)
}

// InvalidStatusError is returned when a patch carries an unknown status.
type InvalidStatusError struct {
	Status SessionStatus
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("invalid session status: %q", string(e.Status))
}
