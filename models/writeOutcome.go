package models

// WriteOutcome is the result of an insert-if-absent or conditional update.
type WriteOutcome string

const (
	WriteCreated       WriteOutcome = "created"
	WriteAlreadyExists WriteOutcome = "already_exists"
	WriteConflict      WriteOutcome = "conflict"
)
