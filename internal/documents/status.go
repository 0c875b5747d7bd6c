package documents

import (
	"errors"
	"fmt"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

var (
	ErrNotFound          = errors.New("document not found")
	ErrAlreadyProcessed  = errors.New("document already processed")
	ErrInProgress        = errors.New("document is currently being processed")
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStaleRun means a newer run owns the document; the write was dropped.
	ErrStaleRun = errors.New("processing run superseded")
)

// PROCESSING -> PROCESSING exists only for recovering a run abandoned by a restart.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusProcessing},
	StatusFailed:     {StatusProcessing},
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// SubmitError maps a current status to the rejection a resubmission gets.
func SubmitError(current Status) error {
	switch current {
	case StatusCompleted:
		return ErrAlreadyProcessed
	case StatusProcessing:
		return ErrInProgress
	}
	return nil
}
