package exchange

import (
	"errors"
	"fmt"
)

var (
	// ErrRejected matches every ingestion failure that ended the response
	// with 413.
	ErrRejected = errors.New("exchange: ingestion rejected")

	// ErrEnded is returned when writing to, or ending, an exchange that has
	// already entered Ending.
	ErrEnded = errors.New("exchange: already ended")

	// ErrIngested is returned by a second Ingest call.
	ErrIngested = errors.New("exchange: body already ingested")

	ErrTooManyFields = errors.New("exchange: too many fields")
	ErrFieldTooLarge = errors.New("exchange: field too large")
	ErrFileTooLarge  = errors.New("exchange: file too large")
	ErrMalformedBody = errors.New("exchange: malformed body")
)

// RejectError is the ingestion result of an exchange that was ended with
// Status before handler code ran.
type RejectError struct {
	Status   int
	Strategy string
	Cause    error
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("exchange: %s ingestion rejected with %d: %v", e.Strategy, e.Status, e.Cause)
}

func (e *RejectError) Unwrap() []error {
	return []error{ErrRejected, e.Cause}
}
