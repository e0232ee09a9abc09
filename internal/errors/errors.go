// internal/errors/errors.go
package appErrors

import (
	"fmt"

	cr "github.com/cockroachdb/errors"
)

// Marks classify errors for callers. Check them with errors.Is or the helpers below.
var (
	ErrPrecondition = cr.New("precondition failed")
	ErrNotFound     = cr.New("not found")
	ErrFatalData    = cr.New("fatal data error")
)

var (
	ErrEmptyRecipients         = cr.Mark(cr.New("campaign has no recipients"), ErrPrecondition)
	ErrRetriesExhausted        = cr.Mark(cr.New("job has no retries left"), ErrPrecondition)
	ErrStoppedDuringProcessing = cr.New("job stopped during processing")
)

// ErrCampaignNotFound is returned when a campaign id has no row
type ErrCampaignNotFound struct {
	CampaignID int
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

func (e *ErrCampaignNotFound) Is(target error) bool {
	return target == ErrNotFound
}

// Helper constructor
func NewCampaignNotFound(id int) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

type ErrJobNotFound struct {
	JobID string
}

func (e *ErrJobNotFound) Error() string {
	return fmt.Sprintf("job %s not found", e.JobID)
}

func (e *ErrJobNotFound) Is(target error) bool {
	return target == ErrNotFound
}

func NewJobNotFound(id string) error {
	return &ErrJobNotFound{JobID: id}
}

// ErrInvalidTransition rejects a lifecycle operation from the job's current status.
type ErrInvalidTransition struct {
	JobID string
	Op    string
	From  string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("cannot %s job %s in status %s", e.Op, e.JobID, e.From)
}

func (e *ErrInvalidTransition) Is(target error) bool {
	return target == ErrPrecondition
}

func NewInvalidTransition(jobID, op, from string) error {
	return &ErrInvalidTransition{JobID: jobID, Op: op, From: from}
}

// Preconditionf builds a caller-misuse error.
func Preconditionf(format string, args ...any) error {
	return cr.Mark(cr.Newf(format, args...), ErrPrecondition)
}

func NotFoundf(format string, args ...any) error {
	return cr.Mark(cr.Newf(format, args...), ErrNotFound)
}

// Fatal marks err as a data problem that retrying will not fix.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return cr.Mark(err, ErrFatalData)
}

func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return cr.Wrap(err, msg)
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return cr.Wrapf(err, format, args...)
}

func IsPrecondition(err error) bool { return cr.Is(err, ErrPrecondition) }
func IsNotFound(err error) bool     { return cr.Is(err, ErrNotFound) }
func IsFatalData(err error) bool    { return cr.Is(err, ErrFatalData) }
func IsStopped(err error) bool      { return cr.Is(err, ErrStoppedDuringProcessing) }
