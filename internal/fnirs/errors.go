package fnirs

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfOrderFrame is returned when a frame number does not strictly
	// increase, or a timestamp decreases, for a (session, optode) pair.
	ErrOutOfOrderFrame = errors.New("out of order frame")

	// ErrInsufficientCalibrationData means the baseline cannot be computed
	// yet. It is a transient state and never leaves the pipeline.
	ErrInsufficientCalibrationData = errors.New("insufficient calibration data")

	// ErrIllConditionedSystem is returned when the Beer-Lambert system is
	// singular or near-singular.
	ErrIllConditionedSystem = errors.New("ill-conditioned system")

	// ErrForeignKeyViolation indicates a preprocessed sample referenced a raw
	// sample that does not exist. It means the pipeline and storage are out
	// of sync and must not be suppressed.
	ErrForeignKeyViolation = errors.New("foreign key violation")
)

// FrameError carries enough context to diagnose a failure on one frame.
type FrameError struct {
	SessionID   int64
	OptodeID    int
	FrameNumber int64
	Err         error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("session %d optode %d frame %d: %v", e.SessionID, e.OptodeID, e.FrameNumber, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// NewFrameError wraps err with the identity of raw.
func NewFrameError(raw RawSample, err error) *FrameError {
	return &FrameError{
		SessionID:   raw.SessionID,
		OptodeID:    raw.OptodeID,
		FrameNumber: raw.FrameNumber,
		Err:         err,
	}
}
