package car

import (
	"errors"
)

var (
	ErrValidation   = errors.New("validation error")
	ErrTransport    = errors.New("transport error")
	ErrAuthRequired = errors.New("authentication required")
	ErrNotFound     = errors.New("not found")
	ErrPersistence  = errors.New("persistence error")
	ErrSuperseded   = errors.New("superseded by a newer submission")
)

type RejectReason string

const (
	NoFileSelected    RejectReason = "no_file_selected"
	OutsideDropTarget RejectReason = "outside_drop_target"
	NotAnImage        RejectReason = "not_an_image"
	TooLarge          RejectReason = "too_large"
)

// Rejection is returned by ingest when a file cannot become an ImagePayload.
type Rejection struct {
	Reason RejectReason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return "rejected: " + string(r.Reason)
	}
	return "rejected: " + string(r.Reason) + ": " + r.Detail
}

func (r *Rejection) Unwrap() error {
	return ErrValidation
}

// IsRejected reports whether err is a Rejection with the given reason.
func IsRejected(err error, reason RejectReason) bool {
	var rej *Rejection
	return errors.As(err, &rej) && rej.Reason == reason
}
