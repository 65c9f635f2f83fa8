package serial

import "errors"

// Every operation on a Registry fails with an error that matches exactly one
// of these under errors.Is.
var (
	ErrInvalidHandle   = errors.New("invalid handle")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrIllegalState    = errors.New("illegal state transition")
	ErrTransport       = errors.New("transport failure")
	ErrDuplicateTarget = errors.New("port already registered")
)

// Status is the two-valued outcome reported to callers that want a status
// code instead of an error value.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailed
)

func (s Status) String() string {
	if s == StatusSuccess {
		return "eSUCCESS"
	}
	return "eFAILED"
}

// StatusOf maps a nil error to StatusSuccess and anything else to StatusFailed.
func StatusOf(err error) Status {
	if err != nil {
		return StatusFailed
	}
	return StatusSuccess
}

// Response pairs a status with the number of bytes a read or write moved.
type Response struct {
	Status Status `json:"status"`
	Bytes  int    `json:"bytes"`
	Error  string `json:"error,omitempty"`
}

// NewResponse builds a Response from the results of Read or Write. A failed
// write may still report the bytes that went out before the failure.
func NewResponse(n int, err error) Response {
	r := Response{Status: StatusOf(err), Bytes: n}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}
