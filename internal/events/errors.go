package events

import "errors"

var (
	// ErrUnroutable is returned when the broker returns a mandatory message.
	ErrUnroutable = errors.New("message unroutable")
	// ErrNacked is returned when the broker refuses a published message.
	ErrNacked = errors.New("message nacked by broker")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error that redelivery cannot fix. The consumer
// rejects such messages instead of requeueing them.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
