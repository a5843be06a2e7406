package errs

import (
	"context"
	"errors"
	"net/http"
)

// RetryClass decides what a job worker does with a failed job.
type RetryClass int

const (
	// RetryDrop dead-letters the job without another attempt.
	RetryDrop RetryClass = iota
	// RetryBackoff reschedules the job with exponential backoff.
	RetryBackoff
	// RetryNow reschedules the job to run immediately.
	RetryNow
	// RetryFree reschedules with backoff without consuming an attempt.
	RetryFree
)

// Classify maps a job error to its retry behaviour. Unknown errors retry with
// backoff: the queue is at-least-once and a transient failure (storage, encode)
// should not silently lose a delivery.
func Classify(err error) RetryClass {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return RetryNow
	}

	var e *Error
	if !errors.As(err, &e) {
		return RetryBackoff
	}

	switch e.Kind() {
	case KindBreaker:
		// An open breaker means the origin is cooling down. Retrying later is
		// free: it does not consume one of the job's attempts.
		return RetryFree
	case KindNotAllowed, KindWrongActor, KindBadActor, KindDuplicate:
		return RetryDrop
	case KindCanceled:
		return RetryNow
	case KindSendRequest, KindReceiveResponse:
		return RetryBackoff
	case KindStatus:
		switch {
		case e.Status() == http.StatusRequestTimeout, e.Status() == http.StatusTooManyRequests:
			return RetryBackoff
		case e.Status() >= 500:
			return RetryBackoff
		case e.Status() >= 400:
			return RetryDrop
		default:
			return RetryDrop
		}
	default:
		return RetryBackoff
	}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind() == kind
}

// StatusCode returns the remote status code when err is a Status error.
func StatusCode(err error) (int, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind() == KindStatus {
		return e.Status(), true
	}
	return 0, false
}

// HTTPStatus maps any error to a response status, defaulting to 500.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}
