// Package errs defines the relay's error taxonomy. Every failure that crosses a
// package boundary is an *Error carrying a Kind; the Kind decides both the HTTP
// status when the error surfaces in a handler and the retry behaviour when it
// surfaces in a job worker.
package errs

import (
	"fmt"
	"net/http"
)

// Kind tags an Error with its failure class.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotSubscribed
	KindNotAllowed
	KindWrongActor
	KindBadActor
	KindNoSignature
	KindKind
	KindMissingKind
	KindMissingID
	KindMissingDomain
	KindHostMismatch
	KindObjectCount
	KindDuplicate
	KindBreaker
	KindStatus
	KindSendRequest
	KindReceiveResponse
	KindBodyTooLarge
	KindSignature
	KindVerifySignature
	KindCanceled
	KindConfig
	KindStorage
	KindMissingAPIToken
)

// Error is a tagged error. The message is a value and the source is a shared
// pointer, so copying an Error for logging or metrics is cheap and preserves
// the cause chain.
type Error struct {
	kind      Kind
	msg       string
	authority string
	status    int
	src       error
}

func (e *Error) Error() string {
	if e.src != nil {
		return e.msg + ": " + e.src.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.src }

// Kind returns the failure class.
func (e *Error) Kind() Kind { return e.kind }

// Authority returns the remote authority for Status, SendRequest and
// ReceiveResponse errors, and "" otherwise.
func (e *Error) Authority() string { return e.authority }

// Status returns the remote status code for Status errors, and 0 otherwise.
func (e *Error) Status() int { return e.status }

// Clone returns a copy sharing the source chain.
func (e *Error) Clone() *Error {
	c := *e
	return &c
}

// HTTPStatus maps the error to the status code used when it surfaces as an
// HTTP response.
func (e *Error) HTTPStatus() int {
	switch e.kind {
	case KindNotAllowed, KindWrongActor, KindBadActor:
		return http.StatusForbidden
	case KindNotSubscribed:
		return http.StatusUnauthorized
	case KindDuplicate:
		return http.StatusAccepted
	case KindKind, KindMissingKind, KindMissingID, KindObjectCount, KindNoSignature:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ─── Constructors ─────────────────────────────────────────────────────────────

func NotSubscribed(actor string) *Error {
	return &Error{kind: KindNotSubscribed, msg: fmt.Sprintf("Actor (%s), or Actor's server, is not subscribed", actor)}
}

func NotAllowed(actor string) *Error {
	return &Error{kind: KindNotAllowed, msg: "Actor is not allowed, " + actor}
}

func WrongActor(expected, actual string) *Error {
	return &Error{kind: KindWrongActor, msg: fmt.Sprintf("Cannot make decisions for foreign actor, expected %s, got %s", expected, actual)}
}

func BadActor(claimed, payload string) *Error {
	return &Error{kind: KindBadActor, msg: fmt.Sprintf("Actor (%s) tried to submit another actor's (%s) payload", claimed, payload)}
}

func NoSignature() *Error {
	return &Error{kind: KindNoSignature, msg: "Signature verification is required, but no signature was given"}
}

func KindError(kind string) *Error {
	return &Error{kind: KindKind, msg: "Wrong ActivityPub kind, " + kind}
}

func MissingKind() *Error {
	return &Error{kind: KindMissingKind, msg: "Input is missing a 'type' field"}
}

func MissingID() *Error {
	return &Error{kind: KindMissingID, msg: "Input is missing an 'id' field"}
}

func MissingDomain() *Error {
	return &Error{kind: KindMissingDomain, msg: "IRI is missing a domain"}
}

func HostMismatch(expected, actual string) *Error {
	return &Error{kind: KindHostMismatch, msg: fmt.Sprintf("Host mismatch, expected %s, got %s", expected, actual)}
}

func ObjectCount() *Error {
	return &Error{kind: KindObjectCount, msg: "Expected a single object, found array"}
}

func Duplicate() *Error {
	return &Error{kind: KindDuplicate, msg: "Object has already been relayed"}
}

func Breaker() *Error {
	return &Error{kind: KindBreaker, msg: "Not trying request due to failed breaker"}
}

func Status(authority string, code int) *Error {
	return &Error{
		kind:      KindStatus,
		msg:       fmt.Sprintf("Response from %s has invalid status code, %d", authority, code),
		authority: authority,
		status:    code,
	}
}

func SendRequest(authority string, err error) *Error {
	return &Error{kind: KindSendRequest, msg: "Couldn't send request to " + authority, authority: authority, src: err}
}

func ReceiveResponse(authority string, err error) *Error {
	return &Error{kind: KindReceiveResponse, msg: "Couldn't receive response from " + authority, authority: authority, src: err}
}

func BodyTooLarge(limit int64) *Error {
	return &Error{kind: KindBodyTooLarge, msg: fmt.Sprintf("Response body exceeds %d bytes", limit)}
}

func Signature(err error) *Error {
	return &Error{kind: KindSignature, msg: "Couldn't sign request", src: err}
}

func VerifySignature() *Error {
	return &Error{kind: KindVerifySignature, msg: "Couldn't verify signature"}
}

func Canceled() *Error {
	return &Error{kind: KindCanceled, msg: "Blocking operation was canceled"}
}

func Config(err error) *Error {
	return &Error{kind: KindConfig, msg: "Error in configuration", src: err}
}

func Storage(err error) *Error {
	return &Error{kind: KindStorage, msg: "Couldn't use db", src: err}
}

func MissingAPIToken() *Error {
	return &Error{kind: KindMissingAPIToken, msg: "No API token supplied"}
}
