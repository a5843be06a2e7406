package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want int
	}{
		{"not allowed", NotAllowed("https://bad.example/actor"), http.StatusForbidden},
		{"wrong actor", WrongActor("a", "b"), http.StatusForbidden},
		{"bad actor", BadActor("a", "b"), http.StatusForbidden},
		{"not subscribed", NotSubscribed("https://x.example/actor"), http.StatusUnauthorized},
		{"duplicate", Duplicate(), http.StatusAccepted},
		{"kind", KindError("Like"), http.StatusBadRequest},
		{"missing kind", MissingKind(), http.StatusBadRequest},
		{"missing id", MissingID(), http.StatusBadRequest},
		{"object count", ObjectCount(), http.StatusBadRequest},
		{"no signature", NoSignature(), http.StatusBadRequest},
		{"breaker", Breaker(), http.StatusInternalServerError},
		{"storage", Storage(errors.New("boom")), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.HTTPStatus())
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want RetryClass
	}{
		{"breaker is free", Breaker(), RetryFree},
		{"not allowed drops", NotAllowed("x"), RetryDrop},
		{"duplicate drops", Duplicate(), RetryDrop},
		{"bad actor drops", BadActor("a", "b"), RetryDrop},
		{"canceled reruns", Canceled(), RetryNow},
		{"context canceled reruns", context.Canceled, RetryNow},
		{"deadline reruns", context.DeadlineExceeded, RetryNow},
		{"send failure backs off", SendRequest("x.example", errors.New("refused")), RetryBackoff},
		{"receive failure backs off", ReceiveResponse("x.example", errors.New("reset")), RetryBackoff},
		{"500 backs off", Status("x.example", 500), RetryBackoff},
		{"503 backs off", Status("x.example", 503), RetryBackoff},
		{"429 backs off", Status("x.example", 429), RetryBackoff},
		{"408 backs off", Status("x.example", 408), RetryBackoff},
		{"404 drops", Status("x.example", 404), RetryDrop},
		{"410 drops", Status("x.example", 410), RetryDrop},
		{"403 drops", Status("x.example", 403), RetryDrop},
		{"unknown error backs off", errors.New("weird"), RetryBackoff},
		{"storage backs off", Storage(errors.New("db closed")), RetryBackoff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestMessages(t *testing.T) {
	assert.Equal(t,
		"Actor (https://a.example/actor), or Actor's server, is not subscribed",
		NotSubscribed("https://a.example/actor").Error())
	assert.Equal(t,
		"Response from a.example has invalid status code, 502",
		Status("a.example", 502).Error())
	assert.Equal(t,
		"Object has already been relayed",
		Duplicate().Error())
}

func TestUnwrapAndHelpers(t *testing.T) {
	cause := errors.New("connection refused")
	err := SendRequest("a.example", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "a.example", err.Authority())
	assert.True(t, IsKind(err, KindSendRequest))
	assert.False(t, IsKind(err, KindStatus))

	wrapped := fmt.Errorf("deliver: %w", Status("b.example", 410))
	code, ok := StatusCode(wrapped)
	assert.True(t, ok)
	assert.Equal(t, 410, code)

	assert.Equal(t, http.StatusForbidden, HTTPStatus(fmt.Errorf("x: %w", NotAllowed("a"))))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("plain")))
}

func TestClone(t *testing.T) {
	orig := Status("a.example", 500)
	clone := orig.Clone()
	assert.Equal(t, orig.Error(), clone.Error())
	assert.Equal(t, orig.Kind(), clone.Kind())
	assert.NotSame(t, orig, clone)
}
