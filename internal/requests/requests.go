// Package requests is the relay's outbound HTTP engine. Every request is
// signed, every authority gets a circuit breaker, and every response body is
// read through a hard size limit.
package requests

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-fed/httpsig"
	"github.com/sony/gobreaker"

	"github.com/fedigrid/relay/internal/errs"
	"github.com/fedigrid/relay/internal/signer"
)

const (
	// JSONLimit bounds JSON response bodies (actor documents, nodeinfo).
	JSONLimit int64 = 1 << 20
	// MediaLimit bounds media downloads.
	MediaLimit int64 = 16 << 20

	acceptActivity = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
	contentType    = `application/activity+json`
)

// BreakerStrategy decides which status codes the circuit breaker counts as the
// remote server being alive. A response outside the 2xx range is still an
// error for the caller either way.
type BreakerStrategy int

const (
	// Require2XX treats anything but 2xx as a breaker failure. Used for
	// deliveries, where a rejecting inbox is as bad as a dead one.
	Require2XX BreakerStrategy = iota
	// Allow401AndAbove tolerates any status below 500. Used for endpoints
	// that routinely reject unauthenticated probes.
	Allow401AndAbove
	// Allow404AndBelow tolerates statuses up to 404. Used for lookups where
	// a missing document says nothing about the server's health.
	Allow404AndBelow
)

func (s BreakerStrategy) alive(code int) bool {
	switch s {
	case Allow401AndAbove:
		return code < 500
	case Allow404AndBelow:
		return code <= 404
	default:
		return code >= 200 && code < 300
	}
}

// Requests issues signed outbound HTTP requests with per-authority circuit
// breakers.
type Requests struct {
	client    *http.Client
	pool      *signer.Pool
	key       *rsa.PrivateKey
	keyID     string
	userAgent string

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	last *LastOnline
}

// New builds an engine signing with key under keyID.
func New(pool *signer.Pool, key *rsa.PrivateKey, keyID, userAgent string, timeout time.Duration) *Requests {
	return &Requests{
		client:    &http.Client{Timeout: timeout},
		pool:      pool,
		key:       key,
		keyID:     keyID,
		userAgent: userAgent,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		last:      NewLastOnline(),
	}
}

// LastOnline exposes the liveness tracker fed by successful responses.
func (r *Requests) LastOnline() *LastOnline { return r.last }

func (r *Requests) breaker(authority string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[authority]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        authority,
			MaxRequests: 1,
			Timeout:     30 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 10
			},
		})
		r.breakers[authority] = cb
	}
	return cb
}

// do sends req through the authority's breaker. On success the caller owns the
// response body.
func (r *Requests) do(req *http.Request, strategy BreakerStrategy) (*http.Response, error) {
	authority := req.URL.Host
	res, err := r.breaker(authority).Execute(func() (any, error) {
		resp, err := r.client.Do(req)
		if err != nil {
			return nil, errs.SendRequest(authority, err)
		}
		if !strategy.alive(resp.StatusCode) {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
			resp.Body.Close()
			return nil, errs.Status(authority, resp.StatusCode)
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errs.Breaker()
		}
		return nil, err
	}

	resp := res.(*http.Response)
	r.last.Mark(authority)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, errs.Status(authority, resp.StatusCode)
	}
	return resp, nil
}

func (r *Requests) newGet(ctx context.Context, url, accept string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.SendRequest(url, err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	err = r.pool.Sign(func() error {
		s, _, err := httpsig.NewSigner(
			[]httpsig.Algorithm{httpsig.RSA_SHA256},
			httpsig.DigestSha256,
			[]string{httpsig.RequestTarget, "host", "date"},
			httpsig.Signature,
			0,
		)
		if err != nil {
			return errs.Signature(err)
		}
		if err := s.SignRequest(r.key, r.keyID, req, nil); err != nil {
			return errs.Signature(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// FetchJSON fetches url with a signed GET and decodes the body into v. Bodies
// over JSONLimit fail without being read further.
func (r *Requests) FetchJSON(ctx context.Context, url string, v any) error {
	return r.fetchJSON(ctx, url, acceptActivity, v)
}

// FetchJSONPlain is FetchJSON with a plain JSON accept header, for instance
// and nodeinfo endpoints that reject ActivityStreams content negotiation.
func (r *Requests) FetchJSONPlain(ctx context.Context, url string, v any) error {
	return r.fetchJSON(ctx, url, "application/json", v)
}

func (r *Requests) fetchJSON(ctx context.Context, url, accept string, v any) error {
	req, err := r.newGet(ctx, url, accept)
	if err != nil {
		return err
	}
	resp, err := r.do(req, Allow404AndBelow)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := readLimited(resp.Body, JSONLimit)
	if err != nil {
		if errs.IsKind(err, errs.KindBodyTooLarge) {
			return err
		}
		return errs.ReceiveResponse(req.URL.Host, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errs.ReceiveResponse(req.URL.Host, err)
	}
	return nil
}

// FetchBytes fetches url and returns the content type and body, bounded by
// limit. Used for media.
func (r *Requests) FetchBytes(ctx context.Context, url string, limit int64) (string, []byte, error) {
	req, err := r.newGet(ctx, url, "*/*")
	if err != nil {
		return "", nil, err
	}
	resp, err := r.do(req, Allow404AndBelow)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	body, err := readLimited(resp.Body, limit)
	if err != nil {
		if errs.IsKind(err, errs.KindBodyTooLarge) {
			return "", nil, err
		}
		return "", nil, errs.ReceiveResponse(req.URL.Host, err)
	}
	return resp.Header.Get("Content-Type"), body, nil
}

// FetchResponse fetches url and hands the open response to the caller, who
// must close the body. Used to stream media that is not yet cached.
func (r *Requests) FetchResponse(ctx context.Context, url string) (*http.Response, error) {
	req, err := r.newGet(ctx, url, "*/*")
	if err != nil {
		return nil, err
	}
	return r.do(req, Allow404AndBelow)
}

// Deliver signs and POSTs activity to inbox. Only 2xx keeps the authority's
// breaker closed.
func (r *Requests) Deliver(ctx context.Context, inbox string, activity any) error {
	return r.DeliverStrategy(ctx, inbox, activity, Require2XX)
}

// DeliverStrategy is Deliver with an explicit breaker strategy.
func (r *Requests) DeliverStrategy(ctx context.Context, inbox string, activity any, strategy BreakerStrategy) error {
	body, err := json.Marshal(activity)
	if err != nil {
		return errs.SendRequest(inbox, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return errs.SendRequest(inbox, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	err = r.pool.Sign(func() error {
		s, _, err := httpsig.NewSigner(
			[]httpsig.Algorithm{httpsig.RSA_SHA256},
			httpsig.DigestSha256,
			[]string{httpsig.RequestTarget, "host", "date", "digest", "content-type"},
			httpsig.Signature,
			0,
		)
		if err != nil {
			return errs.Signature(err)
		}
		if err := s.SignRequest(r.key, r.keyID, req, body); err != nil {
			return errs.Signature(err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	resp, err := r.do(req, strategy)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	resp.Body.Close()
	return nil
}

// Fetch fetches url and decodes it into a fresh T.
func Fetch[T any](ctx context.Context, r *Requests, url string) (*T, error) {
	var v T
	if err := r.FetchJSON(ctx, url, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// readLimited reads at most limit bytes, failing when the body is longer. It
// reads limit+1 so truncation and exact-length bodies are distinguishable.
func readLimited(body io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errs.BodyTooLarge(limit)
	}
	return data, nil
}
