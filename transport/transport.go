// Package transport attaches the session's access credential to outgoing
// requests and recovers from an expired one by renewing and retrying once.
package transport

import (
	"context"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/go-authgate/session-cli/credential"
)

// maxRetries caps redispatches per original request.
const maxRetries = 1

// CredentialSource yields the current access credential, if it is valid.
type CredentialSource interface {
	Valid() (string, bool)
}

// Renewer obtains a renewed access credential after rejected was refused.
type Renewer interface {
	RenewIfStale(ctx context.Context, rejected string) (string, error)
}

// Transport is an http.RoundTripper implementing the request pipeline.
type Transport struct {
	base    http.RoundTripper
	source  CredentialSource
	renewer Renewer
	status  int
	log     zerolog.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithBase sets the underlying RoundTripper (http.DefaultTransport by default).
func WithBase(rt http.RoundTripper) Option {
	return func(t *Transport) {
		t.base = rt
	}
}

// WithUnauthenticatedStatus sets the status that means the credential was
// refused (401 by default).
func WithUnauthenticatedStatus(code int) Option {
	return func(t *Transport) {
		t.status = code
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Transport) {
		t.log = l
	}
}

// New creates a Transport reading credentials from source and renewing
// through renewer.
func New(source CredentialSource, renewer Renewer, opts ...Option) *Transport {
	t := &Transport{
		base:    http.DefaultTransport,
		source:  source,
		renewer: renewer,
		status:  http.StatusUnauthorized,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Client returns an *http.Client using t.
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

// RoundTrip dispatches req with the current access credential attached. When
// the response is unauthenticated it renews and redispatches once; a renewal
// failure is returned as the error. A second unauthenticated response, or
// one for a request whose body cannot be replayed, is returned unchanged.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, _ := t.source.Valid()

	for attempt := 0; ; attempt++ {
		out, err := t.authorize(req, token, attempt)
		if err != nil {
			return nil, err
		}

		resp, err := t.base.RoundTrip(out)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != t.status {
			return resp, nil
		}
		if attempt >= maxRetries {
			t.log.Warn().
				Str("method", req.Method).
				Str("url", req.URL.Redacted()).
				Msg("request unauthenticated after renewal, not retrying")
			return resp, nil
		}
		if !replayable(req) {
			t.log.Debug().
				Str("url", req.URL.Redacted()).
				Msg("request body cannot be replayed, returning unauthenticated response")
			return resp, nil
		}

		discard(resp)

		renewed, err := t.renewer.RenewIfStale(req.Context(), token)
		if err != nil {
			return nil, err
		}
		t.log.Debug().
			Str("access", credential.Fingerprint(renewed)).
			Str("url", req.URL.Redacted()).
			Msg("retrying request with renewed credential")
		token = renewed
	}
}

// authorize returns a copy of req carrying token. The original request is
// never modified.
func (t *Transport) authorize(req *http.Request, token string, attempt int) (*http.Request, error) {
	out := req.Clone(req.Context())
	if attempt > 0 && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		out.Body = body
	}

	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	} else {
		out.Header.Del("Authorization")
	}
	return out, nil
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
