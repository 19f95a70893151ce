package proxy

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"github.com/TheRockettek/Sandwich-Conduit/internal/metrics"
)

const (
	// MaxRestRetries is how often a request is retried after an upstream
	// server error before the response is relayed as is.
	MaxRestRetries = 3

	// serverErrorWait is the pause before retrying after a 5xx.
	serverErrorWait = 5 * time.Second

	// DefaultUpstream is the API base requests are forwarded to.
	DefaultUpstream = "https://discordapp.com/api/v7"
)

// Server is a transparent ratelimit proxy in front of the Discord REST
// API. Clients send ordinary API requests to it; the proxy holds them
// until the route has quota, forwards them verbatim and relays the
// response.
type Server struct {
	Addr     string
	Upstream *url.URL

	limiter   *RateLimiter
	client    *http.Client
	retryWait time.Duration

	log  zerolog.Logger
	http *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a proxy listening on addr and forwarding to upstream.
// An empty upstream uses DefaultUpstream.
func NewServer(addr string, upstream string, logger zerolog.Logger) (*Server, error) {
	if upstream == "" {
		upstream = DefaultUpstream
	}

	parsed, err := url.Parse(upstream)
	if err != nil {
		return nil, xerrors.Errorf("failed to parse upstream url: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		Addr:     addr,
		Upstream: parsed,

		limiter:   NewRateLimiter(),
		client:    &http.Client{Timeout: 20 * time.Second},
		retryWait: serverErrorWait,

		log: logger.With().Str("component", "proxy").Logger(),

		ctx:    ctx,
		cancel: cancel,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", s)

	s.http = &http.Server{
		Addr:    addr,
		Handler: mux,

		// Request contexts derive from the server context so waiters
		// queued on a ratelimit fail once Shutdown begins.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	return s, nil
}

// ListenAndServe blocks serving the proxy until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.Addr).Msg("Proxy listening")

	err := s.http.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// Shutdown drains in-flight requests. Requests still waiting on a
// ratelimit window fail with context.Canceled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	return s.http.Shutdown(ctx)
}

func (s *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	// Buffer the body so the request can be replayed on retry.
	body, err := ioutil.ReadAll(req.Body)
	if err != nil {
		http.Error(rw, "failed to read request body", http.StatusBadRequest)

		return
	}

	key := RouteKey(req.Method, req.URL.Path)
	bucket := s.limiter.Bucket(key)

	waitStart := time.Now()

	for attempt := 0; ; attempt++ {
		if err := s.limiter.Acquire(req.Context(), bucket); err != nil {
			metrics.ProxyRequests.WithLabelValues("canceled").Inc()
			http.Error(rw, "request canceled while waiting for ratelimit", http.StatusGatewayTimeout)

			return
		}

		metrics.ProxyWaits.Observe(time.Since(waitStart).Seconds())

		resp, respBody, err := s.forward(req, body)
		if err != nil {
			s.limiter.Release(bucket)

			s.log.Error().Err(err).Str("route", key).Msg("Failed to reach upstream")
			metrics.ProxyRequests.WithLabelValues("unreachable").Inc()
			http.Error(rw, "failed to reach upstream", http.StatusBadGateway)

			return
		}

		bucket.UpdateFromHeaders(resp.Header, time.Now())

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			global := s.limiter.ApplyTooManyRequests(bucket, respBody)
			s.limiter.Release(bucket)

			s.log.Warn().
				Str("route", key).
				Bool("global", global).
				Msg("Hit a ratelimit, requeueing request")
			metrics.ProxyRequests.WithLabelValues("ratelimited").Inc()

			// Back through admission; the updated window holds it.
			continue

		case resp.StatusCode >= http.StatusInternalServerError:
			s.limiter.Release(bucket)

			if attempt < MaxRestRetries {
				s.log.Warn().
					Int("status", resp.StatusCode).
					Str("route", key).
					Msg("Upstream server error, retrying")

				select {
				case <-req.Context().Done():
					metrics.ProxyRequests.WithLabelValues("canceled").Inc()
					http.Error(rw, "request canceled during retry", http.StatusGatewayTimeout)

					return
				case <-time.After(s.retryWait):
				}

				continue
			}

			metrics.ProxyRequests.WithLabelValues("upstream_error").Inc()
			s.relay(rw, resp, respBody)

			return

		default:
			s.limiter.Release(bucket)

			if resp.StatusCode == http.StatusUnauthorized {
				s.log.Warn().Str("route", key).Msg("Upstream rejected the token")
			}

			if resp.StatusCode >= http.StatusBadRequest {
				apiErr := ParseAPIError(resp.StatusCode, respBody)
				s.log.Debug().Err(apiErr).Str("route", key).Msg("Upstream returned an error")
				metrics.ProxyRequests.WithLabelValues("client_error").Inc()
			} else {
				metrics.ProxyRequests.WithLabelValues("ok").Inc()
			}

			s.relay(rw, resp, respBody)

			return
		}
	}
}

// forward sends the buffered request upstream and returns the fully read
// response.
func (s *Server) forward(req *http.Request, body []byte) (*http.Response, []byte, error) {
	target := *s.Upstream
	target.Path = s.Upstream.Path + req.URL.Path
	target.RawQuery = req.URL.RawQuery

	upstreamReq, err := http.NewRequestWithContext(req.Context(), req.Method,
		target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}

	upstreamReq.Header = req.Header.Clone()

	resp, err := s.client.Do(upstreamReq)
	if err != nil {
		return nil, nil, err
	}

	respBody, err := ioutil.ReadAll(resp.Body)
	resp.Body.Close()

	if err != nil {
		return nil, nil, err
	}

	return resp, respBody, nil
}

// relay copies the upstream response to the client untouched.
func (s *Server) relay(rw http.ResponseWriter, resp *http.Response, body []byte) {
	for name, values := range resp.Header {
		for _, value := range values {
			rw.Header().Add(name, value)
		}
	}

	rw.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(rw, bytes.NewReader(body))
}
