package transport

import (
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/sony/gobreaker"
)

// ClientMiddleware is suitable for transport-level functions. Retries and
// request munging belong above the client, not here.
type ClientMiddleware func(next http.RoundTripper) http.RoundTripper

// ErrConcurrencyLimit is returned by the MaxConcurrency middleware if there
// are too many requests in-flight.
var ErrConcurrencyLimit = errors.New("transport: hit concurrency limit")

type maxConcurrency struct {
	next           http.RoundTripper
	activeRequests int64
	maxConcurrency int64
}

func (m *maxConcurrency) RoundTrip(req *http.Request) (*http.Response, error) {
	attemptedRequests := atomic.AddInt64(&m.activeRequests, 1)
	defer atomic.AddInt64(&m.activeRequests, -1)
	if m.maxConcurrency > 0 && attemptedRequests > m.maxConcurrency {
		return nil, ErrConcurrencyLimit
	}
	return m.next.RoundTrip(req)
}

// MaxConcurrency bounds the total number of requests in-flight, erroring if
// the limit is exceeded.
func MaxConcurrency(max int64) ClientMiddleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return &maxConcurrency{
			next:           next,
			maxConcurrency: max,
		}
	}
}

type circuitBreaker struct {
	next    http.RoundTripper
	breaker *gobreaker.CircuitBreaker
}

func (c *circuitBreaker) RoundTrip(req *http.Request) (*http.Response, error) {
	rsp, err := c.breaker.Execute(func() (interface{}, error) {
		r, e := c.next.RoundTrip(req)
		if e != nil {
			return nil, e
		}
		if r.StatusCode > 499 {
			e = r.Body.Close()
			if e != nil {
				return nil, e
			}
			return nil, fmt.Errorf("transport: received http %d", r.StatusCode)
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return rsp.(*http.Response), nil
}

// CircuitBreaker enables circuit breaking for your client,
// tripping on 5xx responses and transport errors.
func CircuitBreaker(minRequests uint32, minFailureRatio float64) ClientMiddleware {
	settings := gobreaker.Settings{
		Name:     "vaulttransport",
		Interval: 60 * time.Second, // Reset the counts every 60 seconds
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= minRequests && failureRatio >= minFailureRatio
		},
	}
	breaker := gobreaker.NewCircuitBreaker(settings)

	return func(next http.RoundTripper) http.RoundTripper {
		return &circuitBreaker{
			next:    next,
			breaker: breaker,
		}
	}
}

type clientSpan struct {
	name string
	next http.RoundTripper
}

func (s *clientSpan) RoundTrip(req *http.Request) (*http.Response, error) {
	span, _ := opentracing.StartSpanFromContext(req.Context(), s.name)
	defer span.Finish()
	ext.SpanKindRPCClient.Set(span)
	ext.HTTPMethod.Set(span, req.Method)
	ext.HTTPUrl.Set(span, req.URL.Path)

	rsp, err := s.next.RoundTrip(req)
	if err != nil {
		ext.Error.Set(span, true)
	} else {
		ext.HTTPStatusCode.Set(span, uint16(rsp.StatusCode))
	}
	return rsp, err
}

// ClientSpan enables client tracing spans for every request.
func ClientSpan(name string) ClientMiddleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return &clientSpan{
			name: name,
			next: next,
		}
	}
}

// DefaultMiddlewares contains the settings that feel reasonable for talking
// to a secret store under a fixed-interval polling model: a breaker so a
// down store isn't hammered on every tick, a modest concurrency bound, and
// tracing.
func DefaultMiddlewares() []ClientMiddleware {
	return []ClientMiddleware{
		CircuitBreaker(100, 0.1),
		MaxConcurrency(50),
		ClientSpan("vault.request"),
	}
}
