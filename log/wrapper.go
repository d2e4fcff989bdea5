package log

import (
	"context"
	"errors"
	stdlog "log"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zapcore"
)

// Wrapper is a simple wrapper of a logging function.
//
// Packages in this library take a Wrapper instead of a concrete logger so
// that callers can plug in whatever logging library they actually use.
type Wrapper func(ctx context.Context, msg string)

// Log calls the wrapped function. It's nil-safe: a nil Wrapper falls back to
// DefaultWrapper.
func (w Wrapper) Log(ctx context.Context, msg string) {
	if w == nil {
		w = DefaultWrapper()
	}
	w(ctx, msg)
}

// NopWrapper is a Wrapper implementation that does nothing.
func NopWrapper(ctx context.Context, msg string) {}

// DefaultWrapper returns the Wrapper used when none is configured: the global
// zap logger at error level.
func DefaultWrapper() Wrapper {
	return ZapWrapper(zapcore.ErrorLevel)
}

// StdWrapper wraps stdlib log package into a Wrapper.
func StdWrapper(logger *stdlog.Logger) Wrapper {
	if logger == nil {
		return NopWrapper
	}
	return func(_ context.Context, msg string) {
		logger.Print(msg)
	}
}

// TestWrapper is a wrapper can be used in test codes.
//
// It fails the test when called.
func TestWrapper(tb testing.TB) Wrapper {
	return func(_ context.Context, msg string) {
		tb.Errorf("logger called with msg: %q", msg)
	}
}

// ZapWrapper wraps the global zap logger into a Wrapper at the given level.
func ZapWrapper(logLevel zapcore.Level) Wrapper {
	return func(_ context.Context, msg string) {
		switch logLevel {
		default:
			// for unknown values, fallback to info level.
			fallthrough
		case zapcore.InfoLevel:
			Info(msg)
		case zapcore.DebugLevel:
			Debug(msg)
		case zapcore.WarnLevel:
			Warn(msg)
		case zapcore.ErrorLevel:
			Error(msg)
		case zapcore.PanicLevel:
			Panic(msg)
		case zapcore.FatalLevel:
			Fatal(msg)
		case ZapNopLevel:
			// do nothing
		}
	}
}

// ErrorWithSentryWrapper is a Wrapper implementation that both logs the
// message at error level and sends it to sentry as an exception.
//
// In most cases this is the Wrapper you want for background errors, the ones
// that happen outside of a request and would otherwise go unnoticed.
func ErrorWithSentryWrapper() Wrapper {
	return func(ctx context.Context, msg string) {
		ErrorWithSentry(ctx, msg, errors.New(msg))
	}
}

// PrometheusCounterWrapper increases counter by 1 on every call, then
// delegates to delegate.
//
// A nil delegate means DefaultWrapper.
func PrometheusCounterWrapper(delegate Wrapper, counter prometheus.Counter) Wrapper {
	if delegate == nil {
		delegate = DefaultWrapper()
	}
	return func(ctx context.Context, msg string) {
		counter.Inc()
		delegate.Log(ctx, msg)
	}
}
