package middleware

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/multilink/protocol"
	"github.com/felixgeelhaar/multilink/service"
)

// Logger is the interface for structured logging.
type Logger interface {
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Debug(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
}

// Field represents a key-value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F creates a new Field with the given key and value.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Logging returns middleware that logs every call.
// Successful calls are logged at info level, errors at error level. A
// streamed response is logged again when its consumer closes it.
func Logging[Req, Resp any](logger Logger) Middleware[Req, Resp] {
	return func(next service.Service[Req, Resp]) service.Service[Req, Resp] {
		return service.Func[Req, Resp](func(ctx context.Context, req Req) (*service.Response[Resp], error) {
			start := time.Now()

			resp, err := next.Call(ctx, req)

			fields := []Field{
				F("operation", OperationName(req)),
				F("duration", time.Since(start)),
			}
			if requestID := RequestIDFromContext(ctx); requestID != "" {
				fields = append(fields, F("request_id", requestID))
			}
			if transport := protocol.MetaValue(ctx, protocol.MetaTransport); transport != "" {
				fields = append(fields, F("transport", transport))
			}

			if err != nil {
				fields = append(fields, F("error", err.Error()))
				logger.Error("call failed", fields...)
				return resp, err
			}

			fields = append(fields, F("mode", resp.Mode()))
			logger.Info("call completed", fields...)

			if resp.IsMultiple() {
				var elements, failures atomic.Int64
				stream := service.Tap(resp.Stream(), func(_ Resp, err error) {
					elements.Add(1)
					if err != nil {
						failures.Add(1)
					}
				})
				stream.OnClose(func() {
					logger.Debug("stream closed", append(fields,
						F("elements", elements.Load()),
						F("element_errors", failures.Load()),
						F("stream_duration", time.Since(start)),
					)...)
				})
				return service.Multiple(stream), nil
			}
			return resp, nil
		})
	}
}

// NopLogger is a logger that discards all log entries.
type NopLogger struct{}

func (NopLogger) Info(msg string, fields ...Field)  {}
func (NopLogger) Error(msg string, fields ...Field) {}
func (NopLogger) Debug(msg string, fields ...Field) {}
func (NopLogger) Warn(msg string, fields ...Field)  {}

// SlogLogger adapts a *slog.Logger to Logger.
type SlogLogger struct {
	l *slog.Logger
}

// NewSlogLogger returns a Logger writing through l. A nil l uses slog.Default.
func NewSlogLogger(l *slog.Logger) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{l: l}
}

func (s *SlogLogger) Info(msg string, fields ...Field)  { s.l.Info(msg, attrs(fields)...) }
func (s *SlogLogger) Error(msg string, fields ...Field) { s.l.Error(msg, attrs(fields)...) }
func (s *SlogLogger) Debug(msg string, fields ...Field) { s.l.Debug(msg, attrs(fields)...) }
func (s *SlogLogger) Warn(msg string, fields ...Field)  { s.l.Warn(msg, attrs(fields)...) }

func attrs(fields []Field) []any {
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}
