package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rl0ve/uipath-process-app-training/internal/config"
	"github.com/rl0ve/uipath-process-app-training/model"
)

type loggerKey struct{}

// LoggerOptions selects where a logger writes and how it tags entries.
type LoggerOptions struct {
	// Component is added to every entry, e.g. "monitor" or "maestroctl".
	Component string
	// Output is a zap sink URL. Empty means stdout.
	Output string
	// Fallback is the level used when the configured one does not parse.
	// The zero value is info.
	Fallback zapcore.Level
}

// NewLogger builds the JSON logger of a binary.
//
// Levels:
//   - error: session store down, panics, 5xx responses
//   - warn:  4xx responses, failed detail sub-fetches, breaker transitions
//   - info:  requests, sign-in and sign-out, cancels
//   - debug: BPMN cache traffic, vendor request bodies, stale results
func NewLogger(cfg config.ObservabilityConfig, opts LoggerOptions) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = opts.Fallback
	}
	output := opts.Output
	if output == "" {
		output = "stdout"
	}

	encoder := zap.NewProductionEncoderConfig()
	encoder.TimeKey = "timestamp"
	encoder.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder.EncodeDuration = zapcore.MillisDurationEncoder

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         "json",
		EncoderConfig:    encoder,
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
	}

	var fields []zap.Field
	if opts.Component != "" {
		fields = append(fields, zap.String("component", opts.Component))
	}
	fields = append(fields, zap.String("version", Version))
	return zapCfg.Build(zap.Fields(fields...))
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger tagged with the session and
// tenant of the request, if any.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("session_id", rctx.SessionID),
		zap.String("subject_id", rctx.SubjectID),
		zap.String("tenant", rctx.TenantKey()),
	}
	if rctx.CorrelationID != "" {
		fields = append(fields, zap.String("correlation_id", rctx.CorrelationID))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

// credentialFields never appear in logs.
var credentialFields = map[string]bool{
	"access_token":  true,
	"refresh_token": true,
	"id_token":      true,
	"code":          true,
	"code_verifier": true,
	"client_secret": true,
	"authorization": true,
	"password":      true,
}

// maxLoggedText bounds free text such as cancel comments.
const maxLoggedText = 256

// LogBody returns a copy of a vendor request body fit for debug logs:
// credentials are masked and long strings are cut.
func LogBody(body map[string]any) map[string]any {
	if body == nil {
		return nil
	}
	out := make(map[string]any, len(body))
	for k, v := range body {
		switch val := v.(type) {
		case map[string]any:
			out[k] = LogBody(val)
		case string:
			switch {
			case credentialFields[k]:
				out[k] = "[REDACTED]"
			case len(val) > maxLoggedText:
				out[k] = val[:maxLoggedText] + "..."
			default:
				out[k] = val
			}
		default:
			if credentialFields[k] {
				out[k] = "[REDACTED]"
			} else {
				out[k] = v
			}
		}
	}
	return out
}
