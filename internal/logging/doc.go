// Package logging provides the structured logger used across securerag.
//
// Logger wraps zap with context-aware methods: every call takes a
// context.Context and prepends correlation fields (otel trace/span ids,
// request id, tenant, subject). Output goes to stdout and, optionally, to an
// OpenTelemetry log provider through the otelzap bridge. Sensitive keys and
// bearer tokens are redacted at the encoder.
//
// Tests use NewTestLogger, which records entries in memory:
//
//	logger := logging.NewTestLogger()
//	svc := query.NewService(store, embedder, roles, logger.Logger, opts)
//	...
//	logger.AssertLogged(t, zapcore.WarnLevel, "access mismatch")
package logging
