package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorMessageBytes = 512

var (
	sensitiveInlinePattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret|authorization)\s*[:=]\s*([^\s,;]+)`)
	bearerTokenPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
	urlCredentialPattern   = regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.\-]*://)[^/\s:@]+(:[^/\s@]*)?@`)
)

// CommandRequest describes one shell command run on behalf of a sequence.
type CommandRequest struct {
	Operation string
	Command   string
	Dir       string
}

// CommandSpan tracks one command.run span lifecycle.
type CommandSpan struct {
	span      trace.Span
	startedAt time.Time

	mu    sync.Mutex
	ended bool
}

// StartCommand starts a command.run span. The command text is recorded
// redacted; a hash of it lets identical commands be correlated.
func StartCommand(ctx context.Context, req CommandRequest) (context.Context, *CommandSpan) {
	if ctx == nil {
		ctx = context.Background()
	}

	command := redactSecrets(req.Command)
	attrs := []attribute.KeyValue{
		attribute.String("command", command),
		attribute.String("command_hash", hashCommand(req.Command)),
		attribute.String("dir", strings.TrimSpace(req.Dir)),
	}
	if operation := strings.TrimSpace(req.Operation); operation != "" {
		attrs = append(attrs, attribute.String("operation", operation))
	}

	spanCtx, span := otel.Tracer("spacehook/telemetry/command").Start(
		ctx,
		"command.run",
		trace.WithAttributes(attrs...),
	)
	return spanCtx, &CommandSpan{span: span, startedAt: time.Now()}
}

// End finalizes the span with the exit code and, on failure, redacted stderr.
func (c *CommandSpan) End(exitCode int, stderr string, err error) {
	if c == nil || c.span == nil {
		return
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.mu.Unlock()

	durationMS := time.Since(c.startedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}
	c.span.SetAttributes(
		attribute.Int64("latency_ms", durationMS),
		attribute.Int("exit_code", exitCode),
	)

	switch {
	case err != nil:
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, redactSecrets(err.Error()))
	case exitCode != 0:
		c.span.AddEvent(
			"command.failed",
			trace.WithAttributes(attribute.String("stderr", redactSecrets(stderr))),
		)
		c.span.SetStatus(codes.Error, "command exited non-zero")
	default:
		c.span.SetStatus(codes.Ok, "command completed")
	}
	c.span.End()
}

// RedactSecrets masks credentials in free-form text and bounds its length.
func RedactSecrets(input string) string {
	return redactSecrets(input)
}

func hashCommand(command string) string {
	sum := sha256.Sum256([]byte(redactSecrets(command)))
	return hex.EncodeToString(sum[:])
}

func redactSecrets(input string) string {
	redacted := strings.TrimSpace(input)
	if redacted == "" {
		return ""
	}
	redacted = sensitiveInlinePattern.ReplaceAllString(redacted, "$1=<redacted>")
	redacted = bearerTokenPattern.ReplaceAllString(redacted, "bearer <redacted>")
	redacted = urlCredentialPattern.ReplaceAllString(redacted, "$1<redacted>@")
	if len(redacted) > maxErrorMessageBytes {
		return redacted[:maxErrorMessageBytes-len("...[truncated]")] + "...[truncated]"
	}
	return redacted
}
