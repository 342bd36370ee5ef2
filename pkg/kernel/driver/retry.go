package driver

import (
	"context"
	"strings"
	"time"

	"github.com/dialogkernel/kernel/pkg/ai"
)

// errorClass classifies an LLM call outcome per kernel spec §4.8 "LLM
// retry wrapper": retriable transport/5xx/408/429 errors are retried with
// backoff; a rejected 4xx fails fast and raises an operator-visible
// problem; anything else (including cancellation) is fatal and propagates.
type errorClass int

const (
	classOK errorClass = iota
	classRetriable
	classRejected
	classFatal
)

var retriablePatterns = []string{
	"429", "too many requests", "rate limit",
	"408", "request timeout",
	"500", "502", "503", "504",
	"internal server error", "bad gateway", "service unavailable", "gateway timeout",
	"connection reset", "connection refused", "econnreset", "econnrefused",
	"no such host", "dns",
	"timeout", "timed out", "eof",
}

// rejectedPatterns are 4xx statuses other than 408/429: the wrapper never
// retries these (kernel spec §4.8 "rejected").
var rejectedPatterns = []string{
	"400", "401", "403", "404", "422", "bad request", "unauthorized", "forbidden",
}

func classify(msg *ai.AssistantMessage, err error) errorClass {
	text := ""
	if err != nil {
		text = strings.ToLower(err.Error())
	} else if msg != nil && msg.StopReason == ai.StopReasonError {
		text = strings.ToLower(msg.ErrorMessage)
	} else {
		return classOK
	}

	if err == context.Canceled || err == context.DeadlineExceeded {
		return classFatal
	}
	for _, p := range retriablePatterns {
		if strings.Contains(text, p) {
			return classRetriable
		}
	}
	for _, p := range rejectedPatterns {
		if strings.Contains(text, p) {
			return classRejected
		}
	}
	return classFatal
}

// ErrProviderRejected is the operator-visible problem raised when the
// provider rejects a request outright (kernel spec §4.8, §7).
type ErrProviderRejected struct {
	Message string
}

func (e *ErrProviderRejected) Error() string {
	return "llm_provider_rejected_request: " + e.Message
}

// retryBackoff computes the exponential backoff for attempt (0-indexed),
// capped at 30s, per kernel spec §4.8: min(30s, 1000*2^attempt).
func retryBackoff(attempt int) time.Duration {
	d := time.Duration(1000*(1<<uint(attempt))) * time.Millisecond
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// callWithRetry invokes call (one LLM generation attempt) with the kernel's
// retry schedule. It checks ctx for cancellation both before sleeping and
// after waking (kernel spec §5 "Cancellation & timeouts"). On the first
// success after at least one prior attempt, onRecovered is invoked so the
// caller can clear any previously-raised "provider rejected" problem.
func callWithRetry(
	ctx context.Context,
	maxRetries int,
	call func(ctx context.Context) (*ai.AssistantMessage, error),
	onRetry func(attempt int, err error, delay time.Duration),
	onRecovered func(),
) (*ai.AssistantMessage, error) {
	var hadFailure bool
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		msg, err := call(ctx)
		class := classify(msg, err)

		if class == classOK {
			if hadFailure && onRecovered != nil {
				onRecovered()
			}
			return msg, err
		}

		if class == classRejected {
			detail := ""
			if err != nil {
				detail = err.Error()
			} else if msg != nil {
				detail = msg.ErrorMessage
			}
			return msg, &ErrProviderRejected{Message: detail}
		}

		if class == classFatal {
			return msg, err
		}

		// classRetriable
		hadFailure = true
		if attempt >= maxRetries {
			return msg, err
		}

		delay := retryBackoff(attempt)
		if onRetry != nil {
			onRetry(attempt+1, err, delay)
		}

		select {
		case <-ctx.Done():
			return msg, ctx.Err()
		case <-time.After(delay):
		}
	}
}
