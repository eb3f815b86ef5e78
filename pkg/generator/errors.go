package generator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"google.golang.org/genai"
)

// Kind classifies generator and merge failures.
type Kind string

const (
	KindQuotaExceeded        Kind = "quota_exceeded"
	KindAccessDenied         Kind = "access_denied"
	KindContentSafetyBlocked Kind = "content_safety_blocked"
	KindTransientOverload    Kind = "transient_overload"
	KindNetworkFailure       Kind = "network_failure"
	KindMergeFailure         Kind = "merge_failure"
	KindGeneric              Kind = "generic"
)

// ErrCooldown is wrapped by the error returned for calls refused during a
// quota cooldown.
var ErrCooldown = errors.New("quota cooldown active")

// Error is a classified failure of one generator operation.
type Error struct {
	Kind       Kind
	Op         string
	Err        error
	RetryAfter time.Duration // set for KindQuotaExceeded
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// UserMessage returns the human readable message for the error's class.
func (e *Error) UserMessage() string {
	msg := e.Kind.UserMessage()
	if e.Kind == KindQuotaExceeded && e.RetryAfter > 0 {
		msg += fmt.Sprintf(" Retry in %ds.", int(e.RetryAfter.Round(time.Second).Seconds()))
	}
	return msg
}

// Retryable reports whether the kind may be retried automatically.
func (k Kind) Retryable() bool {
	return k == KindTransientOverload
}

// UserMessage is the single surfaced message per failure class.
func (k Kind) UserMessage() string {
	switch k {
	case KindQuotaExceeded:
		return "Generation quota exceeded. New requests are paused until the cooldown ends."
	case KindAccessDenied:
		return "Access denied. Check the API key and billing status of the project."
	case KindContentSafetyBlocked:
		return "The request was blocked by content safety filters. Rephrase the scene and try again."
	case KindTransientOverload:
		return "The generation service is overloaded. Please try again shortly."
	case KindNetworkFailure:
		return "Network error while contacting the generation service."
	case KindMergeFailure:
		return "Audio could not be merged into the clip. The scene keeps its original video."
	default:
		return "Generation failed."
	}
}

// kinder is implemented by errors that know their own class.
type kinder interface {
	ErrorKind() Kind
}

// codeRe finds an HTTP status in rendered errors ("Error 429, ...",
// "code: 503"). Bare numbers elsewhere in a message are not codes.
var codeRe = regexp.MustCompile(`\b(?:error|code|status)\s*[:=]?\s*(\d{3})\b`)

// KindOf returns the kind of err without wrapping it.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	var k kinder
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	if errors.Is(err, context.Canceled) {
		return KindGeneric
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiKind(apiErr.Code, apiErr.Status, apiErr.Message)
	}
	var apiPtr *genai.APIError
	if errors.As(err, &apiPtr) && apiPtr != nil {
		return apiKind(apiPtr.Code, apiPtr.Status, apiPtr.Message)
	}

	msg := strings.ToLower(err.Error())
	if m := codeRe.FindStringSubmatch(msg); m != nil {
		if code, convErr := strconv.Atoi(m[1]); convErr == nil && code >= 400 {
			return codeKind(code, msg)
		}
	}

	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) {
		return KindNetworkFailure
	}
	if k := wordKind(msg); k != "" {
		return k
	}
	if containsAny(msg, "connection refused", "connection reset", "no such host", "broken pipe",
		"i/o timeout", "network is unreachable", "tls handshake", "unexpected eof") {
		return KindNetworkFailure
	}
	return KindGeneric
}

func apiKind(code int, status, message string) Kind {
	text := strings.ToLower(status + " " + message)
	if code >= 400 {
		return codeKind(code, text)
	}
	if k := wordKind(text); k != "" {
		return k
	}
	return KindGeneric
}

// codeKind maps an HTTP status. Client errors other than auth and quota are
// not retried; their message may still reveal a bad key or a safety block.
func codeKind(code int, text string) Kind {
	switch code {
	case 429:
		return KindQuotaExceeded
	case 401, 403:
		return KindAccessDenied
	case 500, 502, 503, 504:
		return KindTransientOverload
	}
	switch {
	case containsAny(text, "api key not valid", "api_key_invalid", "invalid_api_key"):
		return KindAccessDenied
	case containsAny(text, safetyWords...):
		return KindContentSafetyBlocked
	case code >= 500:
		return KindTransientOverload
	default:
		return KindGeneric
	}
}

var safetyWords = []string{"safety", "raimediafiltered", "rai_media_filtered", "rai media",
	"content policy", "usage guidelines", "prohibited", "blocked"}

// wordKind classifies by status words for errors that carry no code.
func wordKind(msg string) Kind {
	switch {
	case containsAny(msg, "resource_exhausted", "resource exhausted", "quota", "rate limit"):
		return KindQuotaExceeded
	case containsAny(msg, "permission_denied", "permission denied", "unauthenticated",
		"unauthorized", "forbidden", "api key not valid", "invalid_api_key", "billing"):
		return KindAccessDenied
	case containsAny(msg, safetyWords...):
		return KindContentSafetyBlocked
	case containsAny(msg, "overloaded", "unavailable", "internal error", "try again later"):
		return KindTransientOverload
	}
	return ""
}

// Classify wraps err as an *Error for op. Already classified errors are
// returned unchanged.
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return &Error{Kind: KindOf(err), Op: op, Err: err}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
