package retry

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"
)

// Class is the retryability verdict for a provider failure. Do (backoff.go)
// re-attempts only transient errors; terminal errors surface immediately.
type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

// marked carries a class the caller already decided on. Classify honors
// the mark before any inspection of the underlying error.
type marked struct {
	cause error
	class Class
}

func (m *marked) Error() string { return m.cause.Error() }
func (m *marked) Unwrap() error { return m.cause }

// Transient forces the retryable classification on err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &marked{cause: err, class: ClassTransient}
}

// Terminal forces the non-retryable classification on err.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &marked{cause: err, class: ClassTerminal}
}

// Classify decides whether err is worth another attempt. Unknown errors
// default to terminal so a misclassified bug fails loudly instead of
// burning the attempt budget.
func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassTerminal, Reason: "nil_error"}
	}

	var m *marked
	if errors.As(err, &m) {
		return Decision{Class: m.class, Reason: "explicit_" + string(m.class)}
	}

	if errors.Is(err, context.Canceled) {
		return Decision{Class: ClassTerminal, Reason: "context_canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Class: ClassTransient, Reason: "context_deadline_exceeded"}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Decision{Class: ClassTransient, Reason: "net_timeout"}
	}

	msg := strings.ToLower(err.Error())

	// Provider clients embed the upstream status as "http status NNN".
	if code, ok := httpStatus(msg); ok {
		return classifyHTTPStatus(code)
	}

	for _, hint := range terminalHints {
		if strings.Contains(msg, hint) {
			return Decision{Class: ClassTerminal, Reason: "message_terminal"}
		}
	}
	for _, hint := range transientHints {
		if strings.Contains(msg, hint) {
			return Decision{Class: ClassTransient, Reason: "message_transient"}
		}
	}

	return Decision{Class: ClassTerminal, Reason: "unknown_terminal_default"}
}

var httpStatusPattern = regexp.MustCompile(`http status (\d{3})`)

func httpStatus(msg string) (int, bool) {
	match := httpStatusPattern.FindStringSubmatch(msg)
	if match == nil {
		return 0, false
	}
	code, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	return code, true
}

func classifyHTTPStatus(code int) Decision {
	switch {
	case code == 429:
		return Decision{Class: ClassTransient, Reason: "http_rate_limited"}
	case code >= 500:
		return Decision{Class: ClassTransient, Reason: "http_server_error"}
	default:
		return Decision{Class: ClassTerminal, Reason: "http_client_error"}
	}
}

var transientHints = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"too many requests",
	"rate limit",
	"server closed idle connection",
	"eof",
}

var terminalHints = []string{
	"bad request",
	"unauthorized",
	"forbidden",
	"not found",
	"invalid argument",
	"invalid params",
	"unprocessable",
	"constraint violation",
}
