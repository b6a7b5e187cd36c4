package controlplane

import "fmt"

// ErrorKind classifies a failed control-plane call. The flush worker's
// delivery policy hangs off this: only KindCircuitOpen proves the batch
// never left the process, so only that kind is safe to re-enqueue.
type ErrorKind int

const (
	// KindCircuitOpen means the breaker refused the call before any bytes
	// were sent.
	KindCircuitOpen ErrorKind = iota
	// KindNetwork covers transport failures, timeouts, and TLS errors.
	KindNetwork
	// KindServerError is any 5xx from the control plane.
	KindServerError
	// KindClientError is a non-2xx, non-5xx status outside the
	// method-specific exceptions.
	KindClientError
	// KindParseError means a 2xx body failed to decode.
	KindParseError
	// KindResponseTooLarge means the body exceeded the response cap.
	KindResponseTooLarge
)

// Error is the typed failure returned by every client method.
type Error struct {
	Kind   ErrorKind
	Status int
	Detail string
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindCircuitOpen:
		return "circuit breaker open"
	case KindNetwork:
		return "network error: " + e.Detail
	case KindServerError:
		return fmt.Sprintf("server error %d: %s", e.Status, truncate(e.Detail, 200))
	case KindClientError:
		return fmt.Sprintf("client error %d: %s", e.Status, truncate(e.Detail, 200))
	case KindParseError:
		return "parse error: " + e.Detail
	case KindResponseTooLarge:
		return "response too large"
	default:
		return "control plane error"
	}
}

// IsCircuitOpen reports whether err is a breaker rejection.
func IsCircuitOpen(err error) bool {
	cpErr, ok := err.(*Error)
	return ok && cpErr.Kind == KindCircuitOpen
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back up to a rune boundary so we never split a multi-byte sequence.
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
