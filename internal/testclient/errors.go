package testclient

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors mirroring the protocol server's documented status codes
// (spec §7), trimmed from packages/client-go/errors.go to the cases the
// test suite asserts on.
var (
	ErrStreamNotFound      = errors.New("testclient: stream not found")
	ErrStreamExists        = errors.New("testclient: stream already exists with different config")
	ErrSequenceConflict    = errors.New("testclient: sequence conflict")
	ErrContentTypeMismatch = errors.New("testclient: content type mismatch")
	ErrStreamClosed        = errors.New("testclient: stream is closed")
	ErrStaleEpoch          = errors.New("testclient: producer epoch is stale")
)

// RequestError wraps a non-2xx response with the operation and status code.
type RequestError struct {
	Op         string
	URL        string
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("testclient: %s %s failed with status %d: %s", e.Op, e.URL, e.StatusCode, e.Body)
}

func errorFromStatus(statusCode int, body string) error {
	switch statusCode {
	case 403:
		if strings.Contains(body, "stale_epoch") {
			return ErrStaleEpoch
		}
		return fmt.Errorf("testclient: unexpected status %d: %s", statusCode, body)
	case 404:
		return ErrStreamNotFound
	case 409:
		switch {
		case strings.Contains(body, "sequence"):
			return ErrSequenceConflict
		case strings.Contains(body, "content type"):
			return ErrContentTypeMismatch
		case strings.Contains(body, "closed"):
			return ErrStreamClosed
		}
		return ErrStreamExists
	default:
		return fmt.Errorf("testclient: unexpected status %d: %s", statusCode, body)
	}
}
