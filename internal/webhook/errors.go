package webhook

import "net/http"

// Kind classifies a webhook processing failure for HTTP mapping.
type Kind int

const (
	KindInvalidSignature Kind = iota
	KindNotFound
	KindInvalidPayload
	KindMissingHeader
	KindBuilderUnavailable
	KindDatabase
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the failure kind onto the response code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidSignature:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidPayload, KindMissingHeader:
		return http.StatusBadRequest
	case KindBuilderUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
