package gerror

import (
	"fmt"
)

const (
	AudienceInternal Audience = "internal"
	AudienceExternal Audience = "external"
)

type Audience string
type Code string
type DetailKey string
type Details map[DetailKey]Detail

// Error is the structured error the API surfaces. The audience decides
// whether the message may be shown to a caller; internal errors are reported
// as an opaque 500.
type Error struct {
	innerErr error
	// errorText is the full chain for logs.
	errorText string
	// message is safe for the audience the error is addressed to.
	message        string
	details        Details
	audience       Audience
	code           Code
	httpStatusCode int
}

func NewError(message string, audience Audience, code Code, httpStatusCode int, inner error) Error {
	return Error{
		message:        message,
		errorText:      makeErrorText(message, nil, inner),
		audience:       audience,
		code:           code,
		httpStatusCode: httpStatusCode,
		innerErr:       inner,
	}
}

func (e Error) Error() string {
	if e.errorText != "" {
		return e.errorText
	}
	return e.message
}

func (e Error) Unwrap() error {
	return e.innerErr
}

func (e Error) Message() string {
	return e.message
}

// Details returns a copy; the error itself is immutable.
func (e Error) Details() map[DetailKey]Detail {
	m := make(Details, len(e.details))
	for k, v := range e.details {
		m[k] = v
	}
	return m
}

func (e Error) Audience() Audience {
	return e.audience
}

func (e Error) Code() Code {
	return e.code
}

func (e Error) HTTPStatusCode() int {
	return e.httpStatusCode
}

// Wrap returns a copy of the error with the inner error set.
func (e Error) Wrap(innerErr error) Error {
	clone := e
	clone.innerErr = innerErr
	clone.errorText = makeErrorText(e.message, e.details, innerErr)
	clone.details = e.Details()
	return clone
}

// IDetail returns a copy of the error with an internal-audience detail added.
func (e Error) IDetail(key DetailKey, value interface{}) Error {
	return e.withDetail(AudienceInternal, key, value)
}

// EDetail returns a copy of the error with an external-audience detail added.
func (e Error) EDetail(key DetailKey, value interface{}) Error {
	return e.withDetail(AudienceExternal, key, value)
}

func (e Error) withDetail(audience Audience, key DetailKey, value interface{}) Error {
	details := e.Details()
	details[key] = Detail{audience: audience, key: key, value: value}
	clone := e
	clone.details = details
	clone.errorText = makeErrorText(e.message, details, e.innerErr)
	return clone
}

func makeErrorText(message string, details Details, inner error) string {
	var sb []byte
	sb = append(sb, message...)
	if len(details) > 0 {
		sb = append(sb, " ["...)
		first := true
		for k, v := range details {
			if !first {
				sb = append(sb, ", "...)
			}
			sb = append(sb, fmt.Sprintf("%s=%v", k, v.value)...)
			first = false
		}
		sb = append(sb, ']')
	}
	if inner != nil {
		sb = append(sb, fmt.Sprintf(": %v", inner)...)
	}
	return string(sb)
}

// Detail is one structured key/value attached to an Error, with its own
// audience so internal diagnostics never serialize to external callers.
type Detail struct {
	audience Audience
	key      DetailKey
	value    interface{}
}

func NewDetail(audience Audience, key DetailKey, value interface{}) Detail {
	return Detail{audience: audience, key: key, value: value}
}

func (d Detail) Audience() Audience {
	return d.audience
}

func (d Detail) Key() DetailKey {
	return d.key
}

func (d Detail) Value() interface{} {
	return d.value
}
