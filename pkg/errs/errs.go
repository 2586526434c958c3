// Package errs defines the domain error kinds shared across squadron's
// components and the HTTP boundary that translates them into status codes.
// Grounded on tarsy's pkg/services/errors.go + pkg/api/errors.go: a small set
// of sentinel kinds wrapped with fmt.Errorf("...: %w", err) at each layer, so
// errors.Is still matches through the wrapping.
package errs

import "errors"

// Kind identifies one of the error categories named by the routing and
// conversation design: NotFound, ConflictError, IllegalTransition,
// NoResponder, PermissionDenied, Backpressure, UpstreamUnavailable, Invalid.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindIllegalTransition   Kind = "illegal_transition"
	KindNoResponder         Kind = "no_responder"
	KindPermissionDenied    Kind = "permission_denied"
	KindBackpressure        Kind = "backpressure"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindInvalid             Kind = "invalid"
)

// sentinels — compared with errors.Is after wrapping.
var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrIllegalTransition   = errors.New("illegal transition")
	ErrNoResponder         = errors.New("no responder")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrBackpressure        = errors.New("backpressure")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrInvalid             = errors.New("invalid")
)

var kindSentinels = map[Kind]error{
	KindNotFound:            ErrNotFound,
	KindConflict:            ErrConflict,
	KindIllegalTransition:   ErrIllegalTransition,
	KindNoResponder:         ErrNoResponder,
	KindPermissionDenied:    ErrPermissionDenied,
	KindBackpressure:        ErrBackpressure,
	KindUpstreamUnavailable: ErrUpstreamUnavailable,
	KindInvalid:             ErrInvalid,
}

// New wraps msg with the sentinel for kind so errors.Is(err, sentinel) works
// after the error travels up through further %w wrapping.
func New(kind Kind, msg string) error {
	sentinel, ok := kindSentinels[kind]
	if !ok {
		sentinel = ErrInvalid
	}
	return &domainError{kind: kind, sentinel: sentinel, msg: msg}
}

// Wrap attaches kind's sentinel to an existing error, preserving its chain.
func Wrap(kind Kind, err error) error {
	sentinel, ok := kindSentinels[kind]
	if !ok {
		sentinel = ErrInvalid
	}
	return &domainError{kind: kind, sentinel: sentinel, msg: err.Error(), cause: err}
}

type domainError struct {
	kind     Kind
	sentinel error
	msg      string
	cause    error
}

func (e *domainError) Error() string { return e.msg }

func (e *domainError) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	return e.sentinel
}

func (e *domainError) Is(target error) bool { return target == e.sentinel }

// KindOf returns the Kind carried by err, if any was attached via New/Wrap.
func KindOf(err error) (Kind, bool) {
	var de *domainError
	if errors.As(err, &de) {
		return de.kind, true
	}
	for k, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return k, true
		}
	}
	return "", false
}
