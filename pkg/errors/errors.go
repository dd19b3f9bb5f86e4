// Package errors defines sentinel errors used across the capserve project.
package errors

import (
	"errors"
	"strings"
)

// Sentinel errors for discovery and delegation.
var (
	// ErrNoReplica indicates that no registered replica matches a capability query.
	ErrNoReplica = errors.New("NOREPLICA no replica matches capability query")

	// ErrDelegationExhausted indicates a request that is already one delegation hop
	// deep cannot be served locally. It is terminal; the request is never forwarded twice.
	ErrDelegationExhausted = errors.New("DELEGATED capability not locally servable and already delegated")

	// ErrNoUpgradePath indicates no local handler and no upgrade rule for a capability.
	ErrNoUpgradePath = errors.New("NOUPGRADE no local handler and no upgrade path")
)

// Sentinel errors for object references.
var (
	// ErrObjectNotFound indicates a reference resolves to nothing at the owner.
	ErrObjectNotFound = errors.New("OBJNOTFOUND object not found at owner")
)

// Sentinel errors for transport.
var (
	// ErrTransport indicates a shared-memory segment was unreachable or the
	// payload could not be moved even through the inline tier.
	ErrTransport = errors.New("TRANSPORT payload transport failed")

	// ErrSegmentTooSmall indicates a write larger than a whole segment;
	// the caller must fall back to the inline tier.
	ErrSegmentTooSmall = errors.New("segment too small for payload")

	// ErrFrameTooLarge indicates a frame exceeding the configured maximum.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// Sentinel errors for handlers and streams.
var (
	// ErrHandler tags failures raised by a user-supplied handler. The handler's
	// own message is wrapped around it so the original cause survives the wire.
	ErrHandler = errors.New("HANDLERERR handler failed")

	// ErrStreamClosed indicates a send on a closed stream (programming error).
	ErrStreamClosed = errors.New("send on closed stream")

	// ErrClosed indicates the resource has been closed.
	ErrClosed = errors.New("resource is closed")
)

// wireCodes maps the uppercase code prefix carried in wire errors back to the
// matching sentinel. The dispatch-visible kinds cross the wire; local-only
// sentinels (stream, segment sizing) never do.
var wireCodes = map[string]error{
	"NOREPLICA":   ErrNoReplica,
	"DELEGATED":   ErrDelegationExhausted,
	"NOUPGRADE":   ErrNoUpgradePath,
	"OBJNOTFOUND": ErrObjectNotFound,
	"TRANSPORT":   ErrTransport,
	"HANDLERERR":  ErrHandler,
}

// Code returns the wire code for err, or "ERR" if it carries none.
func Code(err error) string {
	for code, sentinel := range wireCodes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return "ERR"
}

// ToWire renders err as "CODE detail..." for the wire. The code prefix is not
// duplicated when the error message already starts with it.
func ToWire(err error) string {
	code := Code(err)
	msg := err.Error()
	if strings.HasPrefix(msg, code+" ") {
		return msg
	}
	return code + " " + msg
}

// FromWire reconstructs a typed error from a wire error message of the form
// "CODE detail...". Unknown codes come back as plain errors so the detail is
// never lost.
func FromWire(msg string) error {
	code, detail, _ := strings.Cut(msg, " ")
	if sentinel, ok := wireCodes[code]; ok {
		if detail == "" || code+" "+detail == sentinel.Error() {
			return sentinel
		}
		return Wrap(sentinel, detail)
	}
	return errors.New(msg)
}

// Wrap attaches detail to a sentinel while keeping errors.Is matching.
func Wrap(sentinel error, detail string) error {
	return &wrapped{sentinel: sentinel, detail: detail}
}

type wrapped struct {
	sentinel error
	detail   string
}

func (w *wrapped) Error() string { return w.sentinel.Error() + ": " + w.detail }
func (w *wrapped) Unwrap() error { return w.sentinel }
