package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

type SubmitErrorKind int

const (
	// AlreadyAccepted means the node already has the transaction. Callers
	// treat it as success.
	AlreadyAccepted SubmitErrorKind = iota + 1
	// Orphan means an input is not visible to the node.
	Orphan
	// NotStandard covers every other rejection of the transaction itself,
	// exceeding the mass limit among them. See IsMassRejection.
	NotStandard
	// TransientNetwork is a transport failure; the call may be retried.
	TransientNetwork
)

func (k SubmitErrorKind) String() string {
	switch k {
	case AlreadyAccepted:
		return "already-accepted"
	case Orphan:
		return "orphan"
	case NotStandard:
		return "not-standard"
	case TransientNetwork:
		return "transient-network"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type SubmitError struct {
	Kind SubmitErrorKind
	Err  error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit failed (%s): %v", e.Kind, e.Err)
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

// KindOf returns the submit error kind of err, or zero when err is not a
// submit error.
func KindOf(err error) SubmitErrorKind {
	var se *SubmitError
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

// Classify maps a raw node or transport error to a SubmitError. Node
// rejections only reach us as text, so the mapping is by message.
// Cancellation by the caller is returned unchanged.
func Classify(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	var se *SubmitError
	if errors.As(err, &se) {
		return err
	}
	return &SubmitError{Kind: classify(err), Err: err}
}

// IsMassRejection reports whether err is a NotStandard rejection caused by
// the transaction mass.
func IsMassRejection(err error) bool {
	return KindOf(err) == NotStandard && strings.Contains(strings.ToLower(err.Error()), "mass")
}

// IsTransient reports whether err is a transport level failure.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if k := KindOf(err); k != 0 {
		return k == TransientNetwork
	}
	return classify(err) == TransientNetwork
}

func classify(err error) SubmitErrorKind {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.As(err, &netErr):
		return TransientNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already accepted"),
		strings.Contains(msg, "already in the mempool"),
		strings.Contains(msg, "already exists"):
		return AlreadyAccepted
	case strings.Contains(msg, "orphan"):
		return Orphan
	case strings.Contains(msg, "websocket"),
		strings.Contains(msg, "connection"),
		strings.Contains(msg, "disconnected"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "broken pipe"):
		return TransientNetwork
	default:
		return NotStandard
	}
}
