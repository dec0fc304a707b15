// Package apperr implements the error taxonomy of the consensus core:
// transport, authentication, consensus, log/storage and protocol
// errors, with the wire-level code/term/leader propagation shape used
// to surface structured rejections to callers (spec §7).
package apperr

import (
	"errors"
	"fmt"
)

// Code is a wire-level error code, carried in RPC replies alongside
// the human-readable message.
type Code string

const (
	ECONNREFUSED  Code = "ECONNREFUSED"
	ECONNRESET    Code = "ECONNRESET"
	ECONNABORTED  Code = "ECONNABORTED"
	ETIMEDOUT     Code = "ETIMEDOUT"
	EACCES        Code = "EACCES"
	ENOTLEADER    Code = "ENOTLEADER"
	EOUTDATEDTERM Code = "EOUTDATEDTERM"
	ENOMAJORITY   Code = "ENOMAJORITY"
)

// Sentinel errors for local (same-process) decision making. The first
// eight map 1:1 onto a Code (see codeToSentinel) and are cheaper to
// compare with errors.Is than unwrapping a WireError every time; the
// rest have no Code of their own and reach the wire as ECONNABORTED
// via Decompose.
var (
	ErrNotLeader             = errors.New("raftkv: not the leader")
	ErrOutdatedTerm          = errors.New("raftkv: outdated term")
	ErrNoMajority            = errors.New("raftkv: could not assemble quorum")
	ErrTimedOut              = errors.New("raftkv: operation timed out")
	ErrConnRefused           = errors.New("raftkv: connection refused")
	ErrConnReset             = errors.New("raftkv: connection reset")
	ErrConnAborted           = errors.New("raftkv: connection aborted")
	ErrUnauthorized          = errors.New("raftkv: authentication failed")
	ErrConfigChangePending   = errors.New("raftkv: a topology change is already in flight")
	ErrLogCompacted          = errors.New("raftkv: requested entry has been compacted")
	ErrNodeStopped           = errors.New("raftkv: node has been stopped")
	ErrUnknownPeer           = errors.New("raftkv: unknown peer")
	ErrMalformedFrame        = errors.New("raftkv: malformed wire frame")
)

var codeToSentinel = map[Code]error{
	ENOTLEADER:    ErrNotLeader,
	EOUTDATEDTERM: ErrOutdatedTerm,
	ENOMAJORITY:   ErrNoMajority,
	ETIMEDOUT:     ErrTimedOut,
	ECONNREFUSED:  ErrConnRefused,
	ECONNRESET:    ErrConnReset,
	ECONNABORTED:  ErrConnAborted,
	EACCES:        ErrUnauthorized,
}

// WireError is returned by RPC calls and surfaced to clients. It
// carries the structured hints spec §6/§7 describe: a code, the
// responder's term (so the caller can adopt it), and a leader hint
// for client-side redirection.
type WireError struct {
	Code    Code
	Message string
	Term    uint64
	Leader  string // normalized address string, empty if unknown
}

func (e *WireError) Error() string {
	if e.Leader != "" {
		return fmt.Sprintf("%s: %s (leader hint: %s)", e.Code, e.Message, e.Leader)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap lets errors.Is(err, apperr.ErrNotLeader) succeed against a
// *WireError carrying code ENOTLEADER, and so on for every mapped
// code.
func (e *WireError) Unwrap() error {
	return codeToSentinel[e.Code]
}

// NewWireError builds a WireError for the given code.
func NewWireError(code Code, msg string, term uint64, leader string) *WireError {
	return &WireError{Code: code, Message: msg, Term: term, Leader: leader}
}

// Decompose maps a local error to the wire-level fields a reply frame
// carries: code, message, and (for ENOTLEADER) a term/leader hint when
// err is or wraps a *WireError. Unrecognized errors become a generic
// ECONNABORTED so the caller still gets a structured rejection rather
// than a dropped connection.
func Decompose(err error) (code Code, msg string, term uint64, leaderHint string) {
	var we *WireError
	if errors.As(err, &we) {
		return we.Code, we.Message, we.Term, we.Leader
	}
	for c, sentinel := range codeToSentinel {
		if errors.Is(err, sentinel) {
			return c, err.Error(), 0, ""
		}
	}
	return ECONNABORTED, err.Error(), 0, ""
}

// Retriable reports whether the error class is one a caller should
// retry (transport errors and ENOMAJORITY/ETIMEDOUT/ENOTLEADER), as opposed to
// fatal-to-the-call-only errors like EACCES.
func Retriable(err error) bool {
	switch {
	case errors.Is(err, ErrConnRefused), errors.Is(err, ErrConnReset),
		errors.Is(err, ErrConnAborted), errors.Is(err, ErrTimedOut),
		errors.Is(err, ErrNoMajority), errors.Is(err, ErrNotLeader):
		return true
	default:
		return false
	}
}
