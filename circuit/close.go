package circuit

import (
	"log/slog"

	"github.com/cvsouth/tor-go/pathbias"
)

// CloseReason is the non-throwing error-kind vocabulary of spec §7: every
// function that can fail a circuit returns one of these instead of
// raising, so the state machine can distinguish "close this circuit"
// from "advance state and keep going" and so the accountant can tell
// which closes are bias-significant.
type CloseReason int

const (
	ReasonNone CloseReason = iota
	ReasonNoPath
	ReasonConnectFailed
	ReasonChannelClosed
	ReasonResourceLimit
	ReasonTorProtocol
	ReasonInternal
	ReasonTimeout
	ReasonFinished
)

func (r CloseReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonNoPath:
		return "NOPATH"
	case ReasonConnectFailed:
		return "CONNECTFAILED"
	case ReasonChannelClosed:
		return "CHANNEL_CLOSED"
	case ReasonResourceLimit:
		return "RESOURCELIMIT"
	case ReasonTorProtocol:
		return "TORPROTOCOL"
	case ReasonInternal:
		return "INTERNAL"
	case ReasonTimeout:
		return "TIMEOUT"
	case ReasonFinished:
		return "FINISHED"
	default:
		return "unknown"
	}
}

// MarkForClose implements mark_for_close (spec §5 "Cancellation"): it is
// idempotent, runs path-bias close accounting exactly once, and leaves
// the circuit in StateMarkedForClose. channelClosedByUs distinguishes a
// locally-initiated channel teardown (no collapse) from one the far side
// tore down (collapse), per §4.6's close-accounting table; it is only
// consulted when reason is ReasonChannelClosed.
//
// A close while a probe is outstanding is handled by the caller checking
// the returned CloseAction before tearing down transport resources: a
// CloseDeferredForProbe return means the accounting is not finished and
// the circuit must not actually be destroyed yet.
func (o *OriginCircuit) MarkForClose(reason CloseReason, channelClosedByUs bool, acct *pathbias.Accountant, logger *slog.Logger) pathbias.CloseAction {
	if logger == nil {
		logger = slog.Default()
	}
	if o.State == StateMarkedForClose {
		// Idempotent: subsequent calls are no-ops, matching the teacher's
		// single-threaded model where a circuit already marked cannot be
		// marked again by a later event on the same turn.
		return pathbias.CloseNow
	}

	o.State = StateMarkedForClose
	o.closeReason = reason

	if acct == nil {
		return pathbias.CloseNow
	}
	if reason == ReasonTimeout {
		acct.CountTimeout(o)
	}
	// This core's CloseReason vocabulary (spec §7) does not carry a
	// separate "remote DESTROY received" bit distinct from
	// ReasonChannelClosed, so the channel-closed-reason/channelClosedByUs
	// pair alone drives the §4.6 collapse-vs-successful-close split (spec
	// table rows 2/3); an explicit remote-DESTROY collapse (row 1) is
	// folded into the same ReasonChannelClosed+remote-initiated case.
	action, err := acct.CheckClose(o, false, reason == ReasonChannelClosed, channelClosedByUs)
	if err != nil {
		logger.Error("pathbias check close failed", "reason", reason, "error", err)
	}
	return action
}

// CloseReason reports the reason the circuit was last marked for close,
// or ReasonNone if it has not been.
func (o *OriginCircuit) CloseReason() CloseReason { return o.closeReason }

// CloseError wraps a failure that occurs before an OriginCircuit exists
// to mark (e.g. the first hop's channel never came up, or path selection
// could not assemble enough hops), so the reason code of spec §7 is still
// recoverable from the error a caller gets back from Establish.
type CloseError struct {
	Reason CloseReason
	Err    error
}

func (e *CloseError) Error() string { return e.Err.Error() }
func (e *CloseError) Unwrap() error { return e.Err }

