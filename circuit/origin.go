package circuit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cvsouth/tor-go/cpath"
	"github.com/cvsouth/tor-go/descriptor"
	"github.com/cvsouth/tor-go/extendinfo"
	"github.com/cvsouth/tor-go/link"
	"github.com/cvsouth/tor-go/pathbias"
)

// State is the coarse circuit lifecycle state driving the state machine
// external collaborators (timers, path-bias) observe.
type State int

const (
	StateChanWait State = iota
	StateBuilding
	StateOpen
	StateMarkedForClose
)

func (s State) String() string {
	switch s {
	case StateChanWait:
		return "chan_wait"
	case StateBuilding:
		return "building"
	case StateOpen:
		return "open"
	case StateMarkedForClose:
		return "marked_for_close"
	default:
		return "unknown"
	}
}

// BuildFlags mirrors cpath.Flags at the API boundary callers use to
// request a circuit.
type BuildFlags = cpath.Flags

var nextGlobalID uint64

// OriginCircuit is the client-side view of a circuit under construction or
// in use: the underlying cell-level *Circuit plus the planning/accounting
// state the spec's circuit-construction core adds on top of it.
type OriginCircuit struct {
	*Circuit

	Ring       cpath.Ring
	BuildState cpath.BuildState
	purpose    pathbias.Purpose
	State      State

	TimestampBegan time.Time
	hasOpened      bool

	pathState        pathbias.PathState
	shouldCountCache pathbias.ShouldCount
	globalID         uint64
	closeReason      CloseReason

	BuildTimeoutAt time.Time
	DirtyAfter     time.Time
}

// newOriginCircuit allocates bookkeeping state for a freshly-dialed
// circuit. Call after the underlying *Circuit exists.
func newOriginCircuit(c *Circuit, purpose pathbias.Purpose, bs cpath.BuildState) *OriginCircuit {
	return &OriginCircuit{
		Circuit:        c,
		BuildState:     bs,
		purpose:        purpose,
		State:          StateChanWait,
		TimestampBegan: time.Now(),
		globalID:       atomic.AddUint64(&nextGlobalID, 1),
	}
}

// Classifiable implementation (pathbias.Classifiable).

func (o *OriginCircuit) Purpose() pathbias.Purpose                  { return o.purpose }
func (o *OriginCircuit) OnehopTunnel() bool                         { return o.BuildState.Flags.OnehopTunnel }
func (o *OriginCircuit) DesiredPathLen() int                        { return o.BuildState.DesiredPathLen }
func (o *OriginCircuit) HasOpened() bool                            { return o.hasOpened }
func (o *OriginCircuit) GlobalID() uint64                           { return o.globalID }
func (o *OriginCircuit) PathState() pathbias.PathState              { return o.pathState }
func (o *OriginCircuit) SetPathState(s pathbias.PathState)          { o.pathState = s }
func (o *OriginCircuit) ShouldCountCache() pathbias.ShouldCount     { return o.shouldCountCache }
func (o *OriginCircuit) SetShouldCountCache(v pathbias.ShouldCount) { o.shouldCountCache = v }

// GuardIdentity returns the entry hop's identity digest, if the circuit
// has at least one hop committed to its path.
func (o *OriginCircuit) GuardIdentity() ([20]byte, bool) {
	if len(o.BuildState.Path) == 0 {
		return [20]byte{}, false
	}
	return o.BuildState.Path[0].IdentityDigest, true
}

// Establish implements circuit_establish_circuit (spec §6): perform the
// first hop's handshake over l, then extend synchronously through every
// remaining hop of path, leaving the circuit in StateOpen on success. A
// failed extension marks the circuit for close and returns it together
// with the error.
func Establish(ctx context.Context, l *link.Link, path []extendinfo.ExtendInfo, purpose pathbias.Purpose, flags BuildFlags, acct *pathbias.Accountant, logger *slog.Logger) (*OriginCircuit, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(path) == 0 {
		return nil, &CloseError{Reason: ReasonNoPath, Err: fmt.Errorf("circuit: empty path")}
	}

	first := path[0]
	relayInfo := extendInfoToRelayInfo(first)

	underlying, err := Create(l, relayInfo, logger)
	if err != nil {
		// No guard attempt is counted here: per spec §4.6 and scenario S2,
		// attempt counting happens at second-hop awaiting-keys, not at
		// first-hop connect. There is no circuit object yet to mark for
		// close, so the reason travels on the error itself.
		return nil, &CloseError{Reason: ReasonConnectFailed, Err: fmt.Errorf("establish circuit: create first hop: %w", err)}
	}

	bs := cpath.BuildState{
		DesiredPathLen: len(path),
		Flags:          flags,
		Path:           path,
	}
	if len(path) > 0 {
		bs.ChosenExit = path[len(path)-1]
	}

	oc := newOriginCircuit(underlying, purpose, bs)
	oc.State = StateBuilding
	oc.Ring.Append(&cpath.Hop{ExtendInfo: first, State: cpath.HopOpen,
		PackageWindow: cpath.DefaultWindow, DeliverWindow: cpath.DefaultWindow})

	if acct != nil {
		secondHopAwaitingKeys := len(path) > 1
		if err := acct.CountBuildAttempt(oc, secondHopAwaitingKeys); err != nil {
			return oc, fmt.Errorf("establish circuit: %w", err)
		}
		if len(path) == 1 {
			acct.CountBuildSuccess(oc)
		}
	}

	for i := 1; i < len(path); i++ {
		select {
		case <-ctx.Done():
			return oc, ctx.Err()
		default:
		}
		if err := oc.extendTo(path[i], logger); err != nil {
			reason := ReasonTorProtocol
			if errors.Is(err, errNonIPv4Extend) {
				reason = ReasonInternal
			}
			oc.MarkForClose(reason, false, acct, logger)
			return oc, fmt.Errorf("establish circuit: extend hop %d: %w", i, err)
		}
		if acct != nil && i == len(path)-1 {
			acct.CountBuildSuccess(oc)
		}
	}

	oc.State = StateOpen
	return oc, nil
}

// extendTo extends the underlying circuit to info and mirrors the new hop
// into the ring, matching FinishHandshake's bookkeeping for a hop reached
// synchronously through the teacher's Extend.
func (o *OriginCircuit) extendTo(info extendinfo.ExtendInfo, logger *slog.Logger) error {
	o.Ring.Append(&cpath.Hop{ExtendInfo: info, State: cpath.HopAwaitingKeys})
	relayInfo := extendInfoToRelayInfo(info)
	if err := o.Circuit.Extend(relayInfo, logger); err != nil {
		o.Ring.Truncate(o.Ring.Len() - 1)
		return err
	}
	o.Ring.Last().State = cpath.HopOpen
	return nil
}

// FinishHandshake is circuit_finish_handshake (spec §6): given the index
// of the hop whose CREATED2/EXTENDED2 reply has arrived and the 64-byte
// server handshake data it carried, complete that hop's handshake and
// advance its ring state to open. The teacher's synchronous Create/Extend
// already parse the reply inline (no asynchronous hand-off point exists
// in this codebase's I/O model), so this entry point exists for callers
// driving hops one at a time against an already-open ring slot rather
// than through Establish's full-path loop, and simply confirms that
// bookkeeping matches a hop already advanced by Extend.
func (o *OriginCircuit) FinishHandshake(hopIndex int) error {
	h := o.Ring.At(hopIndex)
	if h == nil {
		return fmt.Errorf("circuit: finish handshake: no such hop %d", hopIndex)
	}
	if hopIndex >= len(o.Circuit.Hops) {
		return fmt.Errorf("circuit: finish handshake: hop %d has no completed crypto state", hopIndex)
	}
	h.State = cpath.HopOpen
	return nil
}

// MarkOpened records that the circuit has carried traffic before,
// excluding it from future build-attempt/build-success counting (spec
// §4.6's "cannibalized circuits don't contribute to build counts").
func (o *OriginCircuit) MarkOpened() {
	o.hasOpened = true
}

// NoteClockJumped re-bases the circuit's dirty/build timers after a
// detected system clock jump (spec §4.4), rather than letting stale
// deadlines fire immediately or never.
func (o *OriginCircuit) NoteClockJumped(delta time.Duration) {
	if !o.BuildTimeoutAt.IsZero() {
		o.BuildTimeoutAt = o.BuildTimeoutAt.Add(delta)
	}
	if !o.DirtyAfter.IsZero() {
		o.DirtyAfter = o.DirtyAfter.Add(delta)
	}
}

// extendInfoToRelayInfo adapts the new contact-data type to the teacher's
// descriptor.RelayInfo, since Create/Extend are grounded on that type and
// only ever drive the ntor handshake. TAP/fast hops are handled by the
// ntor driver's handshake selection at a layer above this adapter; this
// core's cell-level Create/Extend remain ntor-only, matching the teacher.
func extendInfoToRelayInfo(info extendinfo.ExtendInfo) *descriptor.RelayInfo {
	var ntorKey [32]byte
	if info.NtorOnionKey != nil {
		ntorKey = *info.NtorOnionKey
	}
	return &descriptor.RelayInfo{
		NodeID:       info.IdentityDigest,
		NtorOnionKey: ntorKey,
		Address:      info.Addr.String(),
		ORPort:       info.Port,
		Fingerprint:  info.Nickname,
	}
}
