// Package cpath holds the per-circuit hop ring and build-state bag used
// while a circuit is under construction, per spec §3/§4. Grounded on the
// teacher's circuit.Hop/circuit.Circuit.Hops (circuit/circuit.go), which
// already represents the hop chain as a plain slice; this package
// generalizes that representation and adds the fields the handshake
// driver and path-bias accountant need beyond pure crypto state.
package cpath

import (
	"github.com/cvsouth/tor-go/extendinfo"
)

// HopState is the per-hop handshake lifecycle (spec §3).
type HopState int

const (
	HopClosed HopState = iota
	HopAwaitingKeys
	HopOpen
)

func (s HopState) String() string {
	switch s {
	case HopClosed:
		return "closed"
	case HopAwaitingKeys:
		return "awaiting_keys"
	case HopOpen:
		return "open"
	default:
		return "unknown"
	}
}

// DefaultWindow is the initial package/deliver window per tor-spec,
// matching the teacher's stream.CircWindow constant.
const DefaultWindow = 1000

// Hop is the planning/lifecycle record of one link of the onion. It holds
// no cipher or digest state: the crypto for an established hop lives in
// the circuit.Hop at the same index of the underlying circuit.
type Hop struct {
	ExtendInfo extendinfo.ExtendInfo

	State HopState

	// HandshakeState is an opaque slot for an in-progress handshake value
	// (such as one returned by ntor.NewHandshake / ntor.NewFastHandshake /
	// ntor.NewTAPHandshake). This package neither sets nor clears it.
	HandshakeState any

	// RendCircNonce is set on a rendezvous-point hop established via a
	// half-open rendezvous handshake; empty otherwise.
	RendCircNonce []byte

	PackageWindow int
	DeliverWindow int
}

// NewHop returns a Hop ready to begin a handshake toward info.
func NewHop(info extendinfo.ExtendInfo) *Hop {
	return &Hop{
		ExtendInfo:    info,
		State:         HopClosed,
		PackageWindow: DefaultWindow,
		DeliverWindow: DefaultWindow,
	}
}

// Ring is the slice-backed hop chain of a circuit under construction or in
// use. It keeps no separate head index: iteration runs from index 0 to
// Len(), and the last hop is always at Len()-1.
type Ring struct {
	hops []*Hop
}

// Len reports the number of hops currently in the ring.
func (r *Ring) Len() int { return len(r.hops) }

// Append adds h as the new last hop. O(1) amortized.
func (r *Ring) Append(h *Hop) {
	r.hops = append(r.hops, h)
}

// At returns the hop at index i (0-based, 0 is the entry guard), or nil if
// out of range.
func (r *Ring) At(i int) *Hop {
	if i < 0 || i >= len(r.hops) {
		return nil
	}
	return r.hops[i]
}

// Last returns the most recently appended hop, or nil if the ring is
// empty. O(1).
func (r *Ring) Last() *Hop {
	if len(r.hops) == 0 {
		return nil
	}
	return r.hops[len(r.hops)-1]
}

// All returns the hops in order, entry guard first. The returned slice
// aliases the ring's backing array; callers must not retain it across a
// later Append.
func (r *Ring) All() []*Hop {
	return r.hops
}

// Truncate drops hops at and after index i, for tearing down a partially
// extended circuit after a failed EXTEND.
func (r *Ring) Truncate(i int) {
	if i < 0 || i > len(r.hops) {
		return
	}
	r.hops = r.hops[:i]
}

// Flags are the per-circuit path-selection constraints carried in
// BuildState (spec §3).
type Flags struct {
	OnehopTunnel bool
	NeedUptime   bool
	NeedCapacity bool
	IsInternal   bool
}

// BuildState is the planning bag a circuit carries while it is being
// assembled: the path chosen up front (for non-cannibalized circuits) and
// the constraints that chose it.
type BuildState struct {
	DesiredPathLen int
	Flags          Flags
	ChosenExit     extendinfo.ExtendInfo
	Path           []extendinfo.ExtendInfo
}
