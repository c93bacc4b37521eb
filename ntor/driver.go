package ntor

import "github.com/cvsouth/tor-go/extendinfo"

// Kind names which handshake variant a hop will use.
type Kind int

const (
	KindNtor Kind = iota
	KindTAP
	KindFast
)

func (k Kind) String() string {
	switch k {
	case KindNtor:
		return "ntor"
	case KindTAP:
		return "tap"
	case KindFast:
		return "fast"
	default:
		return "unknown"
	}
}

// ChooseOptions controls handshake selection beyond what ExtendInfo alone
// determines.
type ChooseOptions struct {
	// IsFirstHop is true when this hop is reached directly over an
	// already-authenticated TLS link rather than relayed through the
	// circuit. A first hop without ntor always gets the fast handshake.
	IsFirstHop bool
	// NtorEnabled lets a client policy disable ntor entirely (for testing
	// or compatibility probing); true in all normal operation.
	NtorEnabled bool
}

// ChooseHandshake implements §4.3's selection rule: ntor whenever the
// relay advertises a curve25519 onion key and ntor is enabled, the fast
// handshake for a first hop lacking one, TAP for a later hop that only
// advertises a legacy RSA onion key, and the fast handshake again for a
// later hop that advertises neither key.
func ChooseHandshake(info extendinfo.ExtendInfo, opts ChooseOptions) Kind {
	if info.HasNtor() && opts.NtorEnabled {
		return KindNtor
	}
	if opts.IsFirstHop {
		return KindFast
	}
	if info.HasLegacy() {
		return KindTAP
	}
	return KindFast
}

// ExtendCellKind names the extend-cell wire format a hop will be reached
// through (spec §4.3).
type ExtendCellKind int

const (
	ExtendCellV2 ExtendCellKind = iota
	ExtendCellLegacy
)

// ChooseExtendCellType picks EXTEND2 whenever the handshake needs more
// than the legacy EXTEND cell's fixed fields can carry (any handshake
// except TAP over IPv4-only link specifiers), matching the original
// source's preference for EXTEND2 whenever the peer supports it.
func ChooseExtendCellType(kind Kind, peerSupportsExtend2 bool) ExtendCellKind {
	if !peerSupportsExtend2 && kind == KindTAP {
		return ExtendCellLegacy
	}
	return ExtendCellV2
}

// SplitKeyMaterial slices a freshly-derived key block into the four
// circuit keys, swapping forward/backward when this side is the
// responder (the far end of an EXTEND2 a relay performs on the client's
// behalf) rather than the originating client. Grounded on the teacher's
// initHop key slicing (circuit/circuit.go), which only ever needed the
// client-side ordering.
func SplitKeyMaterial(km *KeyMaterial, isResponder bool) (df, db [20]byte, kf, kb [16]byte) {
	if !isResponder {
		return km.Df, km.Db, km.Kf, km.Kb
	}
	return km.Db, km.Df, km.Kb, km.Kf
}
