// Package extendinfo describes the immutable contact data for one circuit hop.
package extendinfo

import (
	"crypto/rsa"
	"fmt"
	"net/netip"

	"github.com/cvsouth/tor-go/descriptor"
	"github.com/cvsouth/tor-go/directory"
)

// ExtendInfo is the target of a CREATE or EXTEND cell: everything needed to
// dial and handshake with one relay. It is a value type — copy it freely,
// never share a pointer across circuits that might extend concurrently.
type ExtendInfo struct {
	IdentityDigest [20]byte
	Nickname       string
	LegacyOnionKey *rsa.PublicKey // nil forces the fast handshake (tap unavailable)
	NtorOnionKey   *[32]byte      // nil means ntor is unavailable for this hop
	Addr           netip.Addr
	Port           uint16
}

// HasNtor reports whether this hop advertises a curve25519 onion key.
func (e ExtendInfo) HasNtor() bool {
	return e.NtorOnionKey != nil
}

// HasLegacy reports whether this hop advertises an RSA onion key (TAP).
func (e ExtendInfo) HasLegacy() bool {
	return e.LegacyOnionKey != nil
}

// Clone returns an independent copy, safe to embed in a new Hop.
func (e ExtendInfo) Clone() ExtendInfo {
	out := e
	if e.NtorOnionKey != nil {
		k := *e.NtorOnionKey
		out.NtorOnionKey = &k
	}
	return out
}

// FromRelay builds an ExtendInfo from a consensus relay entry.
func FromRelay(r directory.Relay) (ExtendInfo, error) {
	addr, err := netip.ParseAddr(r.Address)
	if err != nil {
		return ExtendInfo{}, fmt.Errorf("parse relay address %q: %w", r.Address, err)
	}
	info := ExtendInfo{
		IdentityDigest: r.Identity,
		Nickname:       r.Nickname,
		Addr:           addr,
		Port:           r.ORPort,
	}
	if r.HasNtorKey {
		k := r.NtorOnionKey
		info.NtorOnionKey = &k
	}
	return info, nil
}

// FromDescriptor builds an ExtendInfo from a fetched server descriptor.
func FromDescriptor(d *descriptor.RelayInfo) (ExtendInfo, error) {
	addr, err := netip.ParseAddr(d.Address)
	if err != nil {
		return ExtendInfo{}, fmt.Errorf("parse descriptor address %q: %w", d.Address, err)
	}
	k := d.NtorOnionKey
	return ExtendInfo{
		IdentityDigest: d.NodeID,
		Nickname:       d.Fingerprint,
		NtorOnionKey:   &k,
		Addr:           addr,
		Port:           d.ORPort,
	}, nil
}
