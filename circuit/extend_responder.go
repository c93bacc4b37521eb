package circuit

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/cvsouth/tor-go/cell"
	"github.com/cvsouth/tor-go/circid"
)

// ExtendRequest is the decoded content of an inbound EXTEND2 relay cell
// (spec §4.5), the inverse of buildExtend2Payload in extend.go, which
// only ever built the client side.
type ExtendRequest struct {
	// NextHopIdentity is the RSA identity fingerprint link specifier
	// (LinkSpecRSAID), the node_id used for the circular-path check.
	NextHopIdentity [20]byte
	// Addr/Port come from the IPv4 link specifier (LinkSpecIPv4). Per
	// spec §4.4's open question, only IPv4 is accepted; any other link
	// specifier present alongside is ignored, matching the source's
	// IPv4-only extend path.
	Addr netip.Addr
	Port uint16
	// CreatePayload is the inner HTYPE/HLEN/HDATA blob to re-emit as a
	// CREATE2 cell toward the next hop.
	CreatePayload []byte
}

// ParseExtend2Payload decodes an EXTEND2 relay cell payload: NSPEC(1) +
// link specifiers + HTYPE(2) + HLEN(2) + HDATA(HLEN). It is the inverse
// of buildExtend2Payload.
func ParseExtend2Payload(data []byte) (ExtendRequest, error) {
	var req ExtendRequest
	if len(data) < 1 {
		return req, fmt.Errorf("extend2: empty payload")
	}
	nspec := int(data[0])
	off := 1
	haveIPv4 := false
	for i := 0; i < nspec; i++ {
		if off+2 > len(data) {
			return req, fmt.Errorf("extend2: truncated link specifier header")
		}
		lsType := data[off]
		lsLen := int(data[off+1])
		off += 2
		if off+lsLen > len(data) {
			return req, fmt.Errorf("extend2: truncated link specifier body")
		}
		body := data[off : off+lsLen]
		off += lsLen
		switch lsType {
		case LinkSpecIPv4:
			if lsLen != 6 {
				return req, fmt.Errorf("extend2: bad IPv4 link specifier length %d", lsLen)
			}
			req.Addr = netip.AddrFrom4([4]byte{body[0], body[1], body[2], body[3]})
			req.Port = binary.BigEndian.Uint16(body[4:6])
			haveIPv4 = true
		case LinkSpecRSAID:
			if lsLen != 20 {
				return req, fmt.Errorf("extend2: bad RSA identity link specifier length %d", lsLen)
			}
			copy(req.NextHopIdentity[:], body)
		default:
			// IPv6, Ed25519, or unrecognized: ignored per §4.4's IPv6 open
			// question — this core never extends over anything but IPv4.
		}
	}
	if off+4 > len(data) {
		return req, fmt.Errorf("extend2: truncated handshake header")
	}
	htype := binary.BigEndian.Uint16(data[off : off+2])
	hlen := binary.BigEndian.Uint16(data[off+2 : off+4])
	off += 4
	if off+int(hlen) > len(data) {
		return req, fmt.Errorf("extend2: truncated handshake data")
	}
	inner := make([]byte, 4+hlen)
	binary.BigEndian.PutUint16(inner[0:2], htype)
	binary.BigEndian.PutUint16(inner[2:4], hlen)
	copy(inner[4:], data[off:off+int(hlen)])
	req.CreatePayload = inner

	if !haveIPv4 {
		return req, fmt.Errorf("extend2: no IPv4 link specifier present")
	}
	return req, nil
}

// ExtendResponderConfig is the relay-side policy §4.5 checks against.
type ExtendResponderConfig struct {
	// IsRelay must be true; a non-relay rejects every extend.
	IsRelay bool
	// AllowPrivateAddresses disables the RFC1918 destination gate
	// (ExtendAllowPrivateAddresses).
	AllowPrivateAddresses bool
}

// ChannelGetter is the minimal §6 channel_get_for_extend collaborator:
// return an already-open channel usable for (identity, addr), or report
// that the caller should launch a new connection.
type ChannelGetter interface {
	GetForExtend(identity [20]byte, addr netip.AddrPort) (ch OutboundChannel, shouldLaunch bool)
}

// ChannelConnector is the minimal §6 channel_connect collaborator.
type ChannelConnector interface {
	Connect(addr netip.AddrPort, identity [20]byte) (OutboundChannel, error)
}

// OutboundChannel is what the responder needs from a next-hop link to
// allocate a circuit id and forward a CREATE2 cell: exactly the subset of
// *link.Link's surface the circid allocator and cell writer require.
type OutboundChannel interface {
	circid.Channel
	WriteCell(c cell.Cell) error
}

// HandleExtend implements the relay-side extend responder (spec §4.5):
// validate an inbound EXTEND2 request against the checks circuitbuild.c
// runs before forwarding, then either forward immediately over an
// already-open channel or report that the caller must connect first.
//
// prevHopIdentity is the identity digest of the hop this cell arrived
// from (for the circular-path check); hasNextHop reports whether
// inboundCircID already has an outbound next hop bound (one extend per
// circuit).
func HandleExtend(req ExtendRequest, prevHopIdentity [20]byte, hasNextHop bool, cfg ExtendResponderConfig, getter ChannelGetter) (ch OutboundChannel, shouldLaunch bool, closeReason CloseReason, err error) {
	if hasNextHop {
		return nil, false, ReasonTorProtocol, fmt.Errorf("extend: circuit already has an outbound next hop")
	}
	if !cfg.IsRelay {
		return nil, false, ReasonTorProtocol, fmt.Errorf("extend: refusing to extend, not running as a relay")
	}
	if req.Port == 0 || !req.Addr.IsValid() || req.Addr.IsUnspecified() {
		return nil, false, ReasonTorProtocol, fmt.Errorf("extend: zero port or null address")
	}
	if isPrivateAddr(req.Addr) && !cfg.AllowPrivateAddresses {
		return nil, false, ReasonTorProtocol, fmt.Errorf("extend: destination %s is a private address", req.Addr)
	}
	var zero [20]byte
	if req.NextHopIdentity == zero {
		return nil, false, ReasonTorProtocol, fmt.Errorf("extend: next-hop identity is all-zero")
	}
	if req.NextHopIdentity == prevHopIdentity {
		return nil, false, ReasonTorProtocol, fmt.Errorf("extend: next hop identity equals previous hop (circular-path attack)")
	}

	addrPort := netip.AddrPortFrom(req.Addr, req.Port)
	c, launch := getter.GetForExtend(req.NextHopIdentity, addrPort)
	if c != nil {
		return c, false, 0, nil
	}
	return nil, launch, 0, nil
}

// ForwardCreate allocates a fresh outbound circuit id on ch and writes the
// CREATE2 cell carrying req.CreatePayload, completing HandleExtend's
// "forward immediately" path (or the channel-open callback's continuation
// of the "launch connect" path).
func ForwardCreate(ch OutboundChannel, req ExtendRequest) (uint32, error) {
	outID, err := circid.Allocate(ch)
	if err != nil {
		return 0, fmt.Errorf("extend: allocate outbound circ id: %w", err)
	}
	create2 := cell.NewFixedCell(outID, cell.CmdCreate2)
	copy(create2.Payload(), req.CreatePayload)
	if err := ch.WriteCell(create2); err != nil {
		return 0, fmt.Errorf("extend: forward CREATE2: %w", err)
	}
	return outID, nil
}

// isPrivateAddr reports whether addr is a private (RFC1918 or IPv6 ULA,
// via netip.Addr.IsPrivate), loopback, or link-local unicast address; all
// of these are refused unless private addresses are allowed.
func isPrivateAddr(addr netip.Addr) bool {
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast()
}
