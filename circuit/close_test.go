package circuit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/cvsouth/tor-go/cpath"
	"github.com/cvsouth/tor-go/extendinfo"
	"github.com/cvsouth/tor-go/guard"
	"github.com/cvsouth/tor-go/link"
	"github.com/cvsouth/tor-go/pathbias"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOriginCircuit(guardID [20]byte) (*OriginCircuit, *pathbias.Accountant, *guard.Record) {
	gs := guard.NewStore()
	g := gs.Add(guardID, "test-guard")
	acct := pathbias.NewAccountant(pathbias.DefaultOptions(), gs, nil, testLogger())

	bs := cpath.BuildState{
		DesiredPathLen: 3,
		Path:           []extendinfo.ExtendInfo{{IdentityDigest: guardID}},
	}
	oc := newOriginCircuit(&Circuit{}, pathbias.PurposeGeneral, bs)
	oc.State = StateBuilding
	return oc, acct, g
}

func TestMarkForCloseIsIdempotent(t *testing.T) {
	var guardID [20]byte
	guardID[0] = 9
	oc, acct, _ := newTestOriginCircuit(guardID)
	oc.SetPathState(pathbias.StateBuildSucceeded)

	oc.MarkForClose(ReasonTimeout, false, acct, testLogger())
	if oc.State != StateMarkedForClose {
		t.Fatalf("state = %v, want MarkedForClose", oc.State)
	}
	if oc.PathState() != pathbias.StateAlreadyCounted {
		t.Fatalf("path state = %v, want AlreadyCounted", oc.PathState())
	}
	if oc.CloseReason() != ReasonTimeout {
		t.Fatalf("close reason = %v, want TIMEOUT", oc.CloseReason())
	}

	// Re-entry must be a no-op: a second MarkForClose with a different
	// reason must not flip the recorded reason or re-run accounting.
	oc.MarkForClose(ReasonTorProtocol, false, acct, testLogger())
	if oc.CloseReason() != ReasonTimeout {
		t.Fatalf("close reason changed on re-entry: got %v, want TIMEOUT", oc.CloseReason())
	}
}

func TestMarkForCloseCountsCollapseOnRemoteChannelClose(t *testing.T) {
	var guardID [20]byte
	guardID[0] = 3
	oc, acct, g := newTestOriginCircuit(guardID)
	oc.SetPathState(pathbias.StateBuildSucceeded)

	oc.MarkForClose(ReasonChannelClosed, false, acct, testLogger())

	if g.CollapsedCircuits != 1 {
		t.Fatalf("collapsed circuits = %v, want 1", g.CollapsedCircuits)
	}
	if g.SuccessfulCircuitsClosed != 0 {
		t.Fatalf("successful closes = %v, want 0", g.SuccessfulCircuitsClosed)
	}
}

func TestMarkForCloseCountsSuccessfulCloseWhenLocallyInitiated(t *testing.T) {
	var guardID [20]byte
	guardID[0] = 4
	oc, acct, g := newTestOriginCircuit(guardID)
	oc.SetPathState(pathbias.StateBuildSucceeded)

	oc.MarkForClose(ReasonChannelClosed, true, acct, testLogger())

	if g.SuccessfulCircuitsClosed != 1 {
		t.Fatalf("successful closes = %v, want 1", g.SuccessfulCircuitsClosed)
	}
	if g.CollapsedCircuits != 0 {
		t.Fatalf("collapsed circuits = %v, want 0", g.CollapsedCircuits)
	}
}

func TestMarkForCloseOnTimeoutBumpsTimeouts(t *testing.T) {
	var guardID [20]byte
	guardID[0] = 5
	oc, acct, g := newTestOriginCircuit(guardID)
	oc.SetPathState(pathbias.StateBuildAttempted)

	oc.MarkForClose(ReasonTimeout, false, acct, testLogger())

	if g.Timeouts != 1 {
		t.Fatalf("timeouts = %v, want 1", g.Timeouts)
	}
}

// S2 — a first-hop connect failure reports CONNECTFAILED and must not
// touch guard counters (attempt counting happens at second-hop
// awaiting-keys, not at first-hop connect).
//
// A *link.Link whose Side is still circid.Neither (the zero value) has
// never completed a NETINFO exchange, so AllocateCircID fails before
// touching anything else on the link — including its unexported conn,
// which Create never reaches. That makes a bare &link.Link{} a safe stand-in
// for "dial succeeded but the peer never authenticated", letting this test
// drive Establish itself instead of hand-building the error it returns.
func TestEstablishConnectFailureReportsConnectFailed(t *testing.T) {
	var ntorKey [32]byte
	path := []extendinfo.ExtendInfo{{
		IdentityDigest: [20]byte{9},
		NtorOnionKey:   &ntorKey,
		Addr:           netip.MustParseAddr("127.0.0.1"),
		Port:           9001,
	}}

	_, err := Establish(context.Background(), &link.Link{}, path, pathbias.PurposeGeneral, BuildFlags{}, nil, testLogger())
	if err == nil {
		t.Fatal("Establish succeeded over a link with no authenticated peer")
	}
	var closeErr *CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("error is not a *CloseError: %v", err)
	}
	if closeErr.Reason != ReasonConnectFailed {
		t.Fatalf("reason = %v, want CONNECTFAILED", closeErr.Reason)
	}
}
