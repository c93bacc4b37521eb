package pathbias

import (
	"log/slog"
	"io"
	"testing"

	"github.com/cvsouth/tor-go/guard"
)

// fakeCircuit is a minimal Classifiable test double.
type fakeCircuit struct {
	id             uint64
	purpose        Purpose
	onehop         bool
	pathLen        int
	state          PathState
	shouldCount    ShouldCount
	opened         bool
	guardIdentity  [20]byte
	hasGuard       bool
}

func (c *fakeCircuit) Purpose() Purpose                    { return c.purpose }
func (c *fakeCircuit) OnehopTunnel() bool                  { return c.onehop }
func (c *fakeCircuit) DesiredPathLen() int                 { return c.pathLen }
func (c *fakeCircuit) PathState() PathState                { return c.state }
func (c *fakeCircuit) SetPathState(s PathState)            { c.state = s }
func (c *fakeCircuit) ShouldCountCache() ShouldCount        { return c.shouldCount }
func (c *fakeCircuit) SetShouldCountCache(v ShouldCount)    { c.shouldCount = v }
func (c *fakeCircuit) HasOpened() bool                     { return c.opened }
func (c *fakeCircuit) GuardIdentity() ([20]byte, bool)      { return c.guardIdentity, c.hasGuard }
func (c *fakeCircuit) GlobalID() uint64                     { return c.id }

func newFakeCircuit(id [20]byte) *fakeCircuit {
	return &fakeCircuit{pathLen: 3, guardIdentity: id, hasGuard: true}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAccountant() (*Accountant, *guard.Store, *guard.Record) {
	gs := guard.NewStore()
	var id [20]byte
	id[0] = 1
	g := gs.Add(id, "test-guard")
	a := NewAccountant(DefaultOptions(), gs, nil, testLogger())
	return a, gs, g
}

func TestShouldCountExcludesOneHop(t *testing.T) {
	a, _, g := newTestAccountant()
	c := newFakeCircuit(g.Identity)
	c.onehop = true
	if a.ShouldCount(c) {
		t.Fatal("expected one-hop circuit to be excluded")
	}
	if c.ShouldCountCache() != ShouldCountIgnored {
		t.Fatalf("expected cache Ignored, got %v", c.ShouldCountCache())
	}
}

func TestShouldCountExcludesTestingPurpose(t *testing.T) {
	a, _, g := newTestAccountant()
	c := newFakeCircuit(g.Identity)
	c.purpose = PurposeTesting
	if a.ShouldCount(c) {
		t.Fatal("expected testing-purpose circuit to be excluded")
	}
}

func TestShouldCountIncludesGeneral(t *testing.T) {
	a, _, g := newTestAccountant()
	c := newFakeCircuit(g.Identity)
	if !a.ShouldCount(c) {
		t.Fatal("expected general-purpose circuit to be counted")
	}
	if c.ShouldCountCache() != ShouldCountCounted {
		t.Fatalf("expected cache Counted, got %v", c.ShouldCountCache())
	}
}

func TestCountBuildAttemptTransitionsState(t *testing.T) {
	a, _, g := newTestAccountant()
	c := newFakeCircuit(g.Identity)
	if err := a.CountBuildAttempt(c, true); err != nil {
		t.Fatalf("CountBuildAttempt: %v", err)
	}
	if c.PathState() != StateBuildAttempted {
		t.Fatalf("expected build_attempted, got %v", c.PathState())
	}
	if g.CircAttempts != 1 {
		t.Fatalf("expected circ_attempts=1, got %v", g.CircAttempts)
	}
}

func TestCountBuildAttemptSkipsCannibalized(t *testing.T) {
	a, _, g := newTestAccountant()
	c := newFakeCircuit(g.Identity)
	c.opened = true
	if err := a.CountBuildAttempt(c, true); err != nil {
		t.Fatalf("CountBuildAttempt: %v", err)
	}
	if g.CircAttempts != 0 {
		t.Fatalf("expected no count for cannibalized circuit, got %v", g.CircAttempts)
	}
}

func TestFullLifecycleCountsUseSuccessAtClose(t *testing.T) {
	a, _, g := newTestAccountant()
	c := newFakeCircuit(g.Identity)

	if err := a.CountBuildAttempt(c, true); err != nil {
		t.Fatalf("CountBuildAttempt: %v", err)
	}
	a.CountBuildSuccess(c)
	if c.PathState() != StateBuildSucceeded {
		t.Fatalf("expected build_succeeded, got %v", c.PathState())
	}

	a.CountUseAttempt(c)
	if g.UseAttempts != 1 {
		t.Fatalf("expected use_attempts=1, got %v", g.UseAttempts)
	}

	a.MarkUseSuccess(c)
	if c.PathState() != StateUseSucceeded {
		t.Fatalf("expected use_succeeded, got %v", c.PathState())
	}

	action, err := a.CheckClose(c, false, false, false)
	if err != nil {
		t.Fatalf("CheckClose: %v", err)
	}
	if action != CloseNow {
		t.Fatalf("expected CloseNow, got %v", action)
	}
	if g.SuccessfulCircuitsClosed != 1 {
		t.Fatalf("expected successful_circuits_closed=1, got %v", g.SuccessfulCircuitsClosed)
	}
	if g.UseSuccesses != 1 {
		t.Fatalf("expected use_successes=1, got %v", g.UseSuccesses)
	}
	if c.PathState() != StateAlreadyCounted {
		t.Fatalf("expected already_counted, got %v", c.PathState())
	}
}

func TestCheckCloseCollapseOnRemoteClose(t *testing.T) {
	a, _, g := newTestAccountant()
	c := newFakeCircuit(g.Identity)
	c.state = StateBuildSucceeded

	if _, err := a.CheckClose(c, true, false, false); err != nil {
		t.Fatalf("CheckClose: %v", err)
	}
	if g.CollapsedCircuits != 1 {
		t.Fatalf("expected collapsed_circuits=1, got %v", g.CollapsedCircuits)
	}
	if g.SuccessfulCircuitsClosed != 0 {
		t.Fatalf("expected no successful close counted, got %v", g.SuccessfulCircuitsClosed)
	}
}

func TestCheckCloseDefersProbeOnUseAttempted(t *testing.T) {
	a, _, g := newTestAccountant()
	c := newFakeCircuit(g.Identity)
	c.state = StateUseAttempted

	action, err := a.CheckClose(c, false, false, false)
	if err != nil {
		t.Fatalf("CheckClose: %v", err)
	}
	if action != CloseDeferredForProbe {
		t.Fatalf("expected CloseDeferredForProbe, got %v", action)
	}
	if c.PathState() != StateUseAttempted {
		t.Fatalf("expected state unchanged pending probe, got %v", c.PathState())
	}
}

func TestCheckProbeResponseMatchedCountsSuccess(t *testing.T) {
	a, _, g := newTestAccountant()
	c := newFakeCircuit(g.Identity)
	c.state = StateUseAttempted

	a.CheckProbeResponse(c, true)
	if g.UseSuccesses != 1 {
		t.Fatalf("expected use_successes=1, got %v", g.UseSuccesses)
	}
	if g.SuccessfulCircuitsClosed != 1 {
		t.Fatalf("expected successful_circuits_closed=1, got %v", g.SuccessfulCircuitsClosed)
	}
	if c.PathState() != StateAlreadyCounted {
		t.Fatalf("expected already_counted, got %v", c.PathState())
	}
}

func TestCheckProbeResponseUnmatchedCountsUnusable(t *testing.T) {
	a, _, g := newTestAccountant()
	c := newFakeCircuit(g.Identity)
	c.state = StateUseAttempted

	a.CheckProbeResponse(c, false)
	if g.UnusableCircuits != 1 {
		t.Fatalf("expected unusable_circuits=1, got %v", g.UnusableCircuits)
	}
}

// TestScaleCloseRatesMatchesReferenceScenario reproduces the scaling
// scenario worked out against the original source: a guard with
// circ_attempts=301, circ_successes=250, successful_circuits_closed=240
// scales (at scale_ratio=0.5) to 150.5/125/120, then the attempt in
// progress bumps circ_attempts to 151.5.
func TestScaleCloseRatesMatchesReferenceScenario(t *testing.T) {
	a, _, g := newTestAccountant()
	g.CircAttempts = 301
	g.CircSuccesses = 250
	g.SuccessfulCircuitsClosed = 240

	c := newFakeCircuit(g.Identity)
	if err := a.CountBuildAttempt(c, true); err != nil {
		t.Fatalf("CountBuildAttempt: %v", err)
	}

	if g.CircAttempts != 151.5 {
		t.Fatalf("expected circ_attempts=151.5 after scale+attempt, got %v", g.CircAttempts)
	}
	if g.CircSuccesses != 125 {
		t.Fatalf("expected circ_successes=125, got %v", g.CircSuccesses)
	}
	if g.SuccessfulCircuitsClosed != 120 {
		t.Fatalf("expected successful_circuits_closed=120, got %v", g.SuccessfulCircuitsClosed)
	}
}

func TestMeasureCloseRateLatchesExtremeAlert(t *testing.T) {
	a, _, g := newTestAccountant()
	g.CircAttempts = 200
	g.SuccessfulCircuitsClosed = 50 // rate 0.25 < extremepct 0.30

	a.measureCloseRate(g)
	if !g.PathBiasExtreme {
		t.Fatal("expected extreme alert latched")
	}
	if g.PathBiasDisabled {
		t.Fatal("expected guard not disabled when DropGuards is false")
	}
}

func TestMeasureCloseRateBelowMinCircsNoOp(t *testing.T) {
	a, _, g := newTestAccountant()
	g.CircAttempts = 10
	g.SuccessfulCircuitsClosed = 0

	a.measureCloseRate(g)
	if g.PathBiasExtreme || g.PathBiasWarned || g.PathBiasNoticed {
		t.Fatal("expected no alert below pb_mincircs")
	}
}

func TestNewProbeNonceFormat(t *testing.T) {
	p, err := NewProbe()
	if err != nil {
		t.Fatalf("NewProbe: %v", err)
	}
	if p.Port != 25 {
		t.Fatalf("expected port 25, got %d", p.Port)
	}
	n := p.NonceUint32()
	if n>>24 != 0 {
		t.Fatalf("expected top byte zero (0.a.b.c), got 0x%x", n)
	}
}
