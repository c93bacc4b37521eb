// Package pathbias implements the path-bias accountant: per-guard
// statistical accounting that detects adversarial path manipulation by an
// entry guard, per spec §4.6. Grounded on pathbias_* in the original Tor
// source (circuitbuild.c): pathbias_should_count, pathbias_count_build_attempt,
// pathbias_count_build_success, pathbias_count_use_attempt,
// pathbias_mark_use_success, pathbias_mark_use_rollback, pathbias_check_close,
// pathbias_count_circs_in_states, pathbias_measure_close_rate,
// pathbias_measure_use_rate, pathbias_scale_close_rates, pathbias_scale_use_rates.
package pathbias

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/cvsouth/tor-go/guard"
	"github.com/cvsouth/tor-go/internal/ratelim"
)

// PathState is a circuit's path-bias lifecycle state (spec §3).
type PathState int

const (
	StateNewCirc PathState = iota
	StateBuildAttempted
	StateBuildSucceeded
	StateUseAttempted
	StateUseSucceeded
	StateUseFailed
	StateAlreadyCounted
)

func (s PathState) String() string {
	switch s {
	case StateNewCirc:
		return "new"
	case StateBuildAttempted:
		return "build attempted"
	case StateBuildSucceeded:
		return "build succeeded"
	case StateUseAttempted:
		return "use attempted"
	case StateUseSucceeded:
		return "use succeeded"
	case StateUseFailed:
		return "use failed"
	case StateAlreadyCounted:
		return "already counted"
	default:
		return "unknown"
	}
}

// ShouldCount caches whether a circuit should be counted at all; set once
// and checked for unexpected flips (a symptom of purpose-change abuse).
type ShouldCount int

const (
	ShouldCountUnset ShouldCount = iota
	ShouldCountIgnored
	ShouldCountCounted
)

// Purpose is the subset of circuit purposes the accountant must
// distinguish (spec §4.6 "What counts").
type Purpose int

const (
	PurposeGeneral Purpose = iota
	PurposeTesting
	PurposeController
	PurposeServiceRendConnect
	PurposeServiceRendJoined
	PurposeClientIntroducing // covers all client-side intro states
	PurposePathBiasTesting
)

// Classifiable is the minimal view of a circuit the accountant needs.
// circuit.OriginCircuit satisfies this.
type Classifiable interface {
	Purpose() Purpose
	OnehopTunnel() bool
	DesiredPathLen() int
	PathState() PathState
	SetPathState(PathState)
	ShouldCountCache() ShouldCount
	SetShouldCountCache(ShouldCount)
	HasOpened() bool
	GuardIdentity() ([20]byte, bool)
	GlobalID() uint64
}

// CircuitLister is the external "global circuit list" collaborator (spec
// §5/§9): it must be able to count currently-open circuits at a guard in a
// given path-state range, so in-flight circuits get the benefit of the
// doubt (spec §4.6 "Success counts add open circuits").
type CircuitLister interface {
	OpenCircuitsInStates(guardIdentity [20]byte, from, to PathState) int
}

// Options holds the eleven path-bias tunables of spec §4.6, each an
// option-override-or-consensus-parameter with the given default.
type Options struct {
	MinCircs      int     // pb_mincircs, default 150
	NoticePct     float64 // pb_noticepct, default 0.70
	WarnPct       float64 // pb_warnpct, default 0.50
	ExtremePct    float64 // pb_extremepct, default 0.30
	ScaleCircs    int     // pb_scalecircs, default 300
	MinUse        int     // pb_minuse, default 20
	NoticeUsePct  float64 // pb_noticeusepct, default 0.80
	ExtremeUsePct float64 // pb_extremeusepct, default 0.60
	ScaleUse      int     // pb_scaleuse, default 100
	ScaleRatio    float64 // pb_multfactor/pb_scalefactor, default 0.5
	DropGuards    bool    // pb_dropguards, default false
}

// DefaultOptions returns the spec's default tunables.
func DefaultOptions() Options {
	return Options{
		MinCircs:      150,
		NoticePct:     0.70,
		WarnPct:       0.50,
		ExtremePct:    0.30,
		ScaleCircs:    300,
		MinUse:        20,
		NoticeUsePct:  0.80,
		ExtremeUsePct: 0.60,
		ScaleUse:      100,
		ScaleRatio:    0.5,
		DropGuards:    false,
	}
}

// Accountant drives the per-guard statistical accounting.
type Accountant struct {
	Opts    Options
	Guards  *guard.Store
	Circs   CircuitLister
	Logger  *slog.Logger
	UseGuards bool // entry guards enabled; false disables all counting

	noticeLimiter    ratelim.Limiter
	warnLimiter      ratelim.Limiter
	extremeLimiter   ratelim.Limiter
	useNoticeLimiter ratelim.Limiter
	useExtremeLimiter ratelim.Limiter
	bugLimiter       ratelim.Limiter
}

// NewAccountant builds an Accountant with rate limiters initialized to the
// 600-second interval the original source uses for its noisiest messages.
func NewAccountant(opts Options, guards *guard.Store, circs CircuitLister, logger *slog.Logger) *Accountant {
	if logger == nil {
		logger = slog.Default()
	}
	interval := 600 * time.Second
	a := &Accountant{Opts: opts, Guards: guards, Circs: circs, Logger: logger, UseGuards: true}
	a.noticeLimiter = ratelim.Limiter{Interval: interval}
	a.warnLimiter = ratelim.Limiter{Interval: interval}
	a.extremeLimiter = ratelim.Limiter{Interval: interval}
	a.useNoticeLimiter = ratelim.Limiter{Interval: interval}
	a.useExtremeLimiter = ratelim.Limiter{Interval: interval}
	a.bugLimiter = ratelim.Limiter{Interval: interval}
	return a
}

func isClientIntroPurpose(p Purpose) bool {
	return p == PurposeClientIntroducing
}

// ShouldCount decides whether the accountant should count this circuit at
// all (spec §4.6 "What counts"), caching the result on the circuit and
// logging if a cached decision would flip (a bug symptom).
func (a *Accountant) ShouldCount(c Classifiable) bool {
	ignore := !a.UseGuards ||
		c.Purpose() == PurposeTesting ||
		c.Purpose() == PurposeController ||
		c.Purpose() == PurposeServiceRendConnect ||
		c.Purpose() == PurposeServiceRendJoined ||
		isClientIntroPurpose(c.Purpose())

	if ignore {
		if c.ShouldCountCache() == ShouldCountCounted && c.PathState() != StateAlreadyCounted {
			a.logBug(c, "circuit is now being ignored despite being counted in the past")
		}
		c.SetShouldCountCache(ShouldCountIgnored)
		return false
	}

	if c.OnehopTunnel() || c.DesiredPathLen() == 1 {
		if c.ShouldCountCache() == ShouldCountCounted {
			a.logBug(c, "one-hop circuit is now being ignored despite being counted in the past")
		}
		c.SetShouldCountCache(ShouldCountIgnored)
		return false
	}

	if c.ShouldCountCache() == ShouldCountIgnored {
		a.logBug(c, "circuit is now being counted despite being ignored in the past")
	}
	c.SetShouldCountCache(ShouldCountCounted)
	return true
}

func (a *Accountant) logBug(c Classifiable, msg string) {
	if a.bugLimiter.Allow(time.Now()) {
		a.Logger.Info("pathbias: "+msg, "circuit", c.GlobalID(), "path_state", c.PathState().String())
	}
}

// IsNewCircAttempt reports whether circ has reached the moment an
// adversary could first end-to-end tag it: the second hop entering
// awaiting_keys (spec §4.6 "Attempt counting point").
func IsNewCircAttempt(secondHopAwaitingKeys bool) bool {
	return secondHopAwaitingKeys
}

// CountBuildAttempt is called when the second hop of circ enters
// awaiting_keys. It transitions new_circ -> build_attempted and bumps
// guard.circ_attempts, after running the close-rate check and scaling.
func (a *Accountant) CountBuildAttempt(c Classifiable, secondHopAwaitingKeys bool) error {
	if !a.ShouldCount(c) {
		return nil
	}
	if !IsNewCircAttempt(secondHopAwaitingKeys) {
		return nil
	}
	// Cannibalized circuits (already opened) don't contribute to build counts.
	if c.HasOpened() {
		return nil
	}

	id, ok := c.GuardIdentity()
	if !ok {
		return nil
	}
	g := a.Guards.GetByIDDigest(id)
	if g == nil {
		return nil
	}

	if c.PathState() != StateNewCirc {
		a.logBug(c, "unopened circuit has strange path state")
		return nil
	}
	c.SetPathState(StateBuildAttempted)

	a.measureCloseRate(g)
	if g.PathBiasDisabled {
		return fmt.Errorf("pathbias: guard %x disabled by path bias", g.Identity)
	}
	a.scaleCloseRates(g)
	g.CircAttempts++
	a.Guards.MarkChanged()
	return nil
}

// CountBuildSuccess is called when the last hop's keys are derived on a
// non-cannibalized circuit (build_attempted -> build_succeeded).
func (a *Accountant) CountBuildSuccess(c Classifiable) {
	if !a.ShouldCount(c) {
		return
	}
	if c.HasOpened() {
		return
	}
	id, ok := c.GuardIdentity()
	if !ok {
		return
	}
	g := a.Guards.GetByIDDigest(id)
	if g == nil {
		return
	}
	if c.PathState() != StateBuildAttempted {
		a.logBug(c, "succeeded circuit is in strange path state")
		return
	}
	c.SetPathState(StateBuildSucceeded)
	g.CircSuccesses++
	a.Guards.MarkChanged()
}

// CountUseAttempt transitions build_succeeded -> use_attempted when a
// stream attaches to a built circuit, running use-rate measurement and
// use-scaling before bumping guard.use_attempts.
func (a *Accountant) CountUseAttempt(c Classifiable) {
	if !a.ShouldCount(c) {
		return
	}
	if c.PathState() != StateBuildSucceeded {
		a.logBug(c, "use attempted on circuit in strange path state")
		return
	}
	c.SetPathState(StateUseAttempted)

	id, ok := c.GuardIdentity()
	if !ok {
		return
	}
	g := a.Guards.GetByIDDigest(id)
	if g == nil {
		return
	}
	a.measureUseRate(g)
	a.scaleUseRates(g)
	g.UseAttempts++
	a.Guards.MarkChanged()
}

// MarkUseSuccess records the first successful end-to-end stream. It does
// NOT yet bump use_successes — that happens at close, because the circuit
// may roll back to use_attempted if a later stream fails.
func (a *Accountant) MarkUseSuccess(c Classifiable) {
	if !a.ShouldCount(c) {
		return
	}
	if c.PathState() == StateUseSucceeded {
		return
	}
	if c.PathState() != StateUseAttempted {
		a.logBug(c, "mark_use_success called on circuit not in use_attempted")
		a.CountUseAttempt(c)
	}
	c.SetPathState(StateUseSucceeded)
}

// MarkUseRollback reverts use_succeeded back to use_attempted, for a
// circuit whose successful stream was later detached/retried.
func (a *Accountant) MarkUseRollback(c Classifiable) {
	if c.PathState() == StateUseSucceeded {
		c.SetPathState(StateUseAttempted)
	}
}

// ProbeRequest is handed back to the circuit driver so it can send the
// end-of-life probe cell (spec §4.6 "End-of-life probe"); the accountant
// itself performs no cell I/O.
type ProbeRequest struct {
	Nonce    [3]byte // 0.a.b.c
	TargetIP string  // "a.b.c"
	Port     uint16  // always 25
}

// NewProbe generates a fresh probe nonce (a random 24-bit IPv4-shaped
// value, 0.a.b.c) and target string.
func NewProbe() (ProbeRequest, error) {
	var nonce [3]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return ProbeRequest{}, fmt.Errorf("pathbias: generate probe nonce: %w", err)
	}
	return ProbeRequest{
		Nonce:    nonce,
		TargetIP: fmt.Sprintf("%d.%d.%d", nonce[0], nonce[1], nonce[2]),
		Port:     25,
	}, nil
}

// NonceUint32 returns the probe nonce as a 0.a.b.c big-endian uint32, for
// comparison against an echoed RELAY_END address.
func (p ProbeRequest) NonceUint32() uint32 {
	buf := [4]byte{0, p.Nonce[0], p.Nonce[1], p.Nonce[2]}
	return binary.BigEndian.Uint32(buf[:])
}

// CloseAction tells the circuit driver what to do about a pending close.
type CloseAction int

const (
	CloseNow CloseAction = iota
	CloseDeferredForProbe
)

// CheckClose implements pathbias_check_close (spec §4.6 "Close
// accounting"). remoteClose and channelClosedByUs classify the close
// reason per the table in §4.6.
func (a *Accountant) CheckClose(c Classifiable, remoteClose, channelClosedReason, channelClosedByUs bool) (CloseAction, error) {
	if !a.ShouldCount(c) {
		return CloseNow, nil
	}

	switch c.PathState() {
	case StateBuildSucceeded:
		if remoteClose {
			a.countCollapse(c)
		} else if channelClosedReason && !channelClosedByUs {
			a.countCollapse(c)
		} else {
			a.countSuccessfulClose(c)
		}
	case StateUseAttempted:
		return CloseDeferredForProbe, nil
	case StateUseSucceeded:
		a.countSuccessfulClose(c)
		a.countUseSuccess(c)
	case StateUseFailed:
		a.countUseFailed(c)
	default:
		// new_circ, build_attempted, already_counted: nothing to count.
	}

	c.SetPathState(StateAlreadyCounted)
	return CloseNow, nil
}

// CheckProbeResponse implements pathbias_check_probe_response: call this
// after CheckClose returned CloseDeferredForProbe and a response (or
// timeout) for the probe has been observed. matched is true iff a single
// RELAY_END with reason EXIT_POLICY and the echoed nonce arrived.
func (a *Accountant) CheckProbeResponse(c Classifiable, matched bool) {
	if matched {
		a.MarkUseSuccess(c)
		a.countSuccessfulClose(c)
		a.countUseSuccess(c)
	} else {
		a.countUseFailed(c)
	}
	c.SetPathState(StateAlreadyCounted)
}

func (a *Accountant) countSuccessfulClose(c Classifiable) {
	id, ok := c.GuardIdentity()
	if !ok {
		return
	}
	g := a.Guards.GetByIDDigest(id)
	if g == nil {
		return
	}
	g.SuccessfulCircuitsClosed++
	a.Guards.MarkChanged()
}

func (a *Accountant) countCollapse(c Classifiable) {
	id, ok := c.GuardIdentity()
	if !ok {
		return
	}
	g := a.Guards.GetByIDDigest(id)
	if g == nil {
		return
	}
	g.CollapsedCircuits++
	a.Guards.MarkChanged()
}

func (a *Accountant) countUseFailed(c Classifiable) {
	id, ok := c.GuardIdentity()
	if !ok {
		return
	}
	g := a.Guards.GetByIDDigest(id)
	if g == nil {
		return
	}
	g.UnusableCircuits++
	a.Guards.MarkChanged()
}

func (a *Accountant) countUseSuccess(c Classifiable) {
	id, ok := c.GuardIdentity()
	if !ok {
		return
	}
	g := a.Guards.GetByIDDigest(id)
	if g == nil {
		return
	}
	g.UseSuccesses++
	a.Guards.MarkChanged()
}

// CountTimeout bumps guard.timeouts when a build times out (spec §4.4,
// §7). It is informational only and skipped for circuits that already
// succeeded at use (a circuit can be used successfully and still time out
// later, e.g. onion-service circuits whose peer declines further use).
func (a *Accountant) CountTimeout(c Classifiable) {
	if !a.ShouldCount(c) {
		return
	}
	if c.PathState() == StateUseSucceeded {
		return
	}
	id, ok := c.GuardIdentity()
	if !ok {
		return
	}
	g := a.Guards.GetByIDDigest(id)
	if g == nil {
		return
	}
	g.Timeouts++
	a.Guards.MarkChanged()
}

// closeSuccessCount implements pathbias_get_close_success_count: closed
// successes plus the benefit of the doubt for circuits still open in
// [build_succeeded, use_succeeded].
func (a *Accountant) closeSuccessCount(g *guard.Record) float64 {
	open := 0
	if a.Circs != nil {
		open = a.Circs.OpenCircuitsInStates(g.Identity, StateBuildSucceeded, StateUseSucceeded)
	}
	return g.SuccessfulCircuitsClosed + float64(open)
}

// useSuccessCount implements pathbias_get_use_success_count.
func (a *Accountant) useSuccessCount(g *guard.Record) float64 {
	open := 0
	if a.Circs != nil {
		open = a.Circs.OpenCircuitsInStates(g.Identity, StateUseAttempted, StateUseSucceeded)
	}
	return g.UseSuccesses + float64(open)
}

// measureCloseRate implements pathbias_measure_close_rate: strict "<" so a
// threshold of 0 disables the corresponding check.
func (a *Accountant) measureCloseRate(g *guard.Record) {
	if g.CircAttempts <= float64(a.Opts.MinCircs) {
		return
	}
	rate := a.closeSuccessCount(g) / g.CircAttempts
	switch {
	case rate < a.Opts.ExtremePct:
		if a.Opts.DropGuards {
			if !g.PathBiasDisabled {
				g.PathBiasDisabled = true
				g.BadSince = time.Now()
				a.Guards.MarkChanged()
				a.warnOnce(&a.extremeLimiter, "guard %x disabled: extreme circuit failure rate", g.Identity)
			}
			return
		}
		if !g.PathBiasExtreme {
			g.PathBiasExtreme = true
			a.warnOnce(&a.extremeLimiter, "guard %x is failing an extremely large fraction of circuits", g.Identity)
		}
	case rate < a.Opts.WarnPct:
		if !g.PathBiasWarned {
			g.PathBiasWarned = true
			a.warnOnce(&a.warnLimiter, "guard %x is failing a very large fraction of circuits", g.Identity)
		}
	case rate < a.Opts.NoticePct:
		if !g.PathBiasNoticed {
			g.PathBiasNoticed = true
			a.warnOnce(&a.noticeLimiter, "guard %x is failing more circuits than usual", g.Identity)
		}
	}
}

// measureUseRate implements pathbias_measure_use_rate.
func (a *Accountant) measureUseRate(g *guard.Record) {
	if g.UseAttempts <= float64(a.Opts.MinUse) {
		return
	}
	rate := a.useSuccessCount(g) / g.UseAttempts
	switch {
	case rate < a.Opts.ExtremeUsePct:
		if a.Opts.DropGuards {
			if !g.PathBiasDisabled {
				g.PathBiasDisabled = true
				g.BadSince = time.Now()
				a.Guards.MarkChanged()
				a.warnOnce(&a.useExtremeLimiter, "guard %x disabled: extreme stream failure rate", g.Identity)
			}
			return
		}
		if !g.PathBiasUseExtreme {
			g.PathBiasUseExtreme = true
			a.warnOnce(&a.useExtremeLimiter, "guard %x is failing to carry an extremely large fraction of streams", g.Identity)
		}
	case rate < a.Opts.NoticeUsePct:
		if !g.PathBiasUseNoticed {
			g.PathBiasUseNoticed = true
			a.warnOnce(&a.useNoticeLimiter, "guard %x is failing to carry more streams than usual", g.Identity)
		}
	}
}

func (a *Accountant) warnOnce(lim *ratelim.Limiter, format string, identity [20]byte) {
	if lim.Allow(time.Now()) {
		a.Logger.Warn(fmt.Sprintf(format, identity))
	}
}

// scaleCloseRates implements pathbias_scale_close_rates: when circ_attempts
// crosses the scale threshold, multiply the closed-history counters by
// scale_ratio, excluding currently-open circuits from the decay (subtract
// before scaling, re-add after), and verify attempts >= successes both
// before and after.
func (a *Accountant) scaleCloseRates(g *guard.Record) {
	if g.CircAttempts <= float64(a.Opts.ScaleCircs) {
		return
	}
	ratio := a.Opts.ScaleRatio

	var openedAttempts, openedBuilt int
	if a.Circs != nil {
		openedAttempts = a.Circs.OpenCircuitsInStates(g.Identity, StateBuildAttempted, StateBuildAttempted)
		openedBuilt = a.Circs.OpenCircuitsInStates(g.Identity, StateBuildSucceeded, StateUseFailed)
	}
	sane := g.CircAttempts >= g.CircSuccesses

	g.CircAttempts -= float64(openedAttempts + openedBuilt)
	g.CircSuccesses -= float64(openedBuilt)

	g.CircAttempts *= ratio
	g.CircSuccesses *= ratio
	g.Timeouts *= ratio
	g.SuccessfulCircuitsClosed *= ratio
	g.CollapsedCircuits *= ratio
	g.UnusableCircuits *= ratio

	g.CircAttempts += float64(openedAttempts + openedBuilt)
	g.CircSuccesses += float64(openedBuilt)

	a.Guards.MarkChanged()

	if sane && g.CircAttempts < g.CircSuccesses {
		a.Logger.Warn("pathbias: scaling mangled circuit counts", "guard", fmt.Sprintf("%x", g.Identity),
			"attempts", g.CircAttempts, "successes", g.CircSuccesses)
	}
}

// scaleUseRates implements pathbias_scale_use_rates.
func (a *Accountant) scaleUseRates(g *guard.Record) {
	if g.UseAttempts <= float64(a.Opts.ScaleUse) {
		return
	}
	ratio := a.Opts.ScaleRatio

	var openedAttempts int
	if a.Circs != nil {
		openedAttempts = a.Circs.OpenCircuitsInStates(g.Identity, StateUseAttempted, StateUseSucceeded)
	}
	sane := g.UseAttempts >= g.UseSuccesses

	g.UseAttempts -= float64(openedAttempts)
	g.UseAttempts *= ratio
	g.UseSuccesses *= ratio
	g.UseAttempts += float64(openedAttempts)

	a.Guards.MarkChanged()

	if sane && g.UseAttempts < g.UseSuccesses {
		a.Logger.Warn("pathbias: scaling mangled use counts", "guard", fmt.Sprintf("%x", g.Identity),
			"attempts", g.UseAttempts, "successes", g.UseSuccesses)
	}
}
