package pathselect

import (
	"fmt"

	"github.com/cvsouth/tor-go/directory"
	"github.com/cvsouth/tor-go/guard"
)

// Purpose distinguishes the handful of circuit purposes that change
// route-length or exit-exclusion rules (spec §4.2/§8).
type Purpose int

const (
	PurposeGeneral Purpose = iota
	PurposeTesting
	PurposeServiceEstablishIntro
)

// NewRouteLen implements the route-length boundary table of §8: refuse
// below 2, clamp an oversized acceptableCount, and add one hop for a
// pre-specified exit on any purpose other than pure testing or
// establishing an introduction point (those use the length the caller
// names exactly).
func NewRouteLen(purpose Purpose, exitSpecified bool, acceptableCount int) (int, error) {
	if acceptableCount < 2 {
		return 0, fmt.Errorf("pathselect: route length must be at least 2, got %d", acceptableCount)
	}
	n := acceptableCount
	if n > 3 {
		n = 3
	}
	if exitSpecified && purpose != PurposeTesting && purpose != PurposeServiceEstablishIntro {
		n++
	}
	return n, nil
}

// NodeConstraints narrows ChooseNode's candidate pool beyond the raw
// weight lookup: excluded identities (self, already-committed hops,
// ExcludeNodes) and a required weight-table column.
type NodeConstraints struct {
	Excluded   map[[20]byte]bool
	WeightKey  string // e.g. "Wgg", "Wmm", "Wee" — looked up via getWeight
	Default    int64  // weight fallback when WeightKey is absent from the consensus
}

// ChooseNode is the weighted-bandwidth node-selection capability this core
// only consumes (spec §1) — implemented here as the concrete stand-in the
// rest of the package links against, built from the teacher's
// weightedRandom + bandwidth-weight lookup.
func ChooseNode(consensus *directory.Consensus, candidates []directory.Relay, c NodeConstraints) (*directory.Relay, error) {
	w := getWeight(consensus, c.WeightKey, c.Default)

	var pool []directory.Relay
	var weights []int64
	for _, r := range candidates {
		if c.Excluded != nil && c.Excluded[r.Identity] {
			continue
		}
		pool = append(pool, r)
		weights = append(weights, r.Bandwidth*w/10000)
	}

	if len(pool) == 0 {
		return nil, fmt.Errorf("pathselect: no candidates after exclusion")
	}

	idx, err := weightedRandom(weights)
	if err != nil {
		return nil, err
	}
	return &pool[idx], nil
}

// ExpandFamily returns the identity digests of r and everyone r's declared
// family (and the family of anyone who lists r) names among candidates,
// grounded on nodelist_add_node_and_family's mutual-family expansion.
func ExpandFamily(candidates []directory.Relay, r directory.Relay) map[[20]byte]bool {
	excluded := map[[20]byte]bool{r.Identity: true}

	declared := make(map[string]bool, len(r.Family))
	for _, f := range r.Family {
		declared[f] = true
	}

	for _, cand := range candidates {
		if declared[cand.Nickname] {
			excluded[cand.Identity] = true
		}
		for _, f := range cand.Family {
			if f == r.Nickname {
				excluded[cand.Identity] = true
			}
		}
	}
	return excluded
}

// SelectEntry implements §4.2's entry-selection rule: dispatch to the
// entry-guard store when guards are in use and the purpose isn't
// pure-testing, else fall back to the teacher's random-with-exclusion
// path (used for one-off/testing circuits that must not consume guard
// rotation state).
func SelectEntry(consensus *directory.Consensus, guards *guard.Store, purpose Purpose, excluded map[[20]byte]bool) (*directory.Relay, error) {
	if guards != nil && purpose != PurposeTesting {
		rec, err := guards.ChooseRandomEntry()
		if err == nil {
			for _, r := range consensus.Relays {
				if r.Identity == rec.Identity {
					return &r, nil
				}
			}
		}
	}
	return SelectGuardExcluding(consensus, excluded)
}

// SelectGuardExcluding is SelectGuard generalized to an arbitrary exclusion
// set (every hop already committed in the in-progress cpath), not just a
// single exit relay.
func SelectGuardExcluding(consensus *directory.Consensus, excluded map[[20]byte]bool) (*directory.Relay, error) {
	var candidates []directory.Relay
	for _, r := range consensus.Relays {
		if !r.Flags.Guard || !r.Flags.Fast || !r.Flags.Running || !r.Flags.Valid || !r.HasNtorKey {
			continue
		}
		if excluded != nil && excluded[r.Identity] {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no suitable guard relays found")
	}
	return ChooseNode(consensus, candidates, NodeConstraints{WeightKey: "Wgg", Default: 10000})
}

// SelectMiddleExcluding generalizes SelectMiddle to exclude every hop
// already committed in the in-progress cpath (spec §4.2), not just a
// single guard and exit, plus each excluded hop's declared family and
// same-/16 subnet.
func SelectMiddleExcluding(consensus *directory.Consensus, committed []directory.Relay) (*directory.Relay, error) {
	excluded := make(map[[20]byte]bool, len(committed))
	excludedSubnets := make(map[string]bool, len(committed))
	for _, h := range committed {
		excluded[h.Identity] = true
		excludedSubnets[subnet16(h.Address)] = true
		for id := range ExpandFamily(consensus.Relays, h) {
			excluded[id] = true
		}
	}

	var candidates []directory.Relay
	for _, r := range consensus.Relays {
		if !r.Flags.Fast || !r.Flags.Running || !r.Flags.Valid || !r.HasNtorKey {
			continue
		}
		if excluded[r.Identity] || excludedSubnets[subnet16(r.Address)] {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no suitable middle relays found")
	}

	wmm := getWeight(consensus, "Wmm", 10000)
	wmg := getWeight(consensus, "Wmg", 10000)
	wme := getWeight(consensus, "Wme", 10000)
	wmd := getWeight(consensus, "Wmd", 10000)

	var weights []int64
	for _, r := range candidates {
		w := wmm
		switch {
		case r.Flags.Guard && r.Flags.Exit:
			w = wmd
		case r.Flags.Guard:
			w = wmg
		case r.Flags.Exit:
			w = wme
		}
		weights = append(weights, r.Bandwidth*w/10000)
	}

	idx, err := weightedRandom(weights)
	if err != nil {
		return nil, err
	}
	return &candidates[idx], nil
}

// ExitConstraints carries §4.2's exit-scoring inputs beyond the basic
// flag filter: predicted and pending port demand, and the three exclusion
// lists a client config can set.
type ExitConstraints struct {
	PredictedPorts  []uint16
	PendingPorts    []uint16
	ExcludeExitNodes map[[20]byte]bool
	ExcludeNodes     map[[20]byte]bool
	ExitNodes        map[[20]byte]bool // if non-empty, restrict to this set
	ExcludeSingleHop bool
}

// exitServesPorts reports whether r's summary would accept connections to
// every port in ports. The teacher's Relay has no exit-policy summary yet;
// until one is parsed, treat every Exit-flagged relay as serving every
// port (a conservative stand-in matching the teacher's existing filter,
// which never consulted an exit policy either).
func exitServesPorts(r directory.Relay, ports []uint16) bool {
	return true
}

// SelectExitConstrained implements the §4.2 exit scoring/exclusion rule:
// a first pass applying the node-set and port constraints, and (grounded
// on the original source's two-pass retry) a relaxed second pass dropping
// the port-demand filter if the strict pass found nothing.
// ExcludeSingleHop is not consulted.
func SelectExitConstrained(consensus *directory.Consensus, c ExitConstraints) (*directory.Relay, error) {
	build := func(relaxPorts bool) []directory.Relay {
		var candidates []directory.Relay
		for _, r := range consensus.Relays {
			if !r.Flags.Exit || r.Flags.BadExit || !r.Flags.Running || !r.Flags.Valid || !r.HasNtorKey {
				continue
			}
			if c.ExcludeExitNodes != nil && c.ExcludeExitNodes[r.Identity] {
				continue
			}
			if c.ExcludeNodes != nil && c.ExcludeNodes[r.Identity] {
				continue
			}
			if len(c.ExitNodes) > 0 && !c.ExitNodes[r.Identity] {
				continue
			}
			if !relaxPorts {
				wantPorts := c.PendingPorts
				if len(wantPorts) == 0 {
					wantPorts = c.PredictedPorts
				}
				if len(wantPorts) > 0 && !exitServesPorts(r, wantPorts) {
					continue
				}
			}
			candidates = append(candidates, r)
		}
		return candidates
	}

	candidates := build(false)
	if len(candidates) == 0 {
		candidates = build(true)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no suitable exit relays found")
	}

	wee := getWeight(consensus, "Wee", 10000)
	var weights []int64
	for _, r := range candidates {
		weights = append(weights, r.Bandwidth*wee/10000)
	}
	idx, err := weightedRandom(weights)
	if err != nil {
		return nil, err
	}
	return &candidates[idx], nil
}
