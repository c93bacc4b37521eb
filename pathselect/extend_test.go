package pathselect

import (
	"testing"

	"github.com/cvsouth/tor-go/directory"
	"github.com/cvsouth/tor-go/guard"
)

func TestNewRouteLenRejectsBelowTwo(t *testing.T) {
	if _, err := NewRouteLen(PurposeGeneral, false, 1); err == nil {
		t.Fatal("expected error for route length below 2")
	}
}

func TestNewRouteLenClampsAtThree(t *testing.T) {
	n, err := NewRouteLen(PurposeGeneral, false, 10)
	if err != nil {
		t.Fatalf("NewRouteLen: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected clamp to 3, got %d", n)
	}
}

func TestNewRouteLenAddsHopForSpecifiedExit(t *testing.T) {
	n, err := NewRouteLen(PurposeGeneral, true, 3)
	if err != nil {
		t.Fatalf("NewRouteLen: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 hops for specified exit, got %d", n)
	}
}

func TestNewRouteLenTestingPurposeIgnoresSpecifiedExit(t *testing.T) {
	n, err := NewRouteLen(PurposeTesting, true, 2)
	if err != nil {
		t.Fatalf("NewRouteLen: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected testing purpose to skip +1, got %d", n)
	}
}

func TestExpandFamilyExcludesDeclaredAndReciprocal(t *testing.T) {
	a := directory.Relay{Nickname: "a", Family: []string{"b"}}
	a.Identity = [20]byte{1}
	b := directory.Relay{Nickname: "b"}
	b.Identity = [20]byte{2}
	c := directory.Relay{Nickname: "c", Family: []string{"a"}}
	c.Identity = [20]byte{3}
	d := directory.Relay{Nickname: "d"}
	d.Identity = [20]byte{4}

	candidates := []directory.Relay{a, b, c, d}
	excluded := ExpandFamily(candidates, a)

	if !excluded[a.Identity] || !excluded[b.Identity] || !excluded[c.Identity] {
		t.Fatalf("expected a, b, c excluded, got %v", excluded)
	}
	if excluded[d.Identity] {
		t.Fatal("expected d not excluded")
	}
}

func TestSelectMiddleExcludingAvoidsCommittedAndSubnet(t *testing.T) {
	c := testConsensus()
	guard := c.Relays[1] // Guard2, 5.6.7.8
	exit := c.Relays[3]  // Exit4, 20.30.40.50

	for i := 0; i < 50; i++ {
		middle, err := SelectMiddleExcluding(c, []directory.Relay{guard, exit})
		if err != nil {
			t.Fatalf("SelectMiddleExcluding: %v", err)
		}
		if middle.Identity == guard.Identity || middle.Identity == exit.Identity {
			t.Fatal("selected a committed hop")
		}
	}
}

func TestSelectExitConstrainedRespectsExcludeNodes(t *testing.T) {
	c := testConsensus()
	excl := map[[20]byte]bool{c.Relays[3].Identity: true} // exclude Exit4

	for i := 0; i < 50; i++ {
		exit, err := SelectExitConstrained(c, ExitConstraints{ExcludeNodes: excl})
		if err != nil {
			t.Fatalf("SelectExitConstrained: %v", err)
		}
		if exit.Identity == c.Relays[3].Identity {
			t.Fatal("selected an excluded exit")
		}
	}
}

func TestSelectEntryFallsBackWithoutGuards(t *testing.T) {
	c := testConsensus()
	entry, err := SelectEntry(c, nil, PurposeGeneral, nil)
	if err != nil {
		t.Fatalf("SelectEntry: %v", err)
	}
	if !entry.Flags.Guard {
		t.Fatal("expected a Guard-flagged relay")
	}
}

func TestSelectEntryUsesGuardStoreWhenPopulated(t *testing.T) {
	c := testConsensus()
	gs := guard.NewStore()
	gs.Add(c.Relays[1].Identity, c.Relays[1].Nickname) // Guard2

	entry, err := SelectEntry(c, gs, PurposeGeneral, nil)
	if err != nil {
		t.Fatalf("SelectEntry: %v", err)
	}
	if entry.Identity != c.Relays[1].Identity {
		t.Fatalf("expected the stored guard, got %s", entry.Nickname)
	}
}
