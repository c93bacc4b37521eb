// Package circid allocates collision-free circuit identifiers on a channel.
//
// Grounded on get_unique_circ_id_by_chan in the original Tor source
// (circuitbuild.c): sequential linear probe from a per-channel cursor,
// OR-ing in the side bit owned by whichever end has the higher identity
// key digest, rejecting identifiers already bound on that channel.
package circid

import "fmt"

// Side is which end of a channel owns the high bit of the circuit ID space.
type Side int

const (
	// Neither means the peer did not authenticate an identity; allocation
	// on such a channel always fails.
	Neither Side = iota
	Lower
	Higher
)

// Channel is the capability this allocator needs from a link/connection.
type Channel interface {
	// NextCircID returns the next cursor value to try.
	NextCircID() uint32
	// SetNextCircID advances the cursor for the next call.
	SetNextCircID(v uint32)
	// Width is the number of non-side bits available (15 or 31 on a real
	// Tor link, depending on negotiated link protocol version).
	Width() int
	// SideBit reports which end of this channel owns the high bit.
	SideBit() Side
	// IsBound reports whether id is already in use on this channel.
	IsBound(id uint32) bool
	// Bind claims id for this channel. Returns false if already bound
	// (a racing allocation on the same channel, which should not happen
	// under the single-threaded event-loop model of §5, but is checked
	// defensively since Allocate is meant to be atomic-before-release).
	Bind(id uint32) bool
}

// Allocate returns an unused circuit identifier on ch, or an error if the
// channel's side bit is unowned or the space is exhausted.
func Allocate(ch Channel) (uint32, error) {
	side := ch.SideBit()
	if side == Neither {
		return 0, fmt.Errorf("circid: channel peer did not authenticate an identity")
	}

	width := ch.Width()
	if width <= 0 || width >= 32 {
		return 0, fmt.Errorf("circid: invalid channel width %d", width)
	}

	maxRange := uint32(1) << uint(width)
	var highBit uint32
	if side == Higher {
		highBit = maxRange
	}

	cursor := ch.NextCircID()
	for attempts := uint32(0); attempts < maxRange; attempts++ {
		test := cursor
		cursor++
		if test == 0 || test >= maxRange {
			test = 1
			cursor = 2
		}
		test |= highBit
		if !ch.IsBound(test) {
			ch.SetNextCircID(cursor)
			if !ch.Bind(test) {
				// Lost a race to bind; keep probing from the advanced cursor.
				continue
			}
			return test, nil
		}
	}
	ch.SetNextCircID(cursor)
	return 0, fmt.Errorf("circid: no unused circuit ID after %d attempts", maxRange)
}
