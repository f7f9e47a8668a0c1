// Package leaderboard ranks attested results in a fixed-capacity array.
//
// Order is score descending, then UpdatedAt descending: of two equal scores
// the more recent one ranks higher. Insertion places the candidate in the
// last free slot (or over the last-ranked entry when full) and bubbles it
// upward, so every operation touches at most Capacity slots.
package leaderboard

import (
	"fmt"

	"github.com/tolelom/tolarcade/core"
)

// Capacity is K, the maximum number of ranked entries.
const Capacity = 25

// Board is the bounded ordered collection. The zero value is an empty board.
type Board struct {
	slots [Capacity]core.LeaderboardEntry
	n     int
}

// Outcome reports what Consider did.
type Outcome struct {
	Inserted bool
	Rank     int    // 1-based rank of the candidate when inserted
	Evicted  string // player whose entry was overwritten, "" if none
}

// FromEntries rebuilds a board from entries stored in rank order.
func FromEntries(entries []core.LeaderboardEntry) (*Board, error) {
	if len(entries) > Capacity {
		return nil, fmt.Errorf("leaderboard has %d entries, capacity is %d", len(entries), Capacity)
	}
	b := &Board{}
	for i, e := range entries {
		if i > 0 && Outranks(e, entries[i-1]) {
			return nil, fmt.Errorf("leaderboard entry %d out of order", i)
		}
		b.slots[i] = e
	}
	b.n = len(entries)
	return b, nil
}

// Outranks reports whether a ranks strictly above b.
func Outranks(a, b core.LeaderboardEntry) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.UpdatedAt > b.UpdatedAt
}

// Len returns the number of ranked entries.
func (b *Board) Len() int { return b.n }

// Entries returns a copy of the ranked entries, best first.
func (b *Board) Entries() []core.LeaderboardEntry {
	out := make([]core.LeaderboardEntry, b.n)
	copy(out, b.slots[:b.n])
	return out
}

// Consider offers e to the board. Below capacity it is always inserted. At
// capacity it must outrank the last-ranked entry, whose slot it then takes.
func (b *Board) Consider(e core.LeaderboardEntry) Outcome {
	var out Outcome
	pos := b.n
	if b.n < Capacity {
		b.n++
	} else {
		pos = Capacity - 1
		if !Outranks(e, b.slots[pos]) {
			return Outcome{}
		}
		out.Evicted = b.slots[pos].Player
	}
	b.slots[pos] = e
	for pos > 0 && Outranks(b.slots[pos], b.slots[pos-1]) {
		b.slots[pos], b.slots[pos-1] = b.slots[pos-1], b.slots[pos]
		pos--
	}
	out.Inserted = true
	out.Rank = pos + 1
	return out
}

// BestRanks assigns position-based ranks in one pass and returns each
// present player's best (smallest) rank.
func (b *Board) BestRanks() map[string]int {
	ranks := make(map[string]int, b.n)
	for i := 0; i < b.n; i++ {
		p := b.slots[i].Player
		if _, ok := ranks[p]; !ok {
			ranks[p] = i + 1
		}
	}
	return ranks
}

// Min returns the last-ranked entry, if any.
func (b *Board) Min() (core.LeaderboardEntry, bool) {
	if b.n == 0 {
		return core.LeaderboardEntry{}, false
	}
	return b.slots[b.n-1], true
}
