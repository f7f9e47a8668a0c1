package game

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Fixed rules. Changing any of these changes every recorded result.
const (
	GridWidth  = 20
	GridHeight = 20
	// MaxFrames bounds a replay regardless of transcript length.
	MaxFrames = 10_000

	startX = 10
	startY = 10

	foodRetries = 64
)

// Result is the outcome of one replay.
type Result struct {
	Score       uint64 `json:"score"`
	ContentHash string `json:"content_hash"`
	Frames      uint32 `json:"frames"`   // moves completed before stopping
	Collided    bool   `json:"collided"` // false when the frame cap stopped play
}

type point struct{ x, y int }

func (p point) in() bool { return p.x >= 0 && p.x < GridWidth && p.y >= 0 && p.y < GridHeight }

func (p point) idx() int { return p.y*GridWidth + p.x }

// board tracks the body as a queue (tail first, head last) plus an occupancy grid.
type board struct {
	body []point
	occ  [GridWidth * GridHeight]bool
}

func (b *board) head() point { return b.body[len(b.body)-1] }

func (b *board) push(p point) {
	b.body = append(b.body, p)
	b.occ[p.idx()] = true
}

func (b *board) popTail() {
	b.occ[b.body[0].idx()] = false
	b.body = b.body[1:]
}

// placeFood draws a free cell from g; after foodRetries misses it takes the
// first free cell in row-major order. ok is false when the grid is full.
func (b *board) placeFood(g *rng) (point, bool) {
	for i := 0; i < foodRetries; i++ {
		p := point{x: int(g.next() % GridWidth), y: int(g.next() % GridHeight)}
		if !b.occ[p.idx()] {
			return p, true
		}
	}
	for i, taken := range b.occ {
		if !taken {
			return point{x: i % GridWidth, y: i / GridWidth}, true
		}
	}
	return point{}, false
}

// Replay recomputes score and content hash from seed and events. Events are
// normalized (stable-sorted by frame) first; the caller's slice is untouched.
// Events must already pass ValidateEvents.
func Replay(seed []byte, events []InputEvent) Result {
	evs := Normalize(events)
	res := Result{ContentHash: ContentHash(evs)}

	g := newRNG(seed)
	b := &board{}
	b.push(point{x: startX, y: startY})
	dir := Right
	food, hasFood := b.placeFood(g)

	next := 0
	for frame := uint32(0); frame < MaxFrames; frame++ {
		for next < len(evs) && evs[next].Frame <= frame {
			if evs[next].Frame == frame && evs[next].Dir.Valid() && !evs[next].Dir.Reverses(dir) {
				dir = evs[next].Dir
			}
			next++
		}

		h := b.head()
		nh := point{x: h.x + int(dir.DX), y: h.y + int(dir.DY)}
		if !nh.in() || b.occ[nh.idx()] {
			res.Collided = true
			return res
		}
		b.push(nh)
		if hasFood && nh == food {
			res.Score++
			food, hasFood = b.placeFood(g)
		} else {
			b.popTail()
		}
		res.Frames = frame + 1
	}
	return res
}

// ContentHash is the hex SHA-256 of the canonical encoding of events in the
// order given: per event a 4-byte big-endian frame, then dx and dy as one
// byte each. Pass a normalized list to hash a transcript.
func ContentHash(events []InputEvent) string {
	h := sha256.New()
	var rec [6]byte
	for _, ev := range events {
		binary.BigEndian.PutUint32(rec[:4], ev.Frame)
		rec[4] = byte(ev.Dir.DX)
		rec[5] = byte(ev.Dir.DY)
		h.Write(rec[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// TranscriptHash normalizes events and returns their content hash. Clients
// use it to compute the hash they claim alongside a score.
func TranscriptHash(events []InputEvent) string {
	return ContentHash(Normalize(events))
}
