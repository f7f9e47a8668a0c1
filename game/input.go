package game

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Direction is a unit step on one axis. The zero value is invalid.
type Direction struct {
	DX int8 `json:"dx"`
	DY int8 `json:"dy"`
}

// The four legal directions. Y grows downward.
var (
	Up    = Direction{DX: 0, DY: -1}
	Down  = Direction{DX: 0, DY: 1}
	Left  = Direction{DX: -1, DY: 0}
	Right = Direction{DX: 1, DY: 0}
)

var directionNames = map[string]Direction{
	"up":    Up,
	"down":  Down,
	"left":  Left,
	"right": Right,
}

// Valid reports whether d is exactly one unit along one axis.
func (d Direction) Valid() bool {
	return abs8(d.DX)+abs8(d.DY) == 1
}

// Reverses reports whether d points straight back along o.
func (d Direction) Reverses(o Direction) bool {
	return d.DX == -o.DX && d.DY == -o.DY
}

func (d Direction) String() string {
	for name, v := range directionNames {
		if v == d {
			return name
		}
	}
	return fmt.Sprintf("(%d,%d)", d.DX, d.DY)
}

// UnmarshalJSON accepts {"dx":0,"dy":-1} or one of "up", "down", "left", "right".
func (d *Direction) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		v, ok := directionNames[strings.ToLower(name)]
		if !ok {
			return fmt.Errorf("unknown direction %q", name)
		}
		*d = v
		return nil
	}
	var raw struct {
		DX int8 `json:"dx"`
		DY int8 `json:"dy"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode direction: %w", err)
	}
	*d = Direction{DX: raw.DX, DY: raw.DY}
	return nil
}

func abs8(v int8) int {
	if v < 0 {
		return -int(v)
	}
	return int(v)
}

// InputEvent turns the snake toward Dir at the start of Frame.
type InputEvent struct {
	Frame uint32    `json:"frame"`
	Dir   Direction `json:"dir"`
}

// Normalize returns a copy of events stable-sorted by frame. Events sharing a
// frame keep their submitted order. The input slice is not modified.
func Normalize(events []InputEvent) []InputEvent {
	out := make([]InputEvent, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Frame < out[j].Frame })
	return out
}

// ValidateEvents rejects any event whose direction is not a unit axis vector.
func ValidateEvents(events []InputEvent) error {
	for i, ev := range events {
		if !ev.Dir.Valid() {
			return fmt.Errorf("event %d (frame %d): invalid direction %s", i, ev.Frame, ev.Dir)
		}
	}
	return nil
}
