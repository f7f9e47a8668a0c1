// Package game is the deterministic replay engine: a snake game on a fixed
// grid whose food placement is driven by a seed-derived generator.
//
// Replay is a pure function of (seed, input events). Every implementation
// that follows the constants and steps in this package yields the same score
// and content hash for the same inputs.
package game
