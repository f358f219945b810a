// Package rules defines the game rules contract used by the simulator and a
// chess implementation of it.
//
// All Engine methods are pure and in-process. Positions are immutable values:
// Apply returns a new position and never modifies its argument.
package rules

import "errors"

// ErrIllegalMove is returned by Apply for a move not legal in the position.
var ErrIllegalMove = errors.New("rules: illegal move")

// Color is a side of the board.
type Color int

const (
	White Color = iota
	Black
)

// Opponent returns the other side.
func (c Color) Opponent() Color {
	if c == White {
		return Black
	}
	return White
}

func (c Color) String() string {
	if c == White {
		return "white"
	}
	return "black"
}

// Outcome is how a finished game ended, from white's perspective.
type Outcome int

const (
	// OutcomeNone is reported for a position that is not terminal.
	OutcomeNone Outcome = iota
	OutcomeWhiteWins
	OutcomeBlackWins
	OutcomeDraw
)

func (o Outcome) String() string {
	switch o {
	case OutcomeWhiteWins:
		return "1-0"
	case OutcomeBlackWins:
		return "0-1"
	case OutcomeDraw:
		return "1/2-1/2"
	default:
		return "*"
	}
}

// Position is an opaque game state. String returns its notation as sent to
// the prediction service (FEN for chess).
type Position interface {
	String() string
}

// Engine answers rules questions about positions. Implementations enforce a
// ply cap so every game is finite.
type Engine interface {
	// Start returns the initial position.
	Start() Position
	// LegalMoves returns the legal moves in pos, in move notation.
	LegalMoves(pos Position) []string
	// SideToMove returns the side whose turn it is in pos.
	SideToMove(pos Position) Color
	// Apply plays move in pos and returns the resulting position.
	Apply(pos Position, move string) (Position, error)
	// Terminal reports whether pos ends the game and, if so, how.
	Terminal(pos Position) (bool, Outcome)
}
