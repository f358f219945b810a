package rules

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/notnil/chess"
)

// DefaultMaxPlies caps a game when no other rule ends it first.
const DefaultMaxPlies = 512

const (
	seventyFiveMoveClock = 150
	fivefoldRepetition   = 5
)

var uci = chess.UCINotation{}

// Chess implements Engine for standard chess with UCI move notation.
//
// A game is over on checkmate, stalemate, insufficient material, the
// seventy-five move rule, fivefold repetition, or once maxPlies half-moves
// have been played; the last four are draws.
type Chess struct {
	maxPlies int
}

// NewChess returns a chess engine that declares a draw after maxPlies
// half-moves. A non-positive maxPlies selects DefaultMaxPlies.
func NewChess(maxPlies int) *Chess {
	if maxPlies <= 0 {
		maxPlies = DefaultMaxPlies
	}
	return &Chess{maxPlies: maxPlies}
}

type chessPosition struct {
	pos *chess.Position
	ply int
	// history holds repetition keys since the last capture or pawn move,
	// ending with this position's own key.
	history []string
}

func (p *chessPosition) String() string { return p.pos.String() }

// Start returns the standard initial position.
func (c *Chess) Start() Position {
	return newChessPosition(chess.NewGame().Position())
}

// FromFEN returns the position described by fen, with an empty history.
func (c *Chess) FromFEN(fen string) (Position, error) {
	opt, err := chess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("rules: parse fen: %w", err)
	}
	return newChessPosition(chess.NewGame(opt).Position()), nil
}

func newChessPosition(pos *chess.Position) *chessPosition {
	return &chessPosition{pos: pos, history: []string{repetitionKey(pos)}}
}

func (c *Chess) LegalMoves(pos Position) []string {
	p := mustChess(pos)
	moves := p.pos.ValidMoves()
	out := make([]string, len(moves))
	for i, m := range moves {
		out[i] = uci.Encode(p.pos, m)
	}
	return out
}

func (c *Chess) SideToMove(pos Position) Color {
	if mustChess(pos).pos.Turn() == chess.Black {
		return Black
	}
	return White
}

func (c *Chess) Apply(pos Position, move string) (Position, error) {
	p := mustChess(pos)
	for _, m := range p.pos.ValidMoves() {
		if uci.Encode(p.pos, m) != move {
			continue
		}
		next := p.pos.Update(m)
		var history []string
		if halfMoveClock(next) > 0 {
			history = slices.Clone(p.history)
		}
		history = append(history, repetitionKey(next))
		return &chessPosition{pos: next, ply: p.ply + 1, history: history}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrIllegalMove, move)
}

func (c *Chess) Terminal(pos Position) (bool, Outcome) {
	p := mustChess(pos)

	switch p.pos.Status() {
	case chess.Checkmate:
		if p.pos.Turn() == chess.White {
			return true, OutcomeBlackWins
		}
		return true, OutcomeWhiteWins
	case chess.Stalemate:
		return true, OutcomeDraw
	}

	if insufficientMaterial(p.pos.Board()) ||
		halfMoveClock(p.pos) >= seventyFiveMoveClock ||
		repetitions(p) >= fivefoldRepetition ||
		p.ply >= c.maxPlies {
		return true, OutcomeDraw
	}
	return false, OutcomeNone
}

// mustChess unwraps a position produced by this engine. Positions from any
// other Engine are a programming error.
func mustChess(pos Position) *chessPosition {
	p, ok := pos.(*chessPosition)
	if !ok {
		panic(fmt.Sprintf("rules: %T is not a chess position", pos))
	}
	return p
}

// repetitionKey is the FEN without the move counters.
func repetitionKey(pos *chess.Position) string {
	fields := strings.Fields(pos.String())
	if len(fields) > 4 {
		fields = fields[:4]
	}
	return strings.Join(fields, " ")
}

func halfMoveClock(pos *chess.Position) int {
	fields := strings.Fields(pos.String())
	if len(fields) < 5 {
		return 0
	}
	n, err := strconv.Atoi(fields[4])
	if err != nil {
		return 0
	}
	return n
}

func repetitions(p *chessPosition) int {
	current := p.history[len(p.history)-1]
	n := 0
	for _, k := range p.history {
		if k == current {
			n++
		}
	}
	return n
}

// insufficientMaterial reports a dead position: bare kings, a single minor
// piece, or bishops that all stand on one square colour.
func insufficientMaterial(b *chess.Board) bool {
	minors, knights := 0, 0
	bishopSquareColors := map[int]bool{}
	for sq, piece := range b.SquareMap() {
		switch piece.Type() {
		case chess.King:
		case chess.Knight:
			minors++
			knights++
		case chess.Bishop:
			minors++
			bishopSquareColors[(int(sq.File())+int(sq.Rank()))%2] = true
		default:
			return false
		}
	}
	if minors <= 1 {
		return true
	}
	return knights == 0 && len(bishopSquareColors) == 1
}
