// Package pgnsource adapts PGN shard files to the decoded game stream
// the book aggregator consumes. It owns everything the core treats as
// external: PGN parsing, move application, shard decompression and
// position-key derivation.
package pgnsource

import (
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/freeeve/pgn/v3"

	"github.com/freeeve/openbook/internal/book"
)

// Source streams decoded games from one PGN file (plain or .zst; the
// parser decompresses transparently).
type Source struct {
	games    <-chan *pgn.Game
	stop     func()
	parseErr func() error
	done     bool
}

// Open starts a streaming parse of the PGN file at path.
func Open(path string) (*Source, error) {
	parser := pgn.Games(path)
	return &Source{
		games:    parser.Games,
		stop:     parser.Stop,
		parseErr: parser.Err,
	}, nil
}

// Next returns the next decoded game as plies of (position key, move).
// A game that cannot be replayed is reported as book.ErrBadGame so the
// aggregator can skip it.
func (s *Source) Next() (*book.Game, error) {
	if s.done {
		return nil, io.EOF
	}
	game, ok := <-s.games
	if !ok {
		s.done = true
		if err := s.parseErr(); err != nil {
			return nil, fmt.Errorf("parse pgn: %w", err)
		}
		return nil, io.EOF
	}
	return decodeGame(game)
}

// Close stops the underlying parser.
func (s *Source) Close() error {
	if !s.done {
		s.stop()
		s.done = true
	}
	return nil
}

// decodeGame replays a parsed game from the starting position, hashing
// each position before its move is applied.
func decodeGame(game *pgn.Game) (*book.Game, error) {
	if len(game.Moves) == 0 {
		return &book.Game{}, nil
	}

	pos := pgn.NewStartingPosition()
	plies := make([]book.Ply, 0, len(game.Moves))
	for _, mv := range game.Moves {
		plies = append(plies, book.Ply{
			Key:  PositionKeyOf(pos),
			Move: moveCode(mv),
		})
		if err := pgn.ApplyMove(pos, mv); err != nil {
			return nil, fmt.Errorf("apply %v: %w", mv, book.ErrBadGame)
		}
	}
	return &book.Game{Plies: plies}, nil
}

// PositionKeyOf derives the opaque 64-bit position key from the packed
// position. Only ordering and equality of keys matter downstream; the
// same derivation must be used at build and lookup time.
func PositionKeyOf(pos *pgn.GameState) uint64 {
	packed := pos.Pack()
	return xxhash.Sum64(packed[:])
}

// moveCode packs a parsed move into the book's move encoding.
func moveCode(mv pgn.Mv) book.MoveCode {
	var promo byte
	switch mv.Promo {
	case pgn.PromoKnight:
		promo = book.PromoKnight
	case pgn.PromoBishop:
		promo = book.PromoBishop
	case pgn.PromoRook:
		promo = book.PromoRook
	case pgn.PromoQueen:
		promo = book.PromoQueen
	}
	return book.NewMoveCode(int(mv.From), int(mv.To), promo)
}

// KeyAfterSAN replays a SAN move sequence from the starting position and
// returns the key of the resulting position. Used to derive reference
// keys for verification (e.g. "e4", "e5", "Nf3").
func KeyAfterSAN(sans ...string) (uint64, error) {
	pos := pgn.NewStartingPosition()
	for _, san := range sans {
		mv, err := pgn.ParseSAN(pos, san)
		if err != nil {
			return 0, fmt.Errorf("parse %q: %w", san, err)
		}
		if err := pgn.ApplyMove(pos, mv); err != nil {
			return 0, fmt.Errorf("apply %q: %w", san, err)
		}
	}
	return PositionKeyOf(pos), nil
}
