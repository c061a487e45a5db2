package book

import "io"

// Ply is one half-move of a decoded game: the key of the position before
// the move, and the move about to be played from it.
type Ply struct {
	Key  uint64
	Move MoveCode
}

// Game is one decoded game as a sequence of plies. Position keys are
// computed by the decoding collaborator; the aggregator treats them as
// opaque.
type Game struct {
	Plies []Ply
}

// GameSource yields decoded games from one shard. Next returns io.EOF
// when the stream is exhausted, and an error wrapping ErrBadGame for a
// single malformed game (the caller may skip it and continue). Any other
// error is fatal for the shard.
type GameSource interface {
	Next() (*Game, error)
	Close() error
}

// SliceSource wraps a slice of games as a GameSource, for tests and
// synthetic corpora.
type SliceSource struct {
	games []*Game
	errs  []error // optional, parallel to games; nil means no error
	pos   int
}

// NewSliceSource creates a source over the given games.
func NewSliceSource(games ...*Game) *SliceSource {
	return &SliceSource{games: games}
}

// NewFaultySource creates a source where games[i] is replaced by errs[i]
// when errs[i] is non-nil. Used to exercise bad-game tolerance.
func NewFaultySource(games []*Game, errs []error) *SliceSource {
	return &SliceSource{games: games, errs: errs}
}

// Next returns the next game, or io.EOF.
func (s *SliceSource) Next() (*Game, error) {
	if s.pos >= len(s.games) {
		return nil, io.EOF
	}
	i := s.pos
	s.pos++
	if s.errs != nil && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return s.games[i], nil
}

// Close implements GameSource.
func (s *SliceSource) Close() error { return nil }
