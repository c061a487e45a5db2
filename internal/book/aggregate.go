package book

import (
	"context"
	"errors"
	"io"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMaxPlies is how deep into each game the aggregator looks.
const DefaultMaxPlies = 60

// moveStat accumulates statistics for one (position, move) pair. Counters
// are kept wide in memory and clamped to their saturation bounds when the
// table is flattened to entries.
type moveStat struct {
	count    uint32
	n        uint32
	scoreSum int32
}

// ShardTable is the transient per-shard aggregation table: position key
// to move to stats. It is owned by a single aggregator invocation and
// never shared.
type ShardTable struct {
	stats map[uint64]map[MoveCode]*moveStat
}

// NewShardTable creates an empty table.
func NewShardTable() *ShardTable {
	return &ShardTable{stats: make(map[uint64]map[MoveCode]*moveStat)}
}

// Add records one occurrence of move being played from the position key.
func (t *ShardTable) Add(key uint64, move MoveCode) {
	t.AddScore(key, move, 0)
}

// AddScore records one occurrence with a score increment. The base
// pipeline always passes 0; the score column is an extension point for
// evaluation-weighted books.
func (t *ShardTable) AddScore(key uint64, move MoveCode, score int16) {
	moves := t.stats[key]
	if moves == nil {
		moves = make(map[MoveCode]*moveStat)
		t.stats[key] = moves
	}
	st := moves[move]
	if st == nil {
		st = &moveStat{}
		moves[move] = st
	}
	st.count++
	st.n++
	st.scoreSum += int32(score)
}

// Positions returns the number of distinct position keys in the table.
func (t *ShardTable) Positions() int {
	return len(t.stats)
}

// Entries flattens the table into entries sorted ascending by
// (key, move). Counters are clamped to their saturation bounds here, at
// flush time.
func (t *ShardTable) Entries() []Entry {
	entries := make([]Entry, 0, len(t.stats))
	for key, moves := range t.stats {
		for move, st := range moves {
			entries = append(entries, Entry{
				Key:      key,
				Move:     move,
				Count:    clampU16(st.count),
				N:        clampU16(st.n),
				ScoreSum: clampS16(st.scoreSum),
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Less(entries[j])
	})
	return entries
}

func clampU16(v uint32) uint16 {
	if v > uint32(MaxCount) {
		return MaxCount
	}
	return uint16(v)
}

func clampS16(v int32) int16 {
	if v > int32(MaxScoreSum) {
		return MaxScoreSum
	}
	if v < int32(MinScoreSum) {
		return MinScoreSum
	}
	return int16(v)
}

// AggregateStats reports what one shard aggregation saw.
type AggregateStats struct {
	Games     int64 // games folded into the table
	BadGames  int64 // malformed games skipped
	Positions int   // distinct position keys
	Entries   int   // distinct (position, move) pairs written
}

// Aggregator consumes one decoded game stream and fills a ShardTable.
type Aggregator struct {
	MaxPlies int
	Logger   zerolog.Logger
}

// Run drains the source into table. A game that fails to decode is
// counted and skipped; any other source error aborts the shard. The
// source is not closed; the caller owns it.
func (a *Aggregator) Run(ctx context.Context, src GameSource, table *ShardTable) (AggregateStats, error) {
	maxPlies := a.MaxPlies
	if maxPlies <= 0 {
		maxPlies = DefaultMaxPlies
	}

	var stats AggregateStats
	lastLog := time.Now()

	for {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}

		game, err := src.Next()
		if err != nil {
			if err == io.EOF {
				stats.Positions = table.Positions()
				return stats, nil
			}
			if errors.Is(err, ErrBadGame) {
				stats.BadGames++
				continue
			}
			return stats, err
		}
		if len(game.Plies) == 0 {
			continue
		}

		plies := game.Plies
		if len(plies) > maxPlies {
			plies = plies[:maxPlies]
		}
		for _, ply := range plies {
			table.Add(ply.Key, ply.Move)
		}
		stats.Games++

		if stats.Games%5000 == 0 && time.Since(lastLog) > 10*time.Second {
			a.Logger.Info().
				Int64("games", stats.Games).
				Int64("bad_games", stats.BadGames).
				Int("positions", table.Positions()).
				Msg("aggregation progress")
			lastLog = time.Now()
		}
	}
}
