// Package pipeline orchestrates the book build: shard discovery,
// per-shard aggregation into scratch files, the external merge, and the
// final verification.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/freeeve/openbook/internal/book"
	"github.com/freeeve/openbook/internal/pgnsource"
)

// ErrNoShards is returned when the input directory contains no shard
// source files.
var ErrNoShards = errors.New("pipeline: no shard files found")

// DefaultVerifyLine is the SAN sequence whose resulting position is
// probed after the build. Any corpus with mainline games reaches it.
var DefaultVerifyLine = []string{"e4", "e5", "Nf3"}

// Config configures a build.
type Config struct {
	InputDir   string   // directory of .pgn / .pgn.zst shard files
	OutputPath string   // final store path (default openings.bin)
	ScratchDir string   // shard scratch area (default: private temp dir)
	MaxPlies   int      // plies per game to aggregate (default 60)
	Workers    int      // concurrent shard aggregations (default NumCPU, max 4)
	RawScratch bool     // write scratch shards uncompressed
	VerifyLine []string // SAN line for the reference-key probe

	// Open produces the decoded game stream for one shard file. Defaults
	// to the PGN adapter; tests inject synthetic sources here.
	Open func(path string) (book.GameSource, error)

	Logger zerolog.Logger
}

// Summary reports what a build produced.
type Summary struct {
	Shards        int   // shard sources aggregated
	SkippedShards int   // shards excluded for producing zero entries
	Games         int64 // games aggregated across all shards
	BadGames      int64 // malformed games skipped
	Entries       int64 // entries in the final store
	OutputBytes   int64 // final store size
	Found         bool  // reference key found by the verifier
}

// Pipeline runs one build.
type Pipeline struct {
	cfg Config
	log zerolog.Logger
}

// New creates a pipeline, filling in config defaults.
func New(cfg Config) *Pipeline {
	if cfg.OutputPath == "" {
		cfg.OutputPath = "openings.bin"
	}
	if cfg.MaxPlies <= 0 {
		cfg.MaxPlies = book.DefaultMaxPlies
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
		if cfg.Workers > 4 {
			// Each concurrent shard owns a full aggregation table.
			cfg.Workers = 4
		}
	}
	if len(cfg.VerifyLine) == 0 {
		cfg.VerifyLine = DefaultVerifyLine
	}
	if cfg.Open == nil {
		cfg.Open = func(path string) (book.GameSource, error) {
			return pgnsource.Open(path)
		}
	}
	return &Pipeline{cfg: cfg, log: cfg.Logger}
}

// Run executes the build. Scratch shard files are deleted only after a
// successful merge; a partially written final store is left in place for
// inspection.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	start := time.Now()

	shards, err := p.discoverShards()
	if err != nil {
		return sum, err
	}
	p.log.Info().Int("shards", len(shards)).Str("input", p.cfg.InputDir).Msg("found shard files")

	scratchDir := p.cfg.ScratchDir
	ownScratch := false
	if scratchDir == "" {
		scratchDir, err = os.MkdirTemp("", "bookbuild-")
		if err != nil {
			return sum, fmt.Errorf("create scratch dir: %w", err)
		}
		ownScratch = true
	} else if err := os.MkdirAll(scratchDir, 0755); err != nil {
		return sum, fmt.Errorf("create scratch dir: %w", err)
	}
	p.log.Info().Str("scratch", scratchDir).Msg("using scratch directory")

	shardFiles, err := p.aggregateShards(ctx, shards, scratchDir, &sum)
	if err != nil {
		return sum, err
	}
	if len(shardFiles) == 0 {
		return sum, fmt.Errorf("%w: all %d shards produced zero entries", ErrNoShards, len(shards))
	}

	p.log.Info().Int("shard_files", len(shardFiles)).Msg("merging shards into final store")
	mergeStart := time.Now()
	entries, err := book.Merge(ctx, shardFiles, p.cfg.OutputPath, p.log)
	if err != nil {
		return sum, fmt.Errorf("merge: %w", err)
	}
	sum.Entries = entries
	p.log.Info().
		Int64("entries", entries).
		Dur("elapsed", time.Since(mergeStart)).
		Msg("merge complete")

	// Merge succeeded; scratch can go.
	if ownScratch {
		os.RemoveAll(scratchDir)
	} else {
		for _, f := range shardFiles {
			os.Remove(f)
		}
	}

	fi, err := os.Stat(p.cfg.OutputPath)
	if err != nil {
		return sum, fmt.Errorf("stat output: %w", err)
	}
	sum.OutputBytes = fi.Size()

	refKey, err := pgnsource.KeyAfterSAN(p.cfg.VerifyLine...)
	if err != nil {
		return sum, fmt.Errorf("derive reference key: %w", err)
	}
	found, err := book.Verify(p.cfg.OutputPath, refKey)
	if err != nil {
		return sum, fmt.Errorf("verify: %w", err)
	}
	sum.Found = found

	level := zerolog.InfoLevel
	if !found {
		level = zerolog.WarnLevel
	}
	p.log.WithLevel(level).
		Strs("line", p.cfg.VerifyLine).
		Bool("found", found).
		Msg("verification probe")

	p.log.Info().
		Int("shards", sum.Shards).
		Int64("games", sum.Games).
		Int64("bad_games", sum.BadGames).
		Int64("entries", sum.Entries).
		Int64("bytes", sum.OutputBytes).
		Dur("elapsed", time.Since(start)).
		Msg("build complete")
	return sum, nil
}

// discoverShards lists shard source files in the input directory, sorted
// by name for deterministic processing order.
func (p *Pipeline) discoverShards() ([]string, error) {
	entries, err := os.ReadDir(p.cfg.InputDir)
	if err != nil {
		return nil, fmt.Errorf("read input dir: %w", err)
	}

	var shards []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if isShardFile(e.Name()) {
			shards = append(shards, e.Name())
		}
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoShards, p.cfg.InputDir)
	}
	sort.Strings(shards)
	return shards, nil
}

// aggregateShards runs the aggregator over every shard with bounded
// parallelism and returns the scratch shard file paths, in shard order.
func (p *Pipeline) aggregateShards(ctx context.Context, shards []string, scratchDir string, sum *Summary) ([]string, error) {
	ext := book.ShardExtZst
	if p.cfg.RawScratch {
		ext = book.ShardExt
	}

	paths := make([]string, len(shards)) // "" where the shard was empty
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for i, name := range shards {
		g.Go(func() error {
			srcPath := filepath.Join(p.cfg.InputDir, name)
			outPath := filepath.Join(scratchDir, shardStem(name)+ext)
			p.log.Info().
				Str("shard", name).
				Int("index", i+1).
				Int("total", len(shards)).
				Msg("aggregating shard")

			stats, err := p.aggregateOne(ctx, srcPath, outPath)
			if err != nil {
				return fmt.Errorf("shard %s: %w", name, err)
			}

			mu.Lock()
			sum.Games += stats.Games
			sum.BadGames += stats.BadGames
			if stats.Entries > 0 {
				sum.Shards++
				paths[i] = outPath
			} else {
				sum.SkippedShards++
			}
			mu.Unlock()

			level := zerolog.InfoLevel
			if stats.Entries == 0 {
				level = zerolog.WarnLevel
			}
			p.log.WithLevel(level).
				Str("shard", name).
				Int64("games", stats.Games).
				Int64("bad_games", stats.BadGames).
				Int("positions", stats.Positions).
				Int("entries", stats.Entries).
				Msg("shard complete")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var shardFiles []string
	for _, path := range paths {
		if path != "" {
			shardFiles = append(shardFiles, path)
		}
	}
	return shardFiles, nil
}

// aggregateOne builds the scratch shard file for a single source.
func (p *Pipeline) aggregateOne(ctx context.Context, srcPath, outPath string) (book.AggregateStats, error) {
	src, err := p.cfg.Open(srcPath)
	if err != nil {
		return book.AggregateStats{}, err
	}
	defer src.Close()

	agg := book.Aggregator{MaxPlies: p.cfg.MaxPlies, Logger: p.log}
	table := book.NewShardTable()
	stats, err := agg.Run(ctx, src, table)
	if err != nil {
		return stats, err
	}

	entries := table.Entries()
	stats.Entries = len(entries)
	if len(entries) == 0 {
		return stats, nil
	}
	if err := book.WriteShardFile(outPath, entries); err != nil {
		return stats, err
	}
	return stats, nil
}

// shardStem strips the shard source extensions (foo.pgn.zst -> foo).
func shardStem(name string) string {
	name = strings.TrimSuffix(name, ".zst")
	return strings.TrimSuffix(name, ".pgn")
}

func isShardFile(name string) bool {
	if strings.HasSuffix(name, ".pgn") {
		return true
	}
	return strings.HasSuffix(name, ".pgn.zst")
}
