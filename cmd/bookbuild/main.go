// Command bookbuild builds a sorted opening-book binary from a directory
// of PGN shard files.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/freeeve/openbook/internal/logx"
	"github.com/freeeve/openbook/internal/pipeline"
)

func main() {
	defaultMaxPlies := envInt("BOOKBUILD_MAX_PLIES", 60)
	defaultWorkers := envInt("BOOKBUILD_WORKERS", 0)

	var (
		inputDir   = flag.String("in", "", "Directory of PGN shard files (.pgn or .pgn.zst)")
		outputPath = flag.String("out", "openings.bin", "Output book path")
		scratchDir = flag.String("scratch", "", "Scratch directory for shard files (default: private temp dir)")
		maxPlies   = flag.Int("max-plies", defaultMaxPlies, "Plies per game to aggregate")
		workers    = flag.Int("workers", defaultWorkers, "Concurrent shard aggregations (0 = auto)")
		rawScratch = flag.Bool("raw-scratch", false, "Write scratch shard files uncompressed")
		verifyLine = flag.String("verify-line", "e4 e5 Nf3", "SAN line whose position is probed after the build")
	)
	flag.Parse()

	if *inputDir == "" {
		fmt.Fprintln(os.Stderr, "Usage: bookbuild -in <shard-dir> [options]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	logger := logx.NewLogger()
	logger.Info().
		Str("input", *inputDir).
		Str("output", *outputPath).
		Int("max_plies", *maxPlies).
		Msg("starting book build")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	p := pipeline.New(pipeline.Config{
		InputDir:   *inputDir,
		OutputPath: *outputPath,
		ScratchDir: *scratchDir,
		MaxPlies:   *maxPlies,
		Workers:    *workers,
		RawScratch: *rawScratch,
		VerifyLine: strings.Fields(*verifyLine),
		Logger:     logger,
	})

	sum, err := p.Run(ctx)
	if err != nil {
		if errors.Is(err, pipeline.ErrNoShards) {
			logger.Fatal().Err(err).Msg("no shards to build from")
		}
		logger.Fatal().Err(err).Msg("build failed")
	}

	logger.Info().
		Int("shards", sum.Shards).
		Int("skipped_shards", sum.SkippedShards).
		Int64("games", sum.Games).
		Int64("bad_games", sum.BadGames).
		Int64("entries", sum.Entries).
		Float64("size_mib", float64(sum.OutputBytes)/(1024*1024)).
		Bool("verified", sum.Found).
		Msg("book build complete")
}

func envInt(name string, def int) int {
	if s := os.Getenv(name); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
	}
	return def
}
