// Command bookverify checks an opening-book binary: a binary-search
// probe for a reference position, and optionally a full sortedness scan.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/freeeve/openbook/internal/book"
	"github.com/freeeve/openbook/internal/logx"
	"github.com/freeeve/openbook/internal/pgnsource"
)

func main() {
	var (
		line = flag.String("line", "e4 e5 Nf3", "SAN line whose position is probed")
		full = flag.Bool("full", false, "Scan the whole file and verify global sort order")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: bookverify [options] <book.bin>")
		flag.PrintDefaults()
		os.Exit(1)
	}
	path := flag.Arg(0)

	logger := logx.NewLogger()

	entries, err := book.Count(path)
	if err != nil {
		logger.Fatal().Err(err).Msg("book unreadable")
	}
	logger.Info().Str("book", path).Int64("entries", entries).Msg("checking book")

	if *full {
		if err := book.CheckSorted(path); err != nil {
			logger.Fatal().Err(err).Msg("sort order check failed")
		}
		logger.Info().Msg("sort order verified")
	}

	sans := strings.Fields(*line)
	key, err := pgnsource.KeyAfterSAN(sans...)
	if err != nil {
		logger.Fatal().Err(err).Str("line", *line).Msg("bad verification line")
	}

	found, err := book.Verify(path, key)
	if err != nil {
		logger.Fatal().Err(err).Msg("probe failed")
	}
	if !found {
		logger.Error().Str("line", *line).Msg("reference position not found")
		os.Exit(1)
	}
	logger.Info().Str("line", *line).Msg("reference position found")
}
