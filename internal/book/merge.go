package book

import (
	"bufio"
	"container/heap"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// heapItem pairs a shard reader with its current entry.
type heapItem struct {
	r       *ShardReader
	current Entry
	index   int // source index, tie-break for deterministic order
}

// mergeHeap implements heap.Interface for the k-way merge, ordered by
// (key, move, source index).
type mergeHeap []*heapItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	a, b := h[i].current, h[j].current
	if !a.SameSlot(b) {
		return a.Less(b)
	}
	return h[i].index < h[j].index
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) {
	*h = append(*h, x.(*heapItem))
}

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mergeLogEvery controls merge progress logging cadence (entries written).
const mergeLogEvery = 1_000_000

// Merge combines sorted shard files into one globally sorted,
// deduplicated store at outPath. Entries sharing a (key, move) pair are
// combined with saturating addition. Memory is bounded by the number of
// shards: the heap holds at most one pending entry per open file.
//
// On failure the partially written output is left in place for
// inspection.
func Merge(ctx context.Context, shardPaths []string, outPath string, log zerolog.Logger) (int64, error) {
	readers := make([]*ShardReader, 0, len(shardPaths))
	closeAll := func() {
		for _, r := range readers {
			r.Close()
		}
	}
	defer closeAll()

	h := make(mergeHeap, 0, len(shardPaths))
	for i, path := range shardPaths {
		r, err := OpenShardReader(path)
		if err != nil {
			return 0, err
		}
		readers = append(readers, r)

		e, err := r.Next()
		if err == io.EOF {
			continue // empty shard contributes nothing
		}
		if err != nil {
			return 0, err
		}
		h = append(h, &heapItem{r: r, current: e, index: i})
	}
	heap.Init(&h)

	out, err := os.Create(outPath)
	if err != nil {
		return 0, fmt.Errorf("create store %s: %w", outPath, err)
	}
	bw := bufio.NewWriterSize(out, 1024*1024)

	var (
		written int64
		acc     Entry
		haveAcc bool
		buf     = make([]byte, 0, EntrySize)
	)

	flush := func() error {
		if !haveAcc {
			return nil
		}
		buf = AppendEntry(buf[:0], acc)
		if _, err := bw.Write(buf); err != nil {
			return fmt.Errorf("write store %s: %w", outPath, err)
		}
		written++
		if written%mergeLogEvery == 0 {
			log.Info().Int64("entries", written).Msg("merge progress")
		}
		return nil
	}

	for len(h) > 0 {
		select {
		case <-ctx.Done():
			out.Close()
			return written, ctx.Err()
		default:
		}

		item := heap.Pop(&h).(*heapItem)
		e := item.current

		if haveAcc && acc.SameSlot(e) {
			acc = MergeEntries(acc, e)
		} else {
			if err := flush(); err != nil {
				out.Close()
				return written, err
			}
			acc = e
			haveAcc = true
		}

		next, err := item.r.Next()
		if err == nil {
			item.current = next
			heap.Push(&h, item)
		} else if err != io.EOF {
			out.Close()
			return written, err
		}
	}

	if err := flush(); err != nil {
		out.Close()
		return written, err
	}
	if err := bw.Flush(); err != nil {
		out.Close()
		return written, fmt.Errorf("flush store %s: %w", outPath, err)
	}
	if err := out.Close(); err != nil {
		return written, fmt.Errorf("close store %s: %w", outPath, err)
	}
	return written, nil
}
