package book

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Shard scratch file extensions. Scratch shards are zstd-framed by
// default; the final store is always raw fixed-width records.
const (
	ShardExt    = ".bin"
	ShardExtZst = ".bin.zst"
)

// WriteShardFile writes sorted entries to path. The write goes through a
// temp file and rename so a crashed aggregation never leaves a partial
// shard behind. Entries must already be sorted by (key, move) with no
// duplicate pairs; counters must already be clamped.
func WriteShardFile(path string, entries []Entry) (err error) {
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create shard %s: %w", path, err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmpPath)
		}
	}()

	var w io.Writer = f
	var enc *zstd.Encoder
	if strings.HasSuffix(path, ShardExtZst) {
		// Scratch files are short-lived; favor speed over ratio.
		enc, err = zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return fmt.Errorf("create shard encoder: %w", err)
		}
		w = enc
	}

	bw := bufio.NewWriterSize(w, 256*1024)
	buf := make([]byte, 0, EntrySize)
	for _, e := range entries {
		buf = AppendEntry(buf[:0], e)
		if _, err = bw.Write(buf); err != nil {
			return fmt.Errorf("write shard %s: %w", path, err)
		}
	}
	if err = bw.Flush(); err != nil {
		return fmt.Errorf("flush shard %s: %w", path, err)
	}
	if enc != nil {
		if err = enc.Close(); err != nil {
			return fmt.Errorf("close shard encoder: %w", err)
		}
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close shard %s: %w", path, err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename shard %s: %w", path, err)
	}
	return nil
}

// ShardReader reads entries sequentially from one shard file.
type ShardReader struct {
	f   *os.File
	dec *zstd.Decoder
	br  *bufio.Reader
	buf [EntrySize]byte
}

// OpenShardReader opens a shard file for sequential reading. Files with
// the .zst extension are decompressed as a stream.
func OpenShardReader(path string) (*ShardReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open shard %s: %w", path, err)
	}
	r := &ShardReader{f: f}

	var src io.Reader = f
	if strings.HasSuffix(path, ShardExtZst) {
		dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open shard decoder %s: %w", path, err)
		}
		r.dec = dec
		src = dec
	}
	r.br = bufio.NewReaderSize(src, 256*1024)
	return r, nil
}

// Next returns the next entry, or io.EOF when the shard is exhausted. A
// trailing partial record is reported as ErrCorruptStore.
func (r *ShardReader) Next() (Entry, error) {
	_, err := io.ReadFull(r.br, r.buf[:])
	if err == io.EOF {
		return Entry{}, io.EOF
	}
	if err == io.ErrUnexpectedEOF {
		return Entry{}, fmt.Errorf("%s: %w", r.f.Name(), ErrCorruptStore)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("read shard %s: %w", r.f.Name(), err)
	}
	return DecodeEntry(r.buf[:]), nil
}

// Close releases the shard file handle.
func (r *ShardReader) Close() error {
	if r.dec != nil {
		r.dec.Close()
	}
	return r.f.Close()
}
