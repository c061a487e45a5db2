package book

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Count returns the number of entries in a store file, derived from its
// size. A size that is not a whole number of entries is a corruption
// error.
func Count(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat store %s: %w", path, err)
	}
	if fi.Size()%EntrySize != 0 {
		return 0, fmt.Errorf("%s (%d bytes): %w", path, fi.Size(), ErrCorruptStore)
	}
	return fi.Size() / EntrySize, nil
}

// Verify binary-searches the store for key and reports whether any entry
// with that position key exists. It confirms the store is searchable for
// one key; CheckSorted is the exhaustive check.
func Verify(path string, key uint64) (bool, error) {
	n, err := Count(path)
	if err != nil {
		return false, err
	}

	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("open store %s: %w", path, err)
	}
	defer f.Close()

	var buf [8]byte
	lo, hi := int64(0), n-1
	for lo <= hi {
		mid := lo + (hi-lo)/2
		if _, err := f.ReadAt(buf[:], mid*EntrySize); err != nil {
			return false, fmt.Errorf("read store %s: %w", path, err)
		}
		k := binary.BigEndian.Uint64(buf[:])
		switch {
		case k == key:
			return true, nil
		case k < key:
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}
	return false, nil
}

// CheckSorted scans the whole store and verifies that entries are
// strictly increasing by (key, move), i.e. sorted with no duplicate
// pairs.
func CheckSorted(path string) error {
	if _, err := Count(path); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open store %s: %w", path, err)
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 1024*1024)
	var (
		buf  [EntrySize]byte
		prev Entry
		idx  int64
	)
	for {
		_, err := io.ReadFull(br, buf[:])
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read store %s: %w", path, err)
		}
		e := DecodeEntry(buf[:])
		if idx > 0 && !prev.Less(e) {
			return fmt.Errorf("store %s: entry %d (key=%016x move=%s) not above predecessor (key=%016x move=%s)",
				path, idx, e.Key, e.Move, prev.Key, prev.Move)
		}
		prev = e
		idx++
	}
}
