package book

import (
	"encoding/binary"
	"errors"
)

// Entry layout (16 bytes, big-endian):
//   bytes 0-7:   position key (uint64)
//   bytes 8-9:   move code (uint16)
//   bytes 10-11: count (uint16)
//   bytes 12-13: n / learning weight (uint16)
//   bytes 14-15: score sum (int16, reserved)
const EntrySize = 16

// Saturation bounds for the counter fields.
const (
	MaxCount    uint16 = 65535
	MaxScoreSum int16  = 32767
	MinScoreSum int16  = -32768
)

var (
	// ErrBadGame marks a single malformed game in a decoded stream.
	// Aggregation counts it and moves on.
	ErrBadGame = errors.New("book: malformed game")

	// ErrCorruptStore indicates a book file whose size is not a whole
	// number of entries.
	ErrCorruptStore = errors.New("book: store size not a multiple of entry size")
)

// MoveCode packs a move into a uint16:
//   bits 0-5:   from square (0-63, A1=0 .. H8=63)
//   bits 6-11:  to square (0-63)
//   bits 12-14: promotion piece
type MoveCode uint16

// Promotion piece codes.
const (
	PromoNone   = 0
	PromoKnight = 1
	PromoBishop = 2
	PromoRook   = 3
	PromoQueen  = 4
)

const (
	moveFromMask   = 0x003F
	moveToMask     = 0x0FC0
	movePromoMask  = 0x7000
	moveToShift    = 6
	movePromoShift = 12
)

// NewMoveCode creates a MoveCode from square indices and a promotion piece.
func NewMoveCode(from, to int, promo byte) MoveCode {
	if from < 0 || from > 63 || to < 0 || to > 63 {
		return 0
	}
	return MoveCode(uint16(from) | uint16(to)<<moveToShift | uint16(promo)<<movePromoShift)
}

// FromSquare returns the source square index (0-63).
func (m MoveCode) FromSquare() int {
	return int(m & moveFromMask)
}

// ToSquare returns the destination square index (0-63).
func (m MoveCode) ToSquare() int {
	return int((m & moveToMask) >> moveToShift)
}

// Promotion returns the promotion piece code (0=none, 1=N, 2=B, 3=R, 4=Q).
func (m MoveCode) Promotion() byte {
	return byte((m & movePromoMask) >> movePromoShift)
}

// String returns the move in UCI notation (e.g. "e2e4", "e7e8q").
func (m MoveCode) String() string {
	from := m.FromSquare()
	to := m.ToSquare()

	buf := []byte{
		byte('a' + from%8), byte('1' + from/8),
		byte('a' + to%8), byte('1' + to/8),
	}
	switch m.Promotion() {
	case PromoKnight:
		buf = append(buf, 'n')
	case PromoBishop:
		buf = append(buf, 'b')
	case PromoRook:
		buf = append(buf, 'r')
	case PromoQueen:
		buf = append(buf, 'q')
	}
	return string(buf)
}

// Entry is the unit of storage: one (position, move) pair with its
// aggregated statistics.
type Entry struct {
	Key      uint64
	Move     MoveCode
	Count    uint16
	N        uint16
	ScoreSum int16
}

// Less orders entries by (key, move) ascending.
func (e Entry) Less(o Entry) bool {
	if e.Key != o.Key {
		return e.Key < o.Key
	}
	return e.Move < o.Move
}

// SameSlot reports whether two entries refer to the same (key, move) pair.
func (e Entry) SameSlot(o Entry) bool {
	return e.Key == o.Key && e.Move == o.Move
}

// AppendEntry appends the 16-byte encoding of e to buf.
func AppendEntry(buf []byte, e Entry) []byte {
	buf = binary.BigEndian.AppendUint64(buf, e.Key)
	buf = binary.BigEndian.AppendUint16(buf, uint16(e.Move))
	buf = binary.BigEndian.AppendUint16(buf, e.Count)
	buf = binary.BigEndian.AppendUint16(buf, e.N)
	buf = binary.BigEndian.AppendUint16(buf, uint16(e.ScoreSum))
	return buf
}

// EncodeEntry encodes e into a fresh 16-byte slice.
func EncodeEntry(e Entry) []byte {
	return AppendEntry(make([]byte, 0, EntrySize), e)
}

// DecodeEntry decodes 16 bytes into an Entry.
func DecodeEntry(data []byte) Entry {
	return Entry{
		Key:      binary.BigEndian.Uint64(data[0:8]),
		Move:     MoveCode(binary.BigEndian.Uint16(data[8:10])),
		Count:    binary.BigEndian.Uint16(data[10:12]),
		N:        binary.BigEndian.Uint16(data[12:14]),
		ScoreSum: int16(binary.BigEndian.Uint16(data[14:16])),
	}
}

// SaturatingAddU16 adds two uint16 values, capping at 65535.
func SaturatingAddU16(a, b uint16) uint16 {
	sum := uint32(a) + uint32(b)
	if sum > uint32(MaxCount) {
		return MaxCount
	}
	return uint16(sum)
}

// SaturatingAddS16 adds two int16 values, capping at [-32768, 32767].
func SaturatingAddS16(a, b int16) int16 {
	sum := int32(a) + int32(b)
	if sum > int32(MaxScoreSum) {
		return MaxScoreSum
	}
	if sum < int32(MinScoreSum) {
		return MinScoreSum
	}
	return int16(sum)
}

// MergeEntries combines two entries for the same (key, move) pair using
// saturating addition. The key and move are taken from a.
func MergeEntries(a, b Entry) Entry {
	a.Count = SaturatingAddU16(a.Count, b.Count)
	a.N = SaturatingAddU16(a.N, b.N)
	a.ScoreSum = SaturatingAddS16(a.ScoreSum, b.ScoreSum)
	return a
}
