// Package rowid encodes row locators in the 18 character extended form:
// six characters of data object number, three of relative file number, six
// of block number and three of slot number, each written in base 64.
package rowid

import (
	"fmt"
	"strings"
)

const (
	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

	// Length is the length of the string form of an ID.
	Length = 18

	slotBits = 16

	// MaxRowNum is the largest row number FromRow can encode.
	MaxRowNum = 1<<(32+slotBits) - 1
)

// ID identifies one version of one row.
type ID struct {
	ObjectNum uint32
	File      uint16
	Block     uint32
	Slot      uint16
}

// FromRow builds an ID for a row of a table whose data object number is
// objectNum. The row number is split into block and slot so that IDs sort
// the same way as the row numbers they were built from. rowNum must be in
// 0..MaxRowNum; see InRange.
func FromRow(objectNum uint32, rowNum int64) ID {
	return ID{
		ObjectNum: objectNum,
		File:      1,
		Block:     uint32(uint64(rowNum) >> slotBits),
		Slot:      uint16(uint64(rowNum) & (1<<slotBits - 1)),
	}
}

// InRange reports whether FromRow can encode rowNum without aliasing.
func InRange(rowNum int64) bool {
	return rowNum >= 0 && rowNum <= MaxRowNum
}

// RowNum returns the row number FromRow was given.
func (id ID) RowNum() int64 {
	return int64(uint64(id.Block)<<slotBits | uint64(id.Slot))
}

// String returns the extended form.
func (id ID) String() string {
	var sb strings.Builder
	sb.Grow(Length)
	encode(&sb, uint64(id.ObjectNum), 6)
	encode(&sb, uint64(id.File), 3)
	encode(&sb, uint64(id.Block), 6)
	encode(&sb, uint64(id.Slot), 3)
	return sb.String()
}

func encode(sb *strings.Builder, value uint64, width int) {
	for i := width - 1; i >= 0; i-- {
		sb.WriteByte(alphabet[(value>>(6*uint(i)))&0x3f])
	}
}

// Parse decodes the extended form produced by String.
func Parse(s string) (ID, error) {
	if len(s) != Length {
		return ID{}, fmt.Errorf("rowid: expected %d characters, got %d", Length, len(s))
	}
	parts := [4]uint64{}
	widths := [4]int{6, 3, 6, 3}
	offset := 0
	for i, width := range widths {
		for _, c := range []byte(s[offset : offset+width]) {
			idx := strings.IndexByte(alphabet, c)
			if idx < 0 {
				return ID{}, fmt.Errorf("rowid: invalid character %q", c)
			}
			parts[i] = parts[i]<<6 | uint64(idx)
		}
		offset += width
	}
	if parts[0] > 1<<32-1 || parts[1] > 1<<16-1 || parts[2] > 1<<32-1 || parts[3] > 1<<16-1 {
		return ID{}, fmt.Errorf("rowid: component out of range in %q", s)
	}
	return ID{
		ObjectNum: uint32(parts[0]),
		File:      uint16(parts[1]),
		Block:     uint32(parts[2]),
		Slot:      uint16(parts[3]),
	}, nil
}
