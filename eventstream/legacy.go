package eventstream

import (
	"encoding/binary"

	"github.com/opgo/oprofile/internal/oserr"
)

// LegacySample is one record of the legacy v1 sample stream: (pc: u32,
// pid: u16, count-packed: u16), count-packed splitting into an event
// index in the high bits and a raw count in the low bits.
type LegacySample struct {
	PC         uint32
	Pid        uint16
	EventIndex uint8
	Count      uint16
}

const (
	legacySampleSize = 8
	legacyCountMask  = 0x0fff
	legacyEventShift = 12
)

// DecodeLegacySamples parses the packed legacy sample stream.
func DecodeLegacySamples(buf []byte) ([]LegacySample, error) {
	if len(buf)%legacySampleSize != 0 {
		return nil, oserr.New(oserr.KindParse, "eventstream: legacy sample stream not a multiple of record size")
	}
	out := make([]LegacySample, 0, len(buf)/legacySampleSize)
	for off := 0; off < len(buf); off += legacySampleSize {
		pc := binary.LittleEndian.Uint32(buf[off : off+4])
		pid := binary.LittleEndian.Uint16(buf[off+4 : off+6])
		packed := binary.LittleEndian.Uint16(buf[off+6 : off+8])
		out = append(out, LegacySample{
			PC:         pc,
			Pid:        pid,
			EventIndex: uint8(packed >> legacyEventShift),
			Count:      packed & legacyCountMask,
		})
	}
	return out, nil
}

// LegacyNoteType distinguishes the legacy v1 note stream's record
// kinds.
type LegacyNoteType uint32

const (
	NoteFork LegacyNoteType = iota
	NoteMap
	NoteExec
	NoteDropModules
	NoteExit
)

// LegacyNote is one record of the legacy v1 note stream: (addr, len,
// offset, hash, pid, type).
type LegacyNote struct {
	Addr   uint32
	Len    uint32
	Offset uint32
	Hash   uint32
	Pid    uint32
	Type   LegacyNoteType
}

const legacyNoteSize = 24

// DecodeLegacyNotes parses the legacy v1 note stream.
func DecodeLegacyNotes(buf []byte) ([]LegacyNote, error) {
	if len(buf)%legacyNoteSize != 0 {
		return nil, oserr.New(oserr.KindParse, "eventstream: legacy note stream not a multiple of record size")
	}
	out := make([]LegacyNote, 0, len(buf)/legacyNoteSize)
	for off := 0; off < len(buf); off += legacyNoteSize {
		out = append(out, LegacyNote{
			Addr:   binary.LittleEndian.Uint32(buf[off : off+4]),
			Len:    binary.LittleEndian.Uint32(buf[off+4 : off+8]),
			Offset: binary.LittleEndian.Uint32(buf[off+8 : off+12]),
			Hash:   binary.LittleEndian.Uint32(buf[off+12 : off+16]),
			Pid:    binary.LittleEndian.Uint32(buf[off+16 : off+20]),
			Type:   LegacyNoteType(binary.LittleEndian.Uint32(buf[off+20 : off+24])),
		})
	}
	return out, nil
}
