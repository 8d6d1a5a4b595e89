package odb

import (
	"encoding/binary"
	"math"

	"github.com/opgo/oprofile/internal/oserr"
)

// magic identifies an oprofile-go sample file. Persisted verbatim;
// never change without bumping Version and handling the old value in
// Decode.
var fileMagic = [4]byte{'O', 'P', 'D', 'B'}

const currentVersion = uint32(1)

// HeaderSize is the fixed on-disk size of Header, passed to Open as
// headerSize.
const HeaderSize = 64

// Flags holds the boolean header fields as a bitset.
type Flags uint32

const (
	FlagIsKernel Flags = 1 << iota
	FlagIsCallgraphToKernel
	FlagSeparateLib
	FlagSeparateKernel
	FlagSeparateThread
	FlagSeparateCPU
)

// Header is the persisted ODB header (spec §3): event descriptor, CPU
// info, separation flags, and timestamps, used both to validate merges
// (same event/unit-mask/reset-count/cpu-type required) and to render
// report headers.
type Header struct {
	Version     uint32
	Flags       Flags
	EventID     uint32
	UnitMask    uint32
	ResetCount  uint32
	CPUTypeID   uint32
	CPUSpeedMHz float64
	ImageMtime  int64
	CTime       int64
	MTime       int64
}

// Encode writes h into buf, which must be at least HeaderSize bytes
// (normally db.HeaderBytes()).
func Encode(buf []byte, h Header) {
	copy(buf[0:4], fileMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.Flags))
	binary.LittleEndian.PutUint32(buf[12:16], h.EventID)
	binary.LittleEndian.PutUint32(buf[16:20], h.UnitMask)
	binary.LittleEndian.PutUint32(buf[20:24], h.ResetCount)
	binary.LittleEndian.PutUint32(buf[24:28], h.CPUTypeID)
	binary.LittleEndian.PutUint64(buf[28:36], math.Float64bits(h.CPUSpeedMHz))
	binary.LittleEndian.PutUint64(buf[36:44], uint64(h.ImageMtime))
	binary.LittleEndian.PutUint64(buf[44:52], uint64(h.CTime))
	binary.LittleEndian.PutUint64(buf[52:60], uint64(h.MTime))
	// buf[60:64] reserved for forward compatibility; left zero.
}

// Decode parses a Header out of buf, validating the magic.
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, oserr.New(oserr.KindIO, "odb: header too short")
	}
	if [4]byte(buf[0:4]) != fileMagic {
		return Header{}, oserr.New(oserr.KindIO, "odb: bad magic")
	}
	var h Header
	h.Version = binary.LittleEndian.Uint32(buf[4:8])
	h.Flags = Flags(binary.LittleEndian.Uint32(buf[8:12]))
	h.EventID = binary.LittleEndian.Uint32(buf[12:16])
	h.UnitMask = binary.LittleEndian.Uint32(buf[16:20])
	h.ResetCount = binary.LittleEndian.Uint32(buf[20:24])
	h.CPUTypeID = binary.LittleEndian.Uint32(buf[24:28])
	h.CPUSpeedMHz = math.Float64frombits(binary.LittleEndian.Uint64(buf[28:36]))
	h.ImageMtime = int64(binary.LittleEndian.Uint64(buf[36:44]))
	h.CTime = int64(binary.LittleEndian.Uint64(buf[44:52]))
	h.MTime = int64(binary.LittleEndian.Uint64(buf[52:60]))
	return h, nil
}

// WriteHeader is a convenience that encodes h directly into db's header
// region.
func (db *DB) WriteHeader(h Header) { Encode(db.HeaderBytes(), h) }

// ReadHeader is a convenience that decodes db's header region.
func (db *DB) ReadHeader() (Header, error) { return Decode(db.HeaderBytes()) }

// EventIdentity is the subset of Header that must match when merging
// two sample files (spec §3 invariant).
type EventIdentity struct {
	Version    uint32
	EventID    uint32
	UnitMask   uint32
	ResetCount uint32
	CPUTypeID  uint32
}

func (h Header) Identity() EventIdentity {
	return EventIdentity{h.Version, h.EventID, h.UnitMask, h.ResetCount, h.CPUTypeID}
}

// CompatibleForMerge reports whether two headers may be merged: their
// versions and (event, unit-mask, reset-count, cpu-type) must compare
// equal, per spec §3.
func CompatibleForMerge(a, b Header) bool {
	return a.Identity() == b.Identity()
}
