// Package jitconv implements the JIT dump producer/consumer contract
// (spec §4.6): a managed runtime agent appends machine-code records to
// a per-process dump file under advisory lock, and the report pipeline
// converts a time-windowed slice of that file into a small ELF object
// the rest of the symbolization pipeline can treat like any other
// image.
package jitconv

import (
	"encoding/binary"

	"github.com/opgo/oprofile/internal/oserr"
)

var dumpMagic = [4]byte{'J', 'I', 'T', 'D'}

const dumpVersion = uint32(1)

// DumpHeaderSize is the fixed size of the dump file header.
const DumpHeaderSize = 64

const targetNameSize = 40

// DumpHeader is the fixed header at the start of every dump file.
type DumpHeader struct {
	Version    uint32
	Arch       uint32
	Timestamp  int64
	TargetName string
}

// EncodeDumpHeader writes h into a fresh DumpHeaderSize-byte buffer.
func EncodeDumpHeader(h DumpHeader) []byte {
	buf := make([]byte, DumpHeaderSize)
	copy(buf[0:4], dumpMagic[:])
	version := h.Version
	if version == 0 {
		version = dumpVersion
	}
	binary.LittleEndian.PutUint32(buf[4:8], version)
	binary.LittleEndian.PutUint32(buf[8:12], h.Arch)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.Timestamp))
	name := []byte(h.TargetName)
	if len(name) > targetNameSize {
		name = name[:targetNameSize]
	}
	copy(buf[24:24+targetNameSize], name)
	return buf
}

// DecodeDumpHeader parses a dump file's header.
func DecodeDumpHeader(buf []byte) (DumpHeader, error) {
	if len(buf) < DumpHeaderSize {
		return DumpHeader{}, oserr.New(oserr.KindParse, "jitconv: header too short")
	}
	if [4]byte(buf[0:4]) != dumpMagic {
		return DumpHeader{}, oserr.New(oserr.KindParse, "jitconv: bad dump magic")
	}
	var h DumpHeader
	version := binary.LittleEndian.Uint32(buf[4:8])
	if version != dumpVersion {
		return DumpHeader{}, oserr.New(oserr.KindVersionMismatch, "jitconv: unsupported dump version")
	}
	h.Version = version
	h.Arch = binary.LittleEndian.Uint32(buf[8:12])
	h.Timestamp = int64(binary.LittleEndian.Uint64(buf[16:24]))
	nameEnd := 24 + targetNameSize
	h.TargetName = trimNulls(buf[24:nameEnd])
	return h, nil
}

func trimNulls(b []byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i])
}

// RecordType tags the variable-length records following the header.
type RecordType uint32

const (
	RecordCodeLoad RecordType = iota
	RecordCodeUnload
	RecordCodeClose
	RecordCodeDebugInfo
)

// recordHeaderSize is 8-byte aligned: type(4) + payload length(4) +
// 8 bytes reserved for future record kinds.
const recordHeaderSize = 16

func pad8(n int) int { return (8 - n%8) % 8 }

// CodeLoad is the record carrying one JIT-compiled method's machine
// code and name.
type CodeLoad struct {
	Pid       uint32
	Tid       uint32
	CodeIndex uint64
	VMA       uint64
	Timestamp int64
	Name      string
	Code      []byte
}

const codeLoadFixedSize = 4 + 4 + 8 + 8 + 8 + 4 + 4 // pid,tid,index,vma,ts,namelen,codelen

func encodeCodeLoad(r CodeLoad) []byte {
	name := []byte(r.Name)
	payloadLen := codeLoadFixedSize + len(name) + pad8(len(name)) + len(r.Code) + pad8(len(r.Code))
	buf := make([]byte, recordHeaderSize+payloadLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(RecordCodeLoad))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(payloadLen))

	p := buf[recordHeaderSize:]
	binary.LittleEndian.PutUint32(p[0:4], r.Pid)
	binary.LittleEndian.PutUint32(p[4:8], r.Tid)
	binary.LittleEndian.PutUint64(p[8:16], r.CodeIndex)
	binary.LittleEndian.PutUint64(p[16:24], r.VMA)
	binary.LittleEndian.PutUint64(p[24:32], uint64(r.Timestamp))
	binary.LittleEndian.PutUint32(p[32:36], uint32(len(name)))
	binary.LittleEndian.PutUint32(p[36:40], uint32(len(r.Code)))
	off := codeLoadFixedSize
	copy(p[off:off+len(name)], name)
	off += len(name) + pad8(len(name))
	copy(p[off:off+len(r.Code)], r.Code)
	return buf
}

func decodeCodeLoad(payload []byte) (CodeLoad, error) {
	if len(payload) < codeLoadFixedSize {
		return CodeLoad{}, oserr.New(oserr.KindParse, "jitconv: code_load record too short")
	}
	var r CodeLoad
	r.Pid = binary.LittleEndian.Uint32(payload[0:4])
	r.Tid = binary.LittleEndian.Uint32(payload[4:8])
	r.CodeIndex = binary.LittleEndian.Uint64(payload[8:16])
	r.VMA = binary.LittleEndian.Uint64(payload[16:24])
	r.Timestamp = int64(binary.LittleEndian.Uint64(payload[24:32]))
	nameLen := binary.LittleEndian.Uint32(payload[32:36])
	codeLen := binary.LittleEndian.Uint32(payload[36:40])
	off := codeLoadFixedSize
	if off+int(nameLen) > len(payload) {
		return CodeLoad{}, oserr.New(oserr.KindParse, "jitconv: truncated code_load name")
	}
	r.Name = string(payload[off : off+int(nameLen)])
	off += int(nameLen) + pad8(int(nameLen))
	if off+int(codeLen) > len(payload) {
		return CodeLoad{}, oserr.New(oserr.KindParse, "jitconv: truncated code_load code")
	}
	r.Code = append([]byte(nil), payload[off:off+int(codeLen)]...)
	return r, nil
}

// record is the generic decoded form used while scanning a dump file.
type record struct {
	typ     RecordType
	payload []byte
}

func decodeRecords(buf []byte) ([]record, error) {
	var out []record
	i := 0
	for i < len(buf) {
		if i+recordHeaderSize > len(buf) {
			return nil, oserr.New(oserr.KindParse, "jitconv: truncated record header")
		}
		typ := RecordType(binary.LittleEndian.Uint32(buf[i : i+4]))
		length := int(binary.LittleEndian.Uint32(buf[i+4 : i+8]))
		start := i + recordHeaderSize
		end := start + length
		if end > len(buf) {
			return nil, oserr.New(oserr.KindParse, "jitconv: truncated record payload")
		}
		out = append(out, record{typ: typ, payload: buf[start:end]})
		i = end + pad8(length)
	}
	return out, nil
}
