// Package gmon implements the gprof emitter (spec §4.12): converting
// one image's selected samples into a gmon.out-compatible histogram
// file.
package gmon

import (
	"encoding/binary"

	"github.com/opgo/oprofile/odb"
)

var gmonMagic = [4]byte{'g', 'm', 'o', 'n'}

const gmonVersion = uint32(1)

const gmonTagTimeHist = 0

const dimenSize = 15

// Sample is one (VMA, count) pair contributing to the histogram.
type Sample struct {
	VMA   uint64
	Count odb.Value
}

// Build renders a gmon.out file from samples. wordSize is 4 or 8,
// taken from the image's architecture, and controls the width of the
// low_pc/high_pc fields. The bin multiplier is 8 when every sampled
// VMA is 4-byte aligned, else 2 (spec §4.12).
func Build(samples []Sample, wordSize int) []byte {
	var buf []byte
	buf = append(buf, encodeHeader()...)

	if len(samples) == 0 {
		return buf
	}

	low, high := samples[0].VMA, samples[0].VMA+1
	aligned4 := true
	for _, s := range samples {
		if s.VMA < low {
			low = s.VMA
		}
		if s.VMA+1 > high {
			high = s.VMA + 1
		}
		if s.VMA%4 != 0 {
			aligned4 = false
		}
	}

	multiplier := uint64(2)
	if aligned4 {
		multiplier = 8
	}

	histSize := int((high - low) / multiplier)
	if histSize == 0 {
		histSize = 1
	}
	hist := make([]uint16, histSize)
	for _, s := range samples {
		idx := (s.VMA - low) / multiplier
		if int(idx) >= len(hist) {
			continue
		}
		hist[idx] = saturatingAddU16(hist[idx], clampToU16(s.Count))
	}

	buf = append(buf, encodeHistHeader(low, high, len(hist), wordSize)...)
	for _, v := range hist {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], v)
		buf = append(buf, b[:]...)
	}
	return buf
}

func encodeHeader() []byte {
	buf := make([]byte, 4+4+12)
	copy(buf[0:4], gmonMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], gmonVersion)
	return buf
}

// encodeHistHeader writes the tag byte and (low, high, size, rate=1,
// "samples", '1') record header described in spec §4.12.
func encodeHistHeader(low, high uint64, histSize, wordSize int) []byte {
	buf := make([]byte, 1+2*wordSize+4+4+dimenSize+1)
	i := 0
	buf[i] = gmonTagTimeHist
	i++
	i += putWord(buf[i:], low, wordSize)
	i += putWord(buf[i:], high, wordSize)
	binary.LittleEndian.PutUint32(buf[i:i+4], uint32(histSize))
	i += 4
	binary.LittleEndian.PutUint32(buf[i:i+4], 1) // rate
	i += 4
	copy(buf[i:i+dimenSize], []byte("samples"))
	i += dimenSize
	buf[i] = '1'
	return buf
}

func putWord(buf []byte, v uint64, wordSize int) int {
	if wordSize == 8 {
		binary.LittleEndian.PutUint64(buf[:8], v)
		return 8
	}
	binary.LittleEndian.PutUint32(buf[:4], uint32(v))
	return 4
}

func saturatingAddU16(a, b uint16) uint16 {
	n := uint32(a) + uint32(b)
	if n > 0xffff {
		return 0xffff
	}
	return uint16(n)
}

func clampToU16(v odb.Value) uint16 {
	if v > 0xffff {
		return 0xffff
	}
	return uint16(v)
}
