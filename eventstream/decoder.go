package eventstream

import (
	"github.com/opgo/oprofile/imgreg"
	"github.com/opgo/oprofile/internal/oserr"
	"github.com/opgo/oprofile/internal/statcounters"
)

// sentinel is the escape word: all-ones of the word width. Every
// decoded stream in this implementation uses 64-bit words regardless
// of the producing kernel's native pointer width (the legacy 32-bit
// wire format is handled separately by DecodeLegacySamples/Notes).
const sentinel uint64 = ^uint64(0)

// Control codes. Values are pinned: they are never persisted to disk,
// but are shared between the producer simulation in tests and the
// decoder, so a reviewer must not renumber them without checking both.
const (
	codeCtxSwitch uint64 = iota + 1
	codeCpuSwitch
	codeCookieSwitch
	codeKernelEnter
	codeKernelExit
	codeModuleLoaded
)

// Decode parses a flat stream of words in the modern v2 format into a
// sequence of Records, in order. A sentinel with no room for a trailing
// code is counted under DanglingCode and ends decoding early; an
// unrecognized code ends decoding with a parse error. In both cases
// everything already decoded is still returned.
//
// When callgraph is true, every (pc, event) sample pair is followed by
// one additional word carrying the kernel-supplied last_pc value (spec
// §4.5 "Callgraph mode"), producing a 3-word sample instead of 2.
func Decode(words []uint64, callgraph bool, stats *statcounters.Stats) ([]Record, error) {
	var out []Record
	sampleWords := 2
	if callgraph {
		sampleWords = 3
	}
	i := 0
	for i < len(words) {
		w := words[i]
		if w != sentinel {
			if i+sampleWords > len(words) {
				if stats != nil {
					stats.DanglingCode.Add(1)
				}
				break
			}
			s := Sample{PC: w, Event: uint32(words[i+1])}
			if callgraph {
				s.LastPC = words[i+2]
				s.HasLastPC = true
			}
			out = append(out, s)
			i += sampleWords
			continue
		}

		if i+1 >= len(words) {
			if stats != nil {
				stats.DanglingCode.Add(1)
			}
			break
		}
		code := words[i+1]
		i += 2

		switch code {
		case codeCtxSwitch:
			if i+5 > len(words) {
				if stats != nil {
					stats.DanglingCode.Add(1)
				}
				return out, nil
			}
			tid := int32(words[i])
			cookie := imgreg.Cookie(words[i+1])
			// words[i+2] is a nested sentinel, words[i+3] a tgid_code
			// marker; both are fixed framing and carry no information
			// beyond announcing that a tgid word follows.
			tgid := int32(words[i+4])
			i += 5
			out = append(out, CtxSwitch{Tid: tid, AppCookie: cookie, Tgid: tgid})

		case codeCpuSwitch:
			if i+1 > len(words) {
				if stats != nil {
					stats.DanglingCode.Add(1)
				}
				return out, nil
			}
			out = append(out, CpuSwitch{Cpu: int32(words[i])})
			i++

		case codeCookieSwitch:
			if i+1 > len(words) {
				if stats != nil {
					stats.DanglingCode.Add(1)
				}
				return out, nil
			}
			out = append(out, CookieSwitch{Cookie: imgreg.Cookie(words[i])})
			i++

		case codeKernelEnter:
			out = append(out, KernelEnter{})

		case codeKernelExit:
			out = append(out, KernelExit{})

		case codeModuleLoaded:
			out = append(out, ModuleLoaded{})

		default:
			return out, oserr.New(oserr.KindParse, "eventstream: unrecognized control code")
		}
	}
	return out, nil
}
