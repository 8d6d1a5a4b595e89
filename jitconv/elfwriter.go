package jitconv

import "encoding/binary"

// writeELFObject hand-encodes a minimal 64-bit little-endian ET_REL ELF
// object containing one .text section holding code and a .symtab
// naming offsets within it. Go's debug/elf package is read-only, so
// this is the one place in the module that writes object-file bytes
// directly instead of going through a library.
//
// Sections, in file order: NULL, .text, .symtab, .strtab, .shstrtab.
func writeELFObject(text []byte, syms []elfSymbol) []byte {
	const (
		ehdrSize = 64
		shdrSize = 64
		symSize  = 24
	)

	strtab := []byte{0}
	strOff := make([]uint32, len(syms))
	for i, s := range syms {
		strOff[i] = uint32(len(strtab))
		strtab = append(strtab, []byte(s.name)...)
		strtab = append(strtab, 0)
	}

	symtab := make([]byte, symSize) // symbol 0 is the null symbol
	for i, s := range syms {
		buf := make([]byte, symSize)
		binary.LittleEndian.PutUint32(buf[0:4], strOff[i])
		buf[4] = elfSTT_FUNC | (elfSTB_LOCAL << 4)
		buf[5] = 0 // other
		binary.LittleEndian.PutUint16(buf[6:8], 1)  // shndx: .text
		binary.LittleEndian.PutUint64(buf[8:16], s.value)
		binary.LittleEndian.PutUint64(buf[16:24], s.size)
		symtab = append(symtab, buf...)
	}

	shstrtab := []byte{0}
	nameOff := func(name string) uint32 {
		off := uint32(len(shstrtab))
		shstrtab = append(shstrtab, []byte(name)...)
		shstrtab = append(shstrtab, 0)
		return off
	}
	nullName := nameOff("")
	textName := nameOff(".text")
	symtabName := nameOff(".symtab")
	strtabName := nameOff(".strtab")
	shstrtabName := nameOff(".shstrtab")

	// File layout: header, .text, .symtab, .strtab, .shstrtab, then the
	// section header table.
	off := uint64(ehdrSize)
	textOff := off
	off += uint64(len(text))
	symtabOff := off
	off += uint64(len(symtab))
	strtabOff := off
	off += uint64(len(strtab))
	shstrtabOff := off
	off += uint64(len(shstrtab))
	shoff := off

	buf := make([]byte, 0, shoff+shdrSize*5)
	buf = append(buf, make([]byte, ehdrSize)...)
	buf = append(buf, text...)
	buf = append(buf, symtab...)
	buf = append(buf, strtab...)
	buf = append(buf, shstrtab...)

	type shdr struct {
		name, typ         uint32
		flags, addr, off_ uint64
		size              uint64
		link, info        uint32
		align, entsize    uint64
	}
	shdrs := []shdr{
		{name: nullName},
		{name: textName, typ: 1 /* SHT_PROGBITS */, flags: 0x6 /* ALLOC|EXECINSTR */, off_: textOff, size: uint64(len(text)), align: 16},
		{name: symtabName, typ: 2 /* SHT_SYMTAB */, off_: symtabOff, size: uint64(len(symtab)), link: 3, info: 1, align: 8, entsize: symSize},
		{name: strtabName, typ: 3 /* SHT_STRTAB */, off_: strtabOff, size: uint64(len(strtab)), align: 1},
		{name: shstrtabName, typ: 3, off_: shstrtabOff, size: uint64(len(shstrtab)), align: 1},
	}

	for _, s := range shdrs {
		h := make([]byte, shdrSize)
		binary.LittleEndian.PutUint32(h[0:4], s.name)
		binary.LittleEndian.PutUint32(h[4:8], s.typ)
		binary.LittleEndian.PutUint64(h[8:16], s.flags)
		binary.LittleEndian.PutUint64(h[16:24], s.addr)
		binary.LittleEndian.PutUint64(h[24:32], s.off_)
		binary.LittleEndian.PutUint64(h[32:40], s.size)
		binary.LittleEndian.PutUint32(h[40:44], s.link)
		binary.LittleEndian.PutUint32(h[44:48], s.info)
		binary.LittleEndian.PutUint64(h[48:56], s.align)
		binary.LittleEndian.PutUint64(h[56:64], s.entsize)
		buf = append(buf, h...)
	}

	e := buf[:ehdrSize]
	e[0], e[1], e[2], e[3] = 0x7f, 'E', 'L', 'F'
	e[4] = 2 // ELFCLASS64
	e[5] = 1 // ELFDATA2LSB
	e[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(e[16:18], 1) // ET_REL
	binary.LittleEndian.PutUint16(e[18:20], 0x3e) // EM_X86_64
	binary.LittleEndian.PutUint32(e[20:24], 1)     // EV_CURRENT
	binary.LittleEndian.PutUint64(e[40:48], shoff)
	binary.LittleEndian.PutUint16(e[52:54], ehdrSize)
	binary.LittleEndian.PutUint16(e[58:60], shdrSize)
	binary.LittleEndian.PutUint16(e[60:62], uint16(len(shdrs)))
	binary.LittleEndian.PutUint16(e[62:64], 4) // shstrndx

	return buf
}

const (
	elfSTT_FUNC  = 2
	elfSTB_LOCAL = 0
)

type elfSymbol struct {
	name  string
	value uint64
	size  uint64
}
