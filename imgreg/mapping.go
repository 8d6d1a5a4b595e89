package imgreg

// Mapping is one (image, address range, file offset) record in a
// process's mapping list.
type Mapping struct {
	Image  *Image
	Start  uint64
	Offset uint64
	End    uint64
}

func (m Mapping) contains(pc uint64) bool { return pc >= m.Start && pc < m.End }

// MappingList is a process's growable, append-only view of its address
// space. Lookup scans backwards from the most recent entry so that a
// later mapping shadows an earlier one covering the same range,
// removing any need to observe munmap (spec §4.3).
type MappingList struct {
	mappings []Mapping
	lastMap  int // index of the previous hit; -1 if none cached
}

// NewMappingList creates an empty mapping list.
func NewMappingList() *MappingList {
	return &MappingList{lastMap: -1}
}

// Append adds a new mapping at the end of the list and invalidates the
// last_map hint, since the new mapping may shadow whatever it pointed
// to.
func (l *MappingList) Append(m Mapping) {
	l.mappings = append(l.mappings, m)
	l.lastMap = -1
}

// Clear empties the list, as on exec.
func (l *MappingList) Clear() {
	l.mappings = l.mappings[:0]
	l.lastMap = -1
}

// Len returns the number of mappings currently recorded.
func (l *MappingList) Len() int { return len(l.mappings) }

// Find returns the most recently appended mapping containing pc,
// checking the last_map hint first.
func (l *MappingList) Find(pc uint64) (Mapping, bool) {
	if l.lastMap >= 0 && l.lastMap < len(l.mappings) && l.mappings[l.lastMap].contains(pc) {
		// A later mapping covering pc still shadows the hinted one.
		for i := len(l.mappings) - 1; i > l.lastMap; i-- {
			if l.mappings[i].contains(pc) {
				l.lastMap = i
				return l.mappings[i], true
			}
		}
		return l.mappings[l.lastMap], true
	}
	for i := len(l.mappings) - 1; i >= 0; i-- {
		if l.mappings[i].contains(pc) {
			l.lastMap = i
			return l.mappings[i], true
		}
	}
	return Mapping{}, false
}

// Clone deep-copies the list, for fork()'s parent-to-child copy.
func (l *MappingList) Clone() *MappingList {
	out := &MappingList{lastMap: l.lastMap}
	out.mappings = append([]Mapping(nil), l.mappings...)
	return out
}
