package jitconv

import (
	"os"
	"syscall"
)

// ownedBy reports whether fi's owning uid matches uid.
func ownedBy(fi os.FileInfo, uid int) bool {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return int(st.Uid) == uid
}
