// Package sysfsctl reads the daemon's read-only, sysfs-like control
// plane: a tree of decimal-ASCII integer files, one per counter, plus
// top-level buffer_size/kernel_only/nr_interrupts files (spec §6).
package sysfsctl

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Tree reads integer control files rooted at a base directory such as
// /sys/class/oprofile on a real system, or a synthetic directory in
// tests.
type Tree struct {
	Root string
}

// New returns a Tree rooted at root.
func New(root string) *Tree {
	return &Tree{Root: root}
}

// ReadInt reads a decimal-ASCII, newline-terminated integer from the
// file at the given path relative to the tree root.
func (t *Tree) ReadInt(rel string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(t.Root, rel))
	if err != nil {
		return 0, fmt.Errorf("sysfsctl: read %s: %w", rel, err)
	}
	s := strings.TrimSpace(string(data))
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sysfsctl: parse %s=%q: %w", rel, s, err)
	}
	return v, nil
}

// CounterConfig is one counter's control-plane settings, read from
// <root>/<n>/{event,count,unit_mask,enabled}.
type CounterConfig struct {
	Event    int64
	Count    int64
	UnitMask int64
	Enabled  bool
}

// ReadCounter reads the four per-counter control files for counter
// index n.
func (t *Tree) ReadCounter(n int) (CounterConfig, error) {
	dir := strconv.Itoa(n)
	var cfg CounterConfig
	var err error
	if cfg.Event, err = t.ReadInt(filepath.Join(dir, "event")); err != nil {
		return cfg, err
	}
	if cfg.Count, err = t.ReadInt(filepath.Join(dir, "count")); err != nil {
		return cfg, err
	}
	if cfg.UnitMask, err = t.ReadInt(filepath.Join(dir, "unit_mask")); err != nil {
		return cfg, err
	}
	enabled, err := t.ReadInt(filepath.Join(dir, "enabled"))
	if err != nil {
		return cfg, err
	}
	cfg.Enabled = enabled != 0
	return cfg, nil
}

// BufferSize reads the top-level buffer_size control file.
func (t *Tree) BufferSize() (int64, error) { return t.ReadInt("buffer_size") }

// KernelOnly reads the top-level kernel_only control file.
func (t *Tree) KernelOnly() (bool, error) {
	v, err := t.ReadInt("kernel_only")
	return v != 0, err
}

// NrInterrupts reads the top-level nr_interrupts control file.
func (t *Tree) NrInterrupts() (int64, error) { return t.ReadInt("nr_interrupts") }
