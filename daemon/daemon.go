// Package daemon implements the daemon main loop (spec §4.13): it wires
// the process tracker, image registry, sample-file manager, and event
// decoder together into one cooperative event loop, handling periodic
// flush, log re-open, and graceful shutdown.
package daemon

import (
	"context"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"

	"github.com/opgo/oprofile/eventstream"
	"github.com/opgo/oprofile/imgreg"
	"github.com/opgo/oprofile/internal/oplog"
	"github.com/opgo/oprofile/internal/statcounters"
	"github.com/opgo/oprofile/proctrack"
	"github.com/opgo/oprofile/sfile"
)

// alarmInterval is the periodic sync/age/stats-dump tick (spec §4.13:
// "alarm(600)"). A time.Ticker is the idiomatic Go substitute for the
// original's SIGALRM: there is no signal-handler/flag-polling dance,
// the tick simply arrives on a channel the select loop already reads.
const alarmInterval = 600 * time.Second

// sampleBufSize is the per-read scratch buffer, sized generously above
// the kernel's typical buffer_size (spec §4.13 "sysfs-like control
// plane") so one read usually drains the device in one syscall.
const sampleBufSize = 1 << 20

// Daemon owns every piece of session state the main loop touches: the
// process/image/kernel registries, the sample-file manager, the event
// decoder's dispatcher, the structured logger, and the PID lockfile.
type Daemon struct {
	Procs    *proctrack.Table
	Images   *imgreg.Registry
	Kernel   *imgreg.KernelRegistry
	Files    *sfile.Manager
	Stats    *statcounters.Stats
	Source   eventstream.Source
	Dispatch *eventstream.Dispatcher
	Log      *oplog.Logger
	Lock     *Lockfile

	Callgraph bool // whether Decode expects 3-word samples (spec §4.5)

	reads chan readResult // set by Run; drained by shutdown
}

// readResult carries one decoded batch (or a terminal read error) from
// the reader goroutine to the main select loop. The reader goroutine is
// the only place that blocks on Source.ReadSamples; everything else
// (signals, the alarm tick, shutdown) is handled by Run's select,
// keeping the dispatch path itself single-threaded per spec §5
// "Scheduling model".
type readResult struct {
	records []eventstream.Record
	err     error
}

// Run drives the main loop until ctx is cancelled or a fatal read error
// occurs. SIGHUP reopens the log; SIGTERM/SIGINT (or ctx cancellation)
// trigger a graceful, non-blocking drain-then-exit; the alarm ticker
// syncs every open ODB, ages the process table, and logs a stats
// snapshot (spec §4.13).
func (d *Daemon) Run(ctx context.Context) error {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, unix.SIGHUP, unix.SIGTERM, unix.SIGINT)
	defer signal.Stop(sigs)

	ticker := time.NewTicker(alarmInterval)
	defer ticker.Stop()

	d.reads = make(chan readResult, 1)
	go d.readLoop(d.reads)

	for {
		select {
		case res := <-d.reads:
			if res.err != nil {
				d.shutdown()
				return res.err
			}
			for _, rec := range res.records {
				if err := d.Dispatch.Dispatch(rec); err != nil {
					return err
				}
			}

		case <-ticker.C:
			d.onAlarm()

		case sig := <-sigs:
			switch sig {
			case unix.SIGHUP:
				d.onHup()
			case unix.SIGTERM, unix.SIGINT:
				d.shutdown()
				return nil
			}

		case <-ctx.Done():
			d.shutdown()
			return ctx.Err()
		}
	}
}

// readLoop blocks on the source and pushes decoded record batches to
// out. It is the loop's sole blocking point (spec §5 "Suspension
// points"); Source.SetNonblock during shutdown unblocks it with
// EAGAIN so it exits instead of hanging the process.
func (d *Daemon) readLoop(out chan<- readResult) {
	buf := make([]byte, sampleBufSize)
	for {
		n, err := d.Source.ReadSamples(buf)
		if err != nil {
			out <- readResult{err: err}
			return
		}
		if n == 0 {
			continue
		}
		words := bytesToWords(buf[:n])
		records, err := eventstream.Decode(words, d.Callgraph, d.Stats)
		if err != nil {
			out <- readResult{err: err}
			return
		}
		out <- readResult{records: records}
	}
}

func bytesToWords(buf []byte) []uint64 {
	words := make([]uint64, len(buf)/8)
	for i := range words {
		for b := 0; b < 8; b++ {
			words[i] |= uint64(buf[i*8+b]) << (8 * b)
		}
	}
	return words
}

// onAlarm is the deferred work for the alarm tick: sync every open ODB,
// reap dead processes, and log a stats snapshot (spec §4.13, §9
// "snapshotted under the alarm handler's deferred work, not in the
// handler itself").
func (d *Daemon) onAlarm() {
	if err := d.Files.Sync(); err != nil && d.Log != nil {
		d.Log.WithError(err).Warn("alarm sync failed")
	}
	d.Procs.Reap()
	d.Stats.DumpCount.Add(1)
	if d.Log != nil {
		d.Log.WithFields(d.Stats.Snapshot().Fields()).Info("stats")
	}
}

// onHup reopens the log file and closes every open ODB so the next
// sample against each reopens it lazily, per spec §4.13.
func (d *Daemon) onHup() {
	if d.Log != nil {
		if err := d.Log.Reopen(); err != nil {
			d.Log.WithError(err).Warn("log reopen failed")
		}
	}
	if err := d.Files.Close(); err != nil && d.Log != nil {
		d.Log.WithError(err).Warn("close on hup failed")
	}
}

// drainTimeout bounds the post-nonblock drain in shutdown. The real
// daemon's opd_shutdown loop is single-threaded, so switching the fd to
// O_NONBLOCK and looping op_read_device until EAGAIN can never livelock:
// the very next read call observes the new flag. Here the blocking read
// lives in a separate goroutine (readLoop), and a read already in
// flight when SetNonblock is called may not be woken by it; the timeout
// is a defensive bound for that cross-goroutine case the original
// single-threaded loop never has to consider.
const drainTimeout = 200 * time.Millisecond

// drainPending consumes readLoop's remaining decoded batches after the
// source has been switched to non-blocking, dispatching each one, until
// readLoop reports a terminal read error (EAGAIN once the device is
// exhausted) or drainTimeout elapses.
func (d *Daemon) drainPending() {
	if d.reads == nil {
		return
	}
	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	for {
		select {
		case res := <-d.reads:
			if res.err != nil {
				return
			}
			for _, rec := range res.records {
				if err := d.Dispatch.Dispatch(rec); err != nil && d.Log != nil {
					d.Log.WithError(err).Warn("shutdown dispatch failed")
				}
			}
		case <-timer.C:
			return
		}
	}
}

// shutdown drains the source non-blockingly, syncs and closes every
// ODB, releases the lockfile, and closes the log (spec §4.13 "TERM/
// shutdown-state: drain buffers non-blocking, then exit"), grounded on
// the real daemon's opd_shutdown: set O_NONBLOCK, then keep reading and
// dispatching until EAGAIN, so no sample already sitting in the
// kernel's buffer at SIGTERM is abandoned.
func (d *Daemon) shutdown() {
	_ = d.Source.SetNonblock(true)
	d.drainPending()
	_ = d.Source.Close()
	if err := d.Files.Sync(); err != nil && d.Log != nil {
		d.Log.WithError(err).Warn("shutdown sync failed")
	}
	_ = d.Files.Close()
	if d.Lock != nil {
		_ = d.Lock.Release()
	}
	if d.Log != nil {
		_ = d.Log.Close()
	}
}
