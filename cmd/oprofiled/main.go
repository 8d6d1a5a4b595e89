// oprofiled is the sample-ingestion daemon: it reads the kernel's event
// stream and routes samples into per-event, per-image sample files
// under a session directory (spec §4.13).
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/opgo/oprofile/daemon"
	"github.com/opgo/oprofile/eventstream"
	"github.com/opgo/oprofile/imgreg"
	"github.com/opgo/oprofile/internal/oplog"
	"github.com/opgo/oprofile/internal/statcounters"
	"github.com/opgo/oprofile/proctrack"
	"github.com/opgo/oprofile/sfile"
)

var version = "0.1.0"

func main() {
	var (
		sessionDir     string
		vmlinux        string
		noVmlinux      bool
		kernelRange    string
		separateLib    bool
		separateKernel bool
		separateThread bool
		separateCPU    bool
		eventsFlag     string
		verbose        bool
		samplesDevice  string
		notesDevice    string
		maxOpenFiles   int
	)

	root := &cobra.Command{
		Use:     "oprofiled",
		Short:   "System-wide statistical profiling daemon",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := daemon.ParseEvents(eventsFlag)
			if err != nil {
				return err
			}

			cfg := daemon.Config{
				SessionDir:     sessionDir,
				Vmlinux:        vmlinux,
				NoVmlinux:      noVmlinux,
				SeparateLib:    separateLib,
				SeparateKernel: separateKernel,
				SeparateThread: separateThread,
				SeparateCPU:    separateCPU,
				Events:         events,
				Verbose:        verbose,
			}
			if kernelRange != "" {
				start, end, err := daemon.ParseKernelRange(kernelRange)
				if err != nil {
					return err
				}
				cfg.KernelStart, cfg.KernelEnd = start, end
			}

			return runDaemon(cfg, samplesDevice, notesDevice, maxOpenFiles)
		},
	}

	flags := root.Flags()
	flags.StringVar(&sessionDir, "session-dir", "/var/lib/oprofile", "session base directory")
	flags.StringVar(&vmlinux, "vmlinux", "", "path to the running kernel's vmlinux image")
	flags.BoolVar(&noVmlinux, "no-vmlinux", false, "profile without kernel symbol resolution")
	flags.StringVar(&kernelRange, "kernel-range", "", "kernel text range as start-end (hex)")
	flags.BoolVar(&separateLib, "separate-lib", false, "keep shared-library samples in their own profile")
	flags.BoolVar(&separateKernel, "separate-kernel", false, "keep each kernel/module image in its own profile")
	flags.BoolVar(&separateThread, "separate-thread", false, "keep each thread's samples in their own profile")
	flags.BoolVar(&separateCPU, "separate-cpu", false, "keep each CPU's samples in their own profile")
	flags.StringVar(&eventsFlag, "events", "", "ev:val:ctr:count:um:kernel:user,... (mandatory)")
	flags.BoolVar(&verbose, "verbose", false, "enable debug-level logging")
	flags.StringVar(&samplesDevice, "samples-device", "/dev/oprofile/buffer", "kernel sample device")
	flags.StringVar(&notesDevice, "notes-device", "", "legacy notes device (empty for the modern combined stream)")
	flags.IntVar(&maxOpenFiles, "max-open-files", 256, "maximum simultaneously mapped sample files")
	root.MarkFlagRequired("events")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cfg daemon.Config, samplesDevice, notesDevice string, maxOpenFiles int) error {
	log, err := oplog.Open(filepath.Join(cfg.SessionDir, "oprofiled.log"), cfg.Verbose)
	if err != nil {
		return err
	}
	defer log.Close()

	lock, err := daemon.AcquireLockfile(filepath.Join(cfg.SessionDir, "lock"))
	if err != nil {
		return err
	}

	mgr, err := sfile.NewManager(filepath.Join(cfg.SessionDir, "samples"), maxOpenFiles)
	if err != nil {
		lock.Release()
		return err
	}

	images := imgreg.New()
	kernel := imgreg.NewKernelRegistry(images)
	if !cfg.NoVmlinux && cfg.Vmlinux != "" {
		kernel.SetVmlinuxRange(cfg.Vmlinux, cfg.KernelStart, cfg.KernelEnd)
	}

	source, err := eventstream.NewDeviceSource(samplesDevice, notesDevice)
	if err != nil {
		lock.Release()
		return err
	}

	stats := &statcounters.Stats{}
	procs := proctrack.New()
	dispatcher := &eventstream.Dispatcher{
		Procs:  procs,
		Kernel: kernel,
		Images: images,
		Files:  mgr,
		Stats:  stats,
		Tuples: daemon.TupleBuilder{Cfg: cfg},
	}

	d := &daemon.Daemon{
		Procs:    procs,
		Images:   images,
		Kernel:   kernel,
		Files:    mgr,
		Stats:    stats,
		Source:   source,
		Dispatch: dispatcher,
		Log:      log,
		Lock:     lock,
	}

	log.WithField("session_dir", cfg.SessionDir).Info("oprofiled starting")
	return d.Run(context.Background())
}
