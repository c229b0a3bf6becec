package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"
)

const cpuProfileDuration = 30 * time.Second

// profileOnSignal captures a CPU profile followed by a heap profile into dir
// every time the process receives SIGUSR1, until ctx is done.
func profileOnSignal(ctx context.Context, dir string) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1)
	defer signal.Stop(sigs)

	log.Infof("send SIGUSR1 to pid %d to capture profiles", os.Getpid())

	for {
		select {
		case <-sigs:
			log.Info("SIGUSR1 received, capturing profiles")
			if err := captureProfiles(ctx, dir, cpuProfileDuration); err != nil {
				log.Errorf("error capturing profiles: %s", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// captureProfiles writes wakurelay-cpu-<ts>.pprof, sampled for d or until ctx
// is done, and wakurelay-heap-<ts>.pprof.
func captureProfiles(ctx context.Context, dir string, d time.Duration) error {
	ts := time.Now().Format("20060102-150405")

	cpuFile := filepath.Join(dir, fmt.Sprintf("wakurelay-cpu-%s.pprof", ts))
	f, err := os.Create(cpuFile)
	if err != nil {
		return fmt.Errorf("could not create CPU profile file %s: %w", cpuFile, err)
	}
	defer f.Close()

	if err := pprof.StartCPUProfile(f); err != nil {
		return fmt.Errorf("could not start CPU profile: %w", err)
	}

	t := time.NewTimer(d)
	select {
	case <-t.C:
	case <-ctx.Done():
		t.Stop()
	}
	pprof.StopCPUProfile()
	log.Infof("CPU profile saved to %s", cpuFile)

	heapFile := filepath.Join(dir, fmt.Sprintf("wakurelay-heap-%s.pprof", ts))
	hf, err := os.Create(heapFile)
	if err != nil {
		return fmt.Errorf("could not create heap profile file %s: %w", heapFile, err)
	}
	defer hf.Close()

	// up to date heap statistics
	runtime.GC()

	if err := pprof.WriteHeapProfile(hf); err != nil {
		return fmt.Errorf("could not write heap profile: %w", err)
	}
	log.Infof("heap profile saved to %s", heapFile)
	return nil
}
