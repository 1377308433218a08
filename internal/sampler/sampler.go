// Package sampler implements the system-stats sampler (C8): a long-lived
// goroutine that emits one events.SystemStatistics sample per period, reading
// CPU/memory/swap/disc/net counters straight out of /proc the way the
// source's generate_system_statistics() reads them out of psutil.
package sampler

import (
	"time"

	"github.com/mara-data/dataflow/internal/events"
)

const mb = 1024 * 1024

// bootCPU is captured once at package load, the way psutil snapshots
// /proc/stat at import time so that the very first explicit cpu_percent()
// call still has a baseline to diff against instead of blocking.
var bootCPU, _ = readCPUTimes()

// Sampler periodically emits events.SystemStatistics on a bus until Stop is
// called. One Sampler is meant to live for exactly one run.
type Sampler struct {
	bus    *events.Bus
	path   []string
	period time.Duration
	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Sampler bound to bus, tagging every emitted event with path
// (normally the root pipeline's path) and sampling at the given initial
// period.
func New(bus *events.Bus, path []string, period time.Duration) *Sampler {
	if period <= 0 {
		period = time.Second
	}
	return &Sampler{
		bus:    bus,
		path:   path,
		period: period,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the sampling goroutine. Stop must be called exactly once to
// release it.
func (s *Sampler) Start() {
	go s.run()
}

// Stop signals the sampling goroutine to exit and waits for it to do so.
// Safe to call even if the goroutine is mid-sleep; it will wake immediately
// instead of completing its current period.
func (s *Sampler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sampler) run() {
	defer close(s.doneCh)

	// The first sample has no prior period to diff against, so CPU usage is
	// computed against bootCPU (captured at package load) instead of being
	// omitted, the way the source's cpu_times_percent() reports a real value
	// on its very first call by diffing against psutil's own import-time
	// snapshot.
	prevCPU, cpuErr := readCPUTimes()
	mem, _ := readMemInfo()

	first := events.SystemStatistics{
		Timestamp: time.Now(),
		MemUsage:  memUsagePercent(mem),
		SwapUsage: swapUsagePercent(mem),
	}
	if cpuErr == nil {
		usage := cpuUsagePercent(bootCPU, prevCPU)
		first.CPUUsage = &usage
	}
	s.emit(first)

	prevDisk, _ := readDiskCounters()
	prevNet, _ := readNetCounters()

	period := s.period
	n := 0

	if !s.sleep(period) {
		return
	}

	for {
		curCPU, cpuErr := readCPUTimes()
		mem, _ := readMemInfo()
		curDisk, _ := readDiskCounters()
		curNet, _ := readNetCounters()

		ev := events.SystemStatistics{
			Timestamp: time.Now(),
			MemUsage:  memUsagePercent(mem),
			SwapUsage: swapUsagePercent(mem),
		}
		if cpuErr == nil {
			usage := cpuUsagePercent(prevCPU, curCPU)
			ev.CPUUsage = &usage
			iowait := iowaitPercent(prevCPU, curCPU)
			ev.IOWait = &iowait
		}
		periodSeconds := period.Seconds()
		if periodSeconds > 0 {
			read := float64(curDisk.readBytes-prevDisk.readBytes) / mb / periodSeconds
			write := float64(curDisk.writeBytes-prevDisk.writeBytes) / mb / periodSeconds
			recv := float64(curNet.recvBytes-prevNet.recvBytes) / mb / periodSeconds
			sent := float64(curNet.sentBytes-prevNet.sentBytes) / mb / periodSeconds
			ev.DiscRead, ev.DiscWrite, ev.NetRecv, ev.NetSent = &read, &write, &recv, &sent
		}
		s.emit(ev)

		prevCPU, prevDisk, prevNet = curCPU, curDisk, curNet

		// double period every 100 measurements to avoid flooding listeners
		// on long-running pipelines.
		n++
		if n%100 == 0 {
			period *= 2
		}

		if !s.sleep(period) {
			return
		}
	}
}

func (s *Sampler) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.stopCh:
		return false
	case <-t.C:
		return true
	}
}

func (s *Sampler) emit(ev events.SystemStatistics) {
	ev.Path = s.path
	s.bus.Emit(ev)
}
