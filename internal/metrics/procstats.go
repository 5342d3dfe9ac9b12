package metrics

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessStats is an OS-level snapshot of a running encoder process.
// All fields are zero when the process is gone or a collector fails;
// stats collection is best effort and never returns an error.
type ProcessStats struct {
	PID            int     `json:"pid"`
	Running        bool    `json:"running"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
	MemoryRSS      uint64  `json:"memory_rss"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Cmdline        string  `json:"cmdline,omitempty"`
	RxBytes        uint64  `json:"rx_bytes"`
	TxBytes        uint64  `json:"tx_bytes"`
	Connections    int     `json:"connections"`
}

const collectorTimeout = 3 * time.Second

// StatsCollector gathers process statistics from the OS. The proc root
// and command runner are replaceable for tests.
type StatsCollector struct {
	procRoot string
	runner   func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewStatsCollector creates a collector reading from /proc.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{
		procRoot: "/proc",
		runner: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
	}
}

// Collect gathers a stats snapshot for pid. Individual collector
// failures leave their fields zeroed rather than failing the snapshot.
func (c *StatsCollector) Collect(ctx context.Context, pid int) ProcessStats {
	stats := ProcessStats{PID: pid}
	if pid <= 0 {
		return stats
	}

	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return stats
	}
	running, err := proc.IsRunningWithContext(ctx)
	if err != nil || !running {
		return stats
	}
	stats.Running = true

	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryPercentWithContext(ctx); err == nil {
		stats.MemoryPercent = float64(mem)
	}
	if info, err := proc.MemoryInfoWithContext(ctx); err == nil && info != nil {
		stats.MemoryRSS = info.RSS
	}
	if created, err := proc.CreateTimeWithContext(ctx); err == nil && created > 0 {
		stats.ElapsedSeconds = time.Since(time.UnixMilli(created)).Seconds()
	}
	if cmdline, err := proc.CmdlineWithContext(ctx); err == nil {
		stats.Cmdline = cmdline
	}

	stats.RxBytes, stats.TxBytes = c.networkBytes(pid)
	stats.Connections = c.connectionCount(ctx, pid)

	return stats
}

// Alive reports whether pid refers to a live process.
func (c *StatsCollector) Alive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	return err == nil && ok
}

// networkBytes sums the rx/tx byte counters of the process's network
// namespace from /proc/<pid>/net/dev, skipping loopback.
func (c *StatsCollector) networkBytes(pid int) (rx, tx uint64) {
	data, err := os.ReadFile(fmt.Sprintf("%s/%d/net/dev", c.procRoot, pid))
	if err != nil {
		return 0, 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		iface, fields, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.TrimSpace(iface) == "lo" {
			continue
		}
		cols := strings.Fields(fields)
		if len(cols) < 9 {
			continue
		}
		if n, err := strconv.ParseUint(cols[0], 10, 64); err == nil {
			rx += n
		}
		if n, err := strconv.ParseUint(cols[8], 10, 64); err == nil {
			tx += n
		}
	}
	return rx, tx
}

// connectionCount counts the process's open network connections,
// preferring ss, then netstat, then socket fd enumeration.
func (c *StatsCollector) connectionCount(ctx context.Context, pid int) int {
	ctx, cancel := context.WithTimeout(ctx, collectorTimeout)
	defer cancel()

	if n, ok := c.countViaSS(ctx, pid); ok {
		return n
	}
	if n, ok := c.countViaNetstat(ctx, pid); ok {
		return n
	}
	return c.countSocketFDs(pid)
}

func (c *StatsCollector) countViaSS(ctx context.Context, pid int) (int, bool) {
	out, err := c.runner(ctx, "ss", "-tunap")
	if err != nil {
		return 0, false
	}
	needle := fmt.Sprintf("pid=%d,", pid)
	count := 0
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, needle) {
			count++
		}
	}
	return count, true
}

func (c *StatsCollector) countViaNetstat(ctx context.Context, pid int) (int, bool) {
	out, err := c.runner(ctx, "netstat", "-tunap")
	if err != nil {
		return 0, false
	}
	needle := fmt.Sprintf("%d/", pid)
	count := 0
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, needle) {
			count++
		}
	}
	return count, true
}

func (c *StatsCollector) countSocketFDs(pid int) int {
	entries, err := os.ReadDir(fmt.Sprintf("%s/%d/fd", c.procRoot, pid))
	if err != nil {
		return 0
	}
	count := 0
	for _, entry := range entries {
		target, err := os.Readlink(fmt.Sprintf("%s/%d/fd/%s", c.procRoot, pid, entry.Name()))
		if err == nil && strings.HasPrefix(target, "socket:") {
			count++
		}
	}
	return count
}
