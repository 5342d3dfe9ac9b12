package supervisor

import (
	"sync"
	"time"

	"github.com/dhaslett/restreamd/internal/ffmpeg"
	"github.com/dhaslett/restreamd/internal/metrics"
)

// stderrTailLines bounds the per-process diagnostic ring buffer.
const stderrTailLines = 50

// slot tracks one live encoder process.
type slot struct {
	cmd       *ffmpeg.Command
	pid       int
	startedAt time.Time

	// done closes after Wait returns; exitErr is valid once it has.
	done    chan struct{}
	exitErr error

	mu            sync.Mutex
	lastMetrics   *metrics.MetricRecord
	stderrTail    []string
	stopRequested bool
}

func newSlot(cmd *ffmpeg.Command, pid int) *slot {
	return &slot{
		cmd:       cmd,
		pid:       pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

func (s *slot) setMetrics(rec metrics.MetricRecord) {
	s.mu.Lock()
	s.lastMetrics = &rec
	s.mu.Unlock()
}

func (s *slot) metricsSnapshot() *metrics.MetricRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastMetrics == nil {
		return nil
	}
	rec := *s.lastMetrics
	return &rec
}

func (s *slot) appendStderr(line string) {
	s.mu.Lock()
	s.stderrTail = append(s.stderrTail, line)
	if len(s.stderrTail) > stderrTailLines {
		s.stderrTail = s.stderrTail[len(s.stderrTail)-stderrTailLines:]
	}
	s.mu.Unlock()
}

func (s *slot) tailSnapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tail := make([]string, len(s.stderrTail))
	copy(tail, s.stderrTail)
	return tail
}

func (s *slot) requestStop() {
	s.mu.Lock()
	s.stopRequested = true
	s.mu.Unlock()
}

func (s *slot) stopWasRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}

// ProcessInfo is a point-in-time view of a supervised process.
type ProcessInfo struct {
	PID         int
	StartedAt   time.Time
	Program     string
	Argv        []string
	LastMetrics *metrics.MetricRecord
	StderrTail  []string
}
