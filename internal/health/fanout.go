package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dhaslett/restreamd/internal/config"
	"github.com/dhaslett/restreamd/internal/metrics"
	"github.com/dhaslett/restreamd/internal/models"
	"github.com/dhaslett/restreamd/internal/repository"
	"github.com/dhaslett/restreamd/internal/supervisor"
)

// Snapshot is one channel's live state pushed to stats subscribers.
type Snapshot struct {
	ChannelID     string                `json:"channel_id"`
	Name          string                `json:"name"`
	Status        models.ChannelStatus  `json:"status"`
	PID           *int                  `json:"pid,omitempty"`
	UptimeSeconds float64               `json:"uptime_seconds,omitempty"`
	Metrics       *metrics.MetricRecord `json:"metrics,omitempty"`
	Process       *metrics.ProcessStats `json:"process,omitempty"`
	BitrateKbps   float64               `json:"bitrate_kbps"`
	BitrateSource string                `json:"bitrate_source"`
	Timestamp     time.Time             `json:"timestamp"`
}

// StatsSubscription is one subscriber's feed of snapshot batches.
type StatsSubscription struct {
	id        string
	all       bool
	channelID models.ULID
	ch        chan []Snapshot
}

// Snapshots returns the subscriber's receive channel. It is closed on
// unfollow or fanout shutdown.
func (s *StatsSubscription) Snapshots() <-chan []Snapshot {
	return s.ch
}

type netSample struct {
	rx, tx uint64
	at     time.Time
}

// Fanout pushes periodic stats snapshots to followers of one channel
// or of the whole channel set. Snapshots are only computed while at
// least one follower is attached.
type Fanout struct {
	cfg      config.HealthConfig
	channels repository.ChannelRepository
	sup      *supervisor.Supervisor
	stats    *metrics.StatsCollector
	logger   *slog.Logger

	mu      sync.Mutex
	subs    map[string]*StatsSubscription
	prevNet map[models.ULID]netSample
	closed  bool
}

// NewFanout creates a stats fanout.
func NewFanout(
	cfg config.HealthConfig,
	channels repository.ChannelRepository,
	sup *supervisor.Supervisor,
	stats *metrics.StatsCollector,
	logger *slog.Logger,
) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		cfg:      cfg,
		channels: channels,
		sup:      sup,
		stats:    stats,
		logger:   logger.With(slog.String("component", "stats-fanout")),
		subs:     make(map[string]*StatsSubscription),
		prevNet:  make(map[models.ULID]netSample),
	}
}

// FollowChannel subscribes to one channel's snapshots. Returns nil
// after shutdown.
func (f *Fanout) FollowChannel(id models.ULID) *StatsSubscription {
	return f.follow(&StatsSubscription{channelID: id})
}

// FollowAll subscribes to snapshots of every channel. Returns nil
// after shutdown.
func (f *Fanout) FollowAll() *StatsSubscription {
	return f.follow(&StatsSubscription{all: true})
}

func (f *Fanout) follow(sub *StatsSubscription) *StatsSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	sub.id = uuid.NewString()
	sub.ch = make(chan []Snapshot, f.cfg.SubscriberBuffer)
	f.subs[sub.id] = sub
	return sub
}

// Unfollow detaches a subscriber and closes its channel.
func (f *Fanout) Unfollow(sub *StatsSubscription) {
	if sub == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[sub.id]; ok {
		delete(f.subs, sub.id)
		close(sub.ch)
	}
}

// Run pushes snapshots on the configured interval until ctx is
// cancelled, then closes all subscriber channels.
func (f *Fanout) Run(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.PushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			f.shutdown()
			return
		case <-ticker.C:
			f.push(ctx)
		}
	}
}

func (f *Fanout) shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, sub := range f.subs {
		delete(f.subs, id)
		close(sub.ch)
	}
}

// push computes snapshots for every followed channel and delivers them
// without blocking; slow subscribers miss batches.
func (f *Fanout) push(ctx context.Context) {
	f.mu.Lock()
	subs := make([]*StatsSubscription, 0, len(f.subs))
	for _, sub := range f.subs {
		subs = append(subs, sub)
	}
	f.mu.Unlock()
	if len(subs) == 0 {
		return
	}

	wantAll := false
	wanted := make(map[models.ULID]struct{})
	for _, sub := range subs {
		if sub.all {
			wantAll = true
		} else {
			wanted[sub.channelID] = struct{}{}
		}
	}

	byID := make(map[models.ULID]Snapshot)
	var all []Snapshot
	if wantAll {
		list, err := f.channels.List(ctx)
		if err != nil {
			f.logger.Warn("listing channels for stats push", slog.String("error", err.Error()))
			return
		}
		for i := range list {
			snap := f.Snapshot(ctx, &list[i])
			byID[list[i].ID] = snap
			all = append(all, snap)
		}
	}
	for id := range wanted {
		if _, ok := byID[id]; ok {
			continue
		}
		ch, err := f.channels.GetByID(ctx, id)
		if err != nil || ch == nil {
			continue
		}
		byID[id] = f.Snapshot(ctx, ch)
	}

	for _, sub := range subs {
		var batch []Snapshot
		if sub.all {
			batch = all
		} else if snap, ok := byID[sub.channelID]; ok {
			batch = []Snapshot{snap}
		}
		if len(batch) == 0 {
			continue
		}
		select {
		case sub.ch <- batch:
		default:
		}
	}
}

// Snapshot assembles one channel's live state.
func (f *Fanout) Snapshot(ctx context.Context, channel *models.Channel) Snapshot {
	snap := Snapshot{
		ChannelID: channel.ID.String(),
		Name:      channel.Name,
		Status:    channel.Status,
		PID:       channel.PID,
		Timestamp: time.Now(),
	}

	var netKbps float64
	if info, ok := f.sup.Info(channel.ID); ok {
		snap.UptimeSeconds = time.Since(info.StartedAt).Seconds()
		snap.Metrics = info.LastMetrics

		stats := f.stats.Collect(ctx, info.PID)
		snap.Process = &stats
		netKbps = f.networkRate(channel.ID, stats)
	} else {
		f.mu.Lock()
		delete(f.prevNet, channel.ID)
		f.mu.Unlock()
	}

	var configuredKbps float64
	if bps, ok := channel.FFmpegParams.VideoBitrate.BitrateBps(); ok {
		configuredKbps = float64(bps) / 1000
	}
	snap.BitrateKbps, snap.BitrateSource = chooseBitrate(snap.Metrics, netKbps, configuredKbps)
	return snap
}

// networkRate derives a kbit/s transmit rate from successive interface
// counter samples.
func (f *Fanout) networkRate(id models.ULID, stats metrics.ProcessStats) float64 {
	now := time.Now()
	f.mu.Lock()
	prev, ok := f.prevNet[id]
	f.prevNet[id] = netSample{rx: stats.RxBytes, tx: stats.TxBytes, at: now}
	f.mu.Unlock()

	if !ok || stats.TxBytes < prev.tx {
		return 0
	}
	elapsed := now.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(stats.TxBytes-prev.tx) * 8 / (elapsed * 1000)
}

// chooseBitrate picks the most trustworthy bitrate figure: parsed
// encoder output, then observed network counters, then the declared
// target bitrate.
func chooseBitrate(rec *metrics.MetricRecord, netKbps, configuredKbps float64) (float64, string) {
	switch {
	case rec != nil && rec.Bitrate > 0:
		return rec.Bitrate, metrics.SourceParsed
	case netKbps > 0:
		return netKbps, metrics.SourceNetwork
	case configuredKbps > 0:
		return configuredKbps, metrics.SourceConfigured
	default:
		return 0, metrics.SourceParsed
	}
}
