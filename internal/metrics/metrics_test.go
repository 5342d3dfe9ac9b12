package metrics

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLineFullProgress(t *testing.T) {
	line := "frame=  123 fps= 25 q=28.0 size=    1024kB time=00:00:05.00 bitrate=1677.7kbits/s speed=1.0x"

	rec, ok := ParseLine(line)
	require.True(t, ok)

	assert.Equal(t, int64(123), rec.Frame)
	assert.Equal(t, 25.0, rec.FPS)
	assert.Equal(t, 28.0, rec.Quality)
	assert.Equal(t, int64(1048576), rec.Size)
	assert.Equal(t, 5.0, rec.Time)
	assert.Equal(t, 1677.7, rec.Bitrate)
	assert.Equal(t, 1.0, rec.Speed)
	assert.Equal(t, SourceParsed, rec.Source)
	assert.False(t, rec.CapturedAt.IsZero())
}

func TestParseLineUnits(t *testing.T) {
	tests := []struct {
		name string
		line string
		want MetricRecord
	}{
		{
			name: "bytes and bits per second",
			line: "frame=1 size=512B time=00:00:01.00 bitrate=4096.0bits/s speed=0.5x",
			want: MetricRecord{Frame: 1, Size: 512, Time: 1, Bitrate: 4.096, Speed: 0.5},
		},
		{
			name: "megabytes and mbits",
			line: "frame=2 size=2MB time=00:01:00.00 bitrate=1.5mbits/s speed=1.0x",
			want: MetricRecord{Frame: 2, Size: 2 * 1024 * 1024, Time: 60, Bitrate: 1500, Speed: 1},
		},
		{
			name: "gigabytes and kbps",
			line: "frame=3 size=1GB time=01:00:00.00 bitrate=2000kbps speed=1.0x",
			want: MetricRecord{Frame: 3, Size: 1024 * 1024 * 1024, Time: 3600, Bitrate: 2000, Speed: 1},
		},
		{
			name: "negative quality",
			line: "frame=4 fps=0.0 q=-1.0 size=0kB time=00:00:00.00 bitrate=0.0kbits/s speed=0x",
			want: MetricRecord{Frame: 4, Quality: -1},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec, ok := ParseLine(tc.line)
			require.True(t, ok)
			assert.Equal(t, tc.want.Frame, rec.Frame)
			assert.Equal(t, tc.want.FPS, rec.FPS)
			assert.Equal(t, tc.want.Quality, rec.Quality)
			assert.Equal(t, tc.want.Size, rec.Size)
			assert.Equal(t, tc.want.Time, rec.Time)
			assert.InDelta(t, tc.want.Bitrate, rec.Bitrate, 0.0001)
			assert.Equal(t, tc.want.Speed, rec.Speed)
		})
	}
}

func TestParseLineDerivesBitrateFromSizeAndTime(t *testing.T) {
	rec, ok := ParseLine("frame=100 size=1000kB time=00:00:10.00 speed=1.0x")
	require.True(t, ok)

	// 1000 kB = 1024000 bytes = 8192000 bits over 10s is 819.2 kbit/s.
	assert.InDelta(t, 819.2, rec.Bitrate, 0.0001)
}

func TestParseLineHoursAndFractionalSeconds(t *testing.T) {
	rec, ok := ParseLine("frame=9 time=01:02:03.50 speed=1.0x")
	require.True(t, ok)
	assert.Equal(t, 3723.5, rec.Time)
}

func TestParseLineMuxingOverhead(t *testing.T) {
	rec, ok := ParseLine("frame=500 video:4096kB audio:128kB subtitle:0kB other streams:0kB global headers:0kB muxing overhead: 1.2%")
	require.True(t, ok)
	assert.Equal(t, int64(4096*1024), rec.VideoSize)
	assert.Equal(t, int64(128*1024), rec.AudioSize)
}

func TestParseLineIgnoresNonProgressLines(t *testing.T) {
	for _, line := range []string{
		"",
		"[mpegts @ 0x55b] PES packet size mismatch",
		"Press [q] to stop, [?] for help",
		"Input #0, hls, from 'http://example.com/live.m3u8':",
	} {
		_, ok := ParseLine(line)
		assert.False(t, ok, "line %q should not parse", line)
	}
}

func TestFeedReassemblesFragments(t *testing.T) {
	p := NewParser()

	recs, _ := p.Feed("ch1", []byte("frame=  10 fps= 25 q=28.0 size=100kB ti"))
	assert.Empty(t, recs)

	recs, _ = p.Feed("ch1", []byte("me=00:00:01.00 bitrate=819.2kbits/s speed=1.0x\r"))
	require.Len(t, recs, 1)
	assert.Equal(t, int64(10), recs[0].Frame)
	assert.Equal(t, 1.0, recs[0].Time)
}

func TestFeedSplitsOnCarriageReturns(t *testing.T) {
	p := NewParser()

	chunk := []byte("frame=1 speed=1.0x\rframe=2 speed=1.0x\rframe=3 spe")
	recs, _ := p.Feed("ch1", chunk)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(1), recs[0].Frame)
	assert.Equal(t, int64(2), recs[1].Frame)

	recs, _ = p.Feed("ch1", []byte("ed=1.0x\n"))
	require.Len(t, recs, 1)
	assert.Equal(t, int64(3), recs[0].Frame)
}

func TestFeedKeepsStreamsIndependent(t *testing.T) {
	p := NewParser()

	p.Feed("a", []byte("frame=1 spe"))
	recs, _ := p.Feed("b", []byte("frame=2 speed=1.0x\n"))
	require.Len(t, recs, 1)
	assert.Equal(t, int64(2), recs[0].Frame)

	recs, _ = p.Feed("a", []byte("ed=1.0x\n"))
	require.Len(t, recs, 1)
	assert.Equal(t, int64(1), recs[0].Frame)
}

func TestClearStreamDropsResidual(t *testing.T) {
	p := NewParser()

	p.Feed("ch1", []byte("frame=1 spe"))
	assert.Equal(t, 1, p.ActiveStreams())
	p.ClearStream("ch1")
	assert.Zero(t, p.ActiveStreams())

	recs, lines := p.Feed("ch1", []byte("ed=1.0x\n"))
	assert.Empty(t, recs)
	assert.Equal(t, []string{"ed=1.0x"}, lines)
}

func TestFeedSeparatesDiagnosticLines(t *testing.T) {
	p := NewParser()
	recs, lines := p.Feed("ch1", []byte("[hls @ 0x1] Opening segment 12\nframe=7 speed=1.0x\n   \n"))
	require.Len(t, recs, 1)
	assert.Equal(t, int64(7), recs[0].Frame)
	assert.Equal(t, []string{"[hls @ 0x1] Opening segment 12"}, lines)
}

func fakeProcTree(t *testing.T, pid int) *StatsCollector {
	t.Helper()
	root := t.TempDir()
	netDir := filepath.Join(root, fmt.Sprint(pid), "net")
	require.NoError(t, os.MkdirAll(netDir, 0o755))

	dev := `Inter-|   Receive                                                |  Transmit
 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
    lo:  999999     100    0    0    0     0          0         0   999999     100    0    0    0     0       0          0
  eth0: 1000000     500    0    0    0     0          0         0   2000000     400    0    0    0     0       0          0
`
	require.NoError(t, os.WriteFile(filepath.Join(netDir, "dev"), []byte(dev), 0o644))

	c := NewStatsCollector()
	c.procRoot = root
	return c
}

func TestNetworkBytesSkipsLoopback(t *testing.T) {
	c := fakeProcTree(t, 4242)
	rx, tx := c.networkBytes(4242)
	assert.Equal(t, uint64(1000000), rx)
	assert.Equal(t, uint64(2000000), tx)
}

func TestNetworkBytesZeroOnMissingProcess(t *testing.T) {
	c := NewStatsCollector()
	c.procRoot = t.TempDir()
	rx, tx := c.networkBytes(1)
	assert.Zero(t, rx)
	assert.Zero(t, tx)
}

func TestConnectionCountPrefersSS(t *testing.T) {
	c := NewStatsCollector()
	c.runner = func(_ context.Context, name string, _ ...string) ([]byte, error) {
		require.Equal(t, "ss", name)
		return []byte(
			"tcp ESTAB 0 0 10.0.0.1:5000 10.0.0.2:4000 users:((\"ffmpeg\",pid=77,fd=4))\n" +
				"udp UNCONN 0 0 0.0.0.0:5004 0.0.0.0:* users:((\"ffmpeg\",pid=77,fd=5))\n" +
				"tcp ESTAB 0 0 10.0.0.1:22 10.0.0.9:9 users:((\"sshd\",pid=9,fd=3))\n"), nil
	}
	assert.Equal(t, 2, c.connectionCount(context.Background(), 77))
}

func TestConnectionCountFallsBackToNetstat(t *testing.T) {
	c := NewStatsCollector()
	c.runner = func(_ context.Context, name string, _ ...string) ([]byte, error) {
		if name == "ss" {
			return nil, errors.New("ss: not found")
		}
		require.Equal(t, "netstat", name)
		return []byte(
			"tcp 0 0 10.0.0.1:5000 10.0.0.2:4000 ESTABLISHED 77/ffmpeg\n" +
				"tcp 0 0 10.0.0.1:22 10.0.0.9:9 ESTABLISHED 9/sshd\n"), nil
	}
	assert.Equal(t, 1, c.connectionCount(context.Background(), 77))
}

func TestConnectionCountFallsBackToFDScan(t *testing.T) {
	c := NewStatsCollector()
	c.procRoot = t.TempDir()
	c.runner = func(_ context.Context, _ string, _ ...string) ([]byte, error) {
		return nil, errors.New("unavailable")
	}

	fdDir := filepath.Join(c.procRoot, "77", "fd")
	require.NoError(t, os.MkdirAll(fdDir, 0o755))
	target := filepath.Join(c.procRoot, "regular-file")
	require.NoError(t, os.WriteFile(target, nil, 0o644))
	require.NoError(t, os.Symlink(target, filepath.Join(fdDir, "0")))

	// fd scan counts only socket links; a plain file link is not one.
	assert.Equal(t, 0, c.connectionCount(context.Background(), 77))
}

func TestCollectMissingProcessReturnsZeroes(t *testing.T) {
	stats := NewStatsCollector().Collect(context.Background(), -1)
	assert.False(t, stats.Running)
	assert.Zero(t, stats.CPUPercent)
	assert.Zero(t, stats.Connections)
}

func TestCollectSelf(t *testing.T) {
	c := NewStatsCollector()
	stats := c.Collect(context.Background(), os.Getpid())
	assert.True(t, stats.Running)
	assert.Equal(t, os.Getpid(), stats.PID)
	assert.NotEmpty(t, stats.Cmdline)
}

func TestAlive(t *testing.T) {
	c := NewStatsCollector()
	assert.True(t, c.Alive(context.Background(), os.Getpid()))
	assert.False(t, c.Alive(context.Background(), 0))
}
