// Package metrics turns the encoder's textual progress stream into
// structured metric records and collects OS-level process statistics.
package metrics

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Bitrate source tags for metric snapshots.
const (
	SourceParsed     = "parsed"
	SourceNetwork    = "calculated_from_network"
	SourceConfigured = "configured"
)

// MetricRecord is one parsed encoder progress snapshot.
type MetricRecord struct {
	Frame      int64     `json:"frame"`
	FPS        float64   `json:"fps"`
	Quality    float64   `json:"quality"`
	Size       int64     `json:"size"`    // bytes
	Time       float64   `json:"time"`    // seconds
	Bitrate    float64   `json:"bitrate"` // kbit/s
	Speed      float64   `json:"speed"`
	VideoSize  int64     `json:"video_size,omitempty"` // bytes
	AudioSize  int64     `json:"audio_size,omitempty"` // bytes
	Source     string    `json:"source"`
	CapturedAt time.Time `json:"captured_at"`
}

// Token extraction for encoder progress lines. The encoder pads values
// with spaces after the equals sign, so every pattern tolerates them.
var (
	frameRe   = regexp.MustCompile(`frame=\s*(\d+)`)
	fpsRe     = regexp.MustCompile(`fps=\s*([\d.]+)`)
	qualityRe = regexp.MustCompile(`q=\s*(-?[\d.]+)`)
	sizeRe    = regexp.MustCompile(`size=\s*(\d+)\s*(B|kB|KB|MB|GB)`)
	timeRe    = regexp.MustCompile(`time=\s*(\d+):(\d+):(\d+(?:\.\d+)?)`)
	bitrateRe = regexp.MustCompile(`bitrate=\s*([\d.]+)\s*(kbits/s|mbits/s|bits/s|kbps|mbps)`)
	speedRe   = regexp.MustCompile(`speed=\s*([\d.]+)x`)
	videoRe   = regexp.MustCompile(`video:\s*(\d+)([km]?)B`)
	audioRe   = regexp.MustCompile(`audio:\s*(\d+)([km]?)B`)
)

// Parser maintains per-stream residual-line buffers and extracts
// metric records from progress lines. Unparseable input is silently
// ignored; parsing never fails.
type Parser struct {
	mu       sync.Mutex
	residual map[string]string
}

// NewParser creates a progress parser.
func NewParser() *Parser {
	return &Parser{residual: make(map[string]string)}
}

// Feed consumes a possibly fragmented chunk of one stderr stream. It
// returns the metric records completed by the chunk plus the completed
// lines that were not progress updates, so callers can route
// diagnostics to logging. The encoder rewrites its progress line in
// place with bare carriage returns, so both \r and \n terminate a
// line.
func (p *Parser) Feed(streamID string, chunk []byte) (records []MetricRecord, lines []string) {
	p.mu.Lock()
	buf := p.residual[streamID] + string(chunk)

	normalized := strings.NewReplacer("\r\n", "\n", "\r", "\n").Replace(buf)
	parts := strings.Split(normalized, "\n")
	p.residual[streamID] = parts[len(parts)-1]
	p.mu.Unlock()

	for _, line := range parts[:len(parts)-1] {
		if rec, ok := ParseLine(line); ok {
			records = append(records, rec)
		} else if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return records, lines
}

// ClearStream drops the stream's residual buffer on teardown.
func (p *Parser) ClearStream(streamID string) {
	p.mu.Lock()
	delete(p.residual, streamID)
	p.mu.Unlock()
}

// ActiveStreams reports how many streams hold residual state.
func (p *Parser) ActiveStreams() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.residual)
}

// ParseLine extracts a metric record from one stderr line. Only lines
// containing "frame=" are considered.
func ParseLine(line string) (MetricRecord, bool) {
	if !strings.Contains(line, "frame=") {
		return MetricRecord{}, false
	}

	rec := MetricRecord{Source: SourceParsed, CapturedAt: time.Now()}

	m := frameRe.FindStringSubmatch(line)
	if m == nil {
		return MetricRecord{}, false
	}
	rec.Frame, _ = strconv.ParseInt(m[1], 10, 64)

	if m := fpsRe.FindStringSubmatch(line); m != nil {
		rec.FPS, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := qualityRe.FindStringSubmatch(line); m != nil {
		rec.Quality, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := sizeRe.FindStringSubmatch(line); m != nil {
		n, _ := strconv.ParseInt(m[1], 10, 64)
		rec.Size = n * sizeUnitBytes(m[2])
	}
	if m := timeRe.FindStringSubmatch(line); m != nil {
		hours, _ := strconv.ParseFloat(m[1], 64)
		minutes, _ := strconv.ParseFloat(m[2], 64)
		seconds, _ := strconv.ParseFloat(m[3], 64)
		rec.Time = hours*3600 + minutes*60 + seconds
	}
	if m := bitrateRe.FindStringSubmatch(line); m != nil {
		v, _ := strconv.ParseFloat(m[1], 64)
		rec.Bitrate = v * bitrateUnitKbits(m[2])
	}
	if m := speedRe.FindStringSubmatch(line); m != nil {
		rec.Speed, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := videoRe.FindStringSubmatch(line); m != nil {
		n, _ := strconv.ParseInt(m[1], 10, 64)
		rec.VideoSize = n * streamUnitBytes(m[2])
	}
	if m := audioRe.FindStringSubmatch(line); m != nil {
		n, _ := strconv.ParseInt(m[1], 10, 64)
		rec.AudioSize = n * streamUnitBytes(m[2])
	}

	// Derive bitrate from accumulated size and elapsed time when the
	// encoder omitted it: bits over milliseconds is kbit/s.
	if rec.Bitrate == 0 && rec.Size > 0 && rec.Time > 0 {
		rec.Bitrate = float64(rec.Size*8) / (rec.Time * 1000)
	}

	return rec, true
}

func sizeUnitBytes(unit string) int64 {
	switch unit {
	case "kB", "KB":
		return 1024
	case "MB":
		return 1024 * 1024
	case "GB":
		return 1024 * 1024 * 1024
	default: // B
		return 1
	}
}

func bitrateUnitKbits(unit string) float64 {
	switch unit {
	case "mbits/s", "mbps":
		return 1000
	case "bits/s":
		return 0.001
	default: // kbits/s, kbps
		return 1
	}
}

func streamUnitBytes(unit string) int64 {
	switch unit {
	case "k":
		return 1024
	case "m":
		return 1024 * 1024
	default:
		return 1
	}
}
