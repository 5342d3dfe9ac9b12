package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dhaslett/restreamd/internal/config"
)

// AudioTrack describes one audio stream of a probed input.
type AudioTrack struct {
	Index      int    `json:"index"`
	Codec      string `json:"codec"`
	Channels   int    `json:"channels"`
	SampleRate int    `json:"sample_rate"`
	Bitrate    int    `json:"bitrate"`
	Language   string `json:"language,omitempty"`
	Title      string `json:"title,omitempty"`
}

// Prober runs ffprobe against inputs.
type Prober struct {
	cfg config.FFmpegConfig
	run runFunc
}

// NewProber creates a stream prober.
func NewProber(cfg config.FFmpegConfig) *Prober {
	return &Prober{cfg: cfg, run: runOutput}
}

// probeStream mirrors ffprobe's -show_streams JSON for audio streams.
type probeStream struct {
	Index      int    `json:"index"`
	CodecName  string `json:"codec_name"`
	CodecType  string `json:"codec_type"`
	Channels   int    `json:"channels"`
	SampleRate string `json:"sample_rate"`
	BitRate    string `json:"bit_rate"`
	Tags       struct {
		Language string `json:"language"`
		Title    string `json:"title"`
	} `json:"tags"`
}

type probeOutput struct {
	Streams []probeStream `json:"streams"`
}

// AnalyzeAudioTracks probes the input URL and returns its audio stream
// descriptors. The probe runs with a bounded timeout (default 30s).
func (p *Prober) AnalyzeAudioTracks(ctx context.Context, inputURL string) ([]AudioTrack, error) {
	if inputURL == "" {
		return nil, fmt.Errorf("input URL is required")
	}

	program, err := ResolveProbeBinary(p.cfg.ProbePath)
	if err != nil {
		return nil, err
	}

	timeout := p.cfg.AnalyzeTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	out, err := p.run(ctx, timeout, program,
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-select_streams", "a",
		inputURL,
	)
	if err != nil {
		return nil, fmt.Errorf("probing %s: %w", inputURL, err)
	}

	return parseAudioTracks(out)
}

func parseAudioTracks(data []byte) ([]AudioTrack, error) {
	var probed probeOutput
	if err := json.Unmarshal(data, &probed); err != nil {
		return nil, fmt.Errorf("parsing probe output: %w", err)
	}

	tracks := make([]AudioTrack, 0, len(probed.Streams))
	for _, s := range probed.Streams {
		if s.CodecType != "" && s.CodecType != "audio" {
			continue
		}
		track := AudioTrack{
			Index:    s.Index,
			Codec:    s.CodecName,
			Channels: s.Channels,
			Language: s.Tags.Language,
			Title:    s.Tags.Title,
		}
		if n, err := strconv.Atoi(s.SampleRate); err == nil {
			track.SampleRate = n
		}
		if n, err := strconv.Atoi(s.BitRate); err == nil {
			track.Bitrate = n
		}
		tracks = append(tracks, track)
	}
	return tracks, nil
}
