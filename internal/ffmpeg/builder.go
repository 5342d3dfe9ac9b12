package ffmpeg

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dhaslett/restreamd/internal/config"
	"github.com/dhaslett/restreamd/internal/models"
)

// Defaults applied during command synthesis.
const (
	defaultMuxrate     = "10080000"
	defaultHLSTime     = "2"
	defaultHLSListSize = "5"
	defaultHLSFlags    = "delete_segments"
	defaultUDPBufsize  = "65536"
)

// Builder synthesizes encoder argument vectors from channel
// configuration. The encoder's CLI is ordering sensitive: pre-input
// options, input specifier, stream maps, codec selections, encoder
// tuning, format options, destination. Each group is assembled
// separately and concatenated in that order.
type Builder struct {
	cfg       config.FFmpegConfig
	mediaRoot string
	probe     *Probe
	logger    *slog.Logger
}

// NewBuilder creates a command builder.
func NewBuilder(cfg config.FFmpegConfig, media config.MediaConfig, probe *Probe, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{cfg: cfg, mediaRoot: media.BasePath, probe: probe, logger: logger}
}

// Build synthesizes the command for one channel output.
func (b *Builder) Build(ctx context.Context, channel *models.Channel, output models.Output) (*Command, error) {
	if err := channel.Validate(); err != nil {
		return nil, err
	}
	program, err := ResolveBinary(b.cfg.BinaryPath)
	if err != nil {
		return nil, err
	}

	p := channel.FFmpegParams
	if len(p.UnknownKeys) > 0 {
		b.logger.Warn("ignoring unrecognized encoder parameters",
			slog.String("channel_id", channel.ID.String()),
			slog.Any("keys", p.UnknownKeys),
		)
	}

	sel, err := b.probe.PreferredVideoCodec(ctx, p.VideoCodec.String())
	if err != nil {
		return nil, fmt.Errorf("selecting video codec: %w", err)
	}

	pre, err := b.preInputArgs(ctx, channel, output, sel)
	if err != nil {
		return nil, err
	}

	args := []string{"-hide_banner", "-loglevel", "error", "-stats", "-y"}
	args = append(args, pre...)
	args = append(args, inputArgs(channel, output)...)
	args = append(args, mapArgs(p, output)...)

	codecs, tuning := b.codecArgs(p, output, sel)
	args = append(args, codecs...)
	args = append(args, tuning...)

	post, dest := b.outputArgs(channel, output)
	args = append(args, post...)
	args = append(args, p.OutputOptions.Args()...)
	args = append(args, p.ExtraOptions.Args()...)
	args = append(args, dest)

	return NewCommand(program, args), nil
}

// preInputArgs assembles everything emitted before -i: fflags, custom
// input options, realtime pacing, and hwaccel initialization.
func (b *Builder) preInputArgs(ctx context.Context, channel *models.Channel, output models.Output, sel Selection) ([]string, error) {
	p := channel.FFmpegParams
	var pre []string

	fflags := p.FFlags.String()
	if fflags == "" && (output.Type == models.OutputUDP || output.Type == models.OutputHLS) {
		fflags = "+genpts"
	}
	if fflags != "" {
		pre = append(pre, "-fflags", fflags)
	}

	pre = append(pre, p.InputOptions.Args()...)

	// -re paces reading at native speed. Live HTTP/HLS inputs already
	// arrive in real time, so pacing them only adds latency.
	if output.Type == models.OutputUDP &&
		!isLiveHTTPInput(channel.InputURL) &&
		(output.Realtime == nil || *output.Realtime) {
		pre = append(pre, "-re")
	}

	if sel.Hardware {
		switch sel.Kind {
		case KindNVENC:
			pre = append(pre, "-hwaccel", "cuda")
		case KindQSV:
			pre = append(pre, "-hwaccel", "qsv")
		case KindVAAPI:
			gpuIndex := 0
			if n, ok := p.GPUIndex.Int(); ok {
				gpuIndex = n
			}
			device, err := b.probe.ResolveVAAPIDevice(ctx, gpuIndex)
			if err != nil {
				return nil, err
			}
			pre = append(pre, "-hwaccel", "vaapi", "-vaapi_device", device, "-hwaccel_output_format", "vaapi")
		case KindVideoToolbox:
			pre = append(pre, "-hwaccel", "videotoolbox")
		}
	}

	return pre, nil
}

// inputArgs emits the input specifier. DVB outputs capture from a tuner
// device instead of the channel's input URL.
func inputArgs(channel *models.Channel, output models.Output) []string {
	if output.Type == models.OutputDVB {
		p := channel.FFmpegParams
		dev := p.DVBDevice.String()
		if dev == "" {
			dev = channel.InputURL
		}
		var args []string
		if !p.DVBFrequency.IsZero() {
			args = append(args, "-frequency", p.DVBFrequency.String())
		}
		if !p.DVBModulation.IsZero() {
			args = append(args, "-modulation", p.DVBModulation.String())
		}
		return append(args, "-f", "dvb", "-i", dev)
	}
	return []string{"-i", channel.InputURL}
}

// mapArgs selects input streams: explicit map strings on the output win,
// then explicit stream indices, then program index, then the defaults.
func mapArgs(p models.EncoderParams, output models.Output) []string {
	if output.MapVideo != "" || output.MapAudio != "" {
		var m []string
		if output.MapVideo != "" {
			m = append(m, "-map", output.MapVideo)
		}
		if output.MapAudio != "" {
			m = append(m, "-map", output.MapAudio)
		}
		return m
	}

	vIdx, vOK := p.VideoStreamIndex.Int()
	aIdx, aOK := p.AudioStreamIndex.Int()
	if vOK || aOK {
		var m []string
		if vOK {
			m = append(m, "-map", fmt.Sprintf("0:v:%d", vIdx))
		}
		if aOK {
			m = append(m, "-map", fmt.Sprintf("0:a:%d", aIdx))
		}
		return m
	}

	if output.HLSProgramIndex != nil {
		return []string{"-map", fmt.Sprintf("0:p:%d", *output.HLSProgramIndex)}
	}

	return []string{"-map", "0:v:0", "-map", "0:a:0"}
}

// codecArgs emits codec selections followed by encoder tuning.
func (b *Builder) codecArgs(p models.EncoderParams, output models.Output, sel Selection) (codecs, tuning []string) {
	videoCodec := sel.Codec
	audioCodec := p.AudioCodec.String()

	// HLS playback needs encoded streams; default to software h264/aac.
	if output.Type == models.OutputHLS {
		if videoCodec == "" {
			videoCodec = "libx264"
		}
		if audioCodec == "" {
			audioCodec = "aac"
		}
	}

	if videoCodec == "" && audioCodec == "" {
		return []string{"-c", "copy"}, nil
	}

	if videoCodec == "" {
		videoCodec = "copy"
	}
	if audioCodec == "" {
		audioCodec = "copy"
	}

	codecs = append(codecs, "-c:v", videoCodec)
	if sel.Kind == KindNVENC {
		if n, ok := p.GPUIndex.Int(); ok {
			codecs = append(codecs, "-gpu", strconv.Itoa(n))
		}
	}
	codecs = append(codecs, "-c:a", audioCodec)

	tuning = b.tuningArgs(p, sel)
	return codecs, tuning
}

// tuningArgs emits rate, size, and encoder tuning flags.
func (b *Builder) tuningArgs(p models.EncoderParams, sel Selection) []string {
	var args []string

	appendScalar := func(flag string, s models.Scalar) {
		if !s.IsZero() {
			args = append(args, flag, s.String())
		}
	}

	preset := p.Preset.String()
	if sel.Kind == KindNVENC {
		preset = MapNVENCPreset(preset, b.cfg.NVENCPreset)
	}
	if preset != "" {
		args = append(args, "-preset", preset)
	}

	appendScalar("-tune", p.Tune)
	appendScalar("-profile:v", p.Profile)
	appendScalar("-level", p.Level)
	appendScalar("-b:v", p.VideoBitrate)
	appendScalar("-b:a", p.AudioBitrate)
	appendScalar("-s", p.Resolution)
	appendScalar("-r", p.Framerate)
	appendScalar("-g", p.GopSize)
	appendScalar("-keyint_min", p.KeyintMin)
	appendScalar("-sc_threshold", p.ScThreshold)
	appendScalar("-vsync", p.Vsync)
	appendScalar("-async", p.Async)
	appendScalar("-crf", p.CRF)
	appendScalar("-qp", p.QP)
	appendScalar("-maxrate", p.Maxrate)
	appendScalar("-minrate", p.Minrate)
	appendScalar("-bufsize", p.Bufsize)

	videoFilters := p.VideoFilters.String()
	if sel.Kind == KindVAAPI {
		// Frames must be uploaded to the GPU after any software filters.
		upload := "format=nv12|vaapi,hwupload"
		if videoFilters == "" {
			videoFilters = upload
		} else {
			videoFilters += "," + upload
		}
	}
	if videoFilters != "" {
		args = append(args, "-vf", videoFilters)
	}
	appendScalar("-af", p.AudioFilters)

	return args
}

// outputArgs emits the format group and resolves the destination.
func (b *Builder) outputArgs(channel *models.Channel, output models.Output) (post []string, dest string) {
	p := channel.FFmpegParams

	switch output.Type {
	case models.OutputUDP:
		post = []string{"-f", "mpegts", "-muxrate", b.muxrate(p)}
		post = append(post,
			"-pcr_period", "20",
			"-pat_period", "0.1",
			"-streamid", "0:0x100",
			"-streamid", "1:0x101",
			"-mpegts_flags", "resend_headers",
			"-flush_packets", "1",
		)
		if p.Bufsize.IsZero() {
			post = append(post, "-bufsize", defaultUDPBufsize)
		}
		dest = output.UDPAddress()

	case models.OutputHLS:
		hlsTime := scalarOr(p.HLSTime, defaultHLSTime)
		listSize := scalarOr(p.HLSListSize, defaultHLSListSize)
		flags := scalarOr(p.HLSFlags, defaultHLSFlags)
		post = []string{"-f", "hls", "-hls_time", hlsTime, "-hls_list_size", listSize, "-hls_flags", flags}
		dest = filepath.Join(b.mediaRoot, channel.ID.String(), "index.m3u8")

	case models.OutputDVB:
		post = []string{"-f", "mpegts"}
		// No default muxrate for DVB; the multiplex rate is governed by
		// the tuner unless explicitly overridden.
		if !p.Muxrate.IsZero() {
			post = append(post, "-muxrate", p.Muxrate.String())
		}
		dest = output.Path
		if dest == "" {
			dest = "pipe:1"
		}

	default: // FILE
		dest = output.Path
	}

	return post, dest
}

// muxrate computes the MPEG-TS multiplex rate: explicit override, 30%
// headroom over the declared video bitrate plus audio allowance
// (rounded up), or the ~10 Mbps default. Integer arithmetic keeps the
// result deterministic.
func (b *Builder) muxrate(p models.EncoderParams) string {
	if !p.Muxrate.IsZero() {
		return p.Muxrate.String()
	}
	if bps, ok := p.VideoBitrate.BitrateBps(); ok {
		scaled := (bps + 128_000) * 13
		rate := scaled / 10
		if scaled%10 != 0 {
			rate++
		}
		return strconv.Itoa(rate)
	}
	return defaultMuxrate
}

func scalarOr(s models.Scalar, fallback string) string {
	if s.IsZero() {
		return fallback
	}
	return s.String()
}

// isLiveHTTPInput reports whether the input is a live HTTP/HLS source.
func isLiveHTTPInput(inputURL string) bool {
	lower := strings.ToLower(inputURL)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// MediaDir returns the channel's directory under the media root.
func (b *Builder) MediaDir(channelID models.ULID) string {
	return filepath.Join(b.mediaRoot, channelID.String())
}
