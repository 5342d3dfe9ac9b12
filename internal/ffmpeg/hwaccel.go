package ffmpeg

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dhaslett/restreamd/internal/config"
)

// Kind identifies a hardware acceleration family.
type Kind string

// Hardware acceleration kinds, in h.264 selection-preference order.
const (
	KindNVENC        Kind = "nvenc"
	KindQSV          Kind = "qsv"
	KindVAAPI        Kind = "vaapi"
	KindVideoToolbox Kind = "videotoolbox"
	KindAMF          Kind = "amf"
)

// selectionOrder is the preference order for hardware substitution.
var selectionOrder = []Kind{KindNVENC, KindQSV, KindVAAPI, KindVideoToolbox}

// HWCapability describes one probed accelerator.
type HWCapability struct {
	Kind       Kind     `json:"kind"`
	Index      int      `json:"index"`
	Name       string   `json:"name"`
	DevicePath string   `json:"device_path,omitempty"`
	Codecs     []string `json:"codecs,omitempty"`
	Available  bool     `json:"available"`
}

// SupportsCodec reports whether the capability advertises the codec.
func (c HWCapability) SupportsCodec(codec string) bool {
	for _, name := range c.Codecs {
		if name == codec {
			return true
		}
	}
	return false
}

// runFunc executes an external program and returns its stdout.
// Swappable in tests.
type runFunc func(ctx context.Context, timeout time.Duration, program string, args ...string) ([]byte, error)

// lookPathFunc resolves a program name. Swappable in tests.
type lookPathFunc func(name string) (string, error)

// Probe enumerates available hardware encoders and render devices,
// memoising the result for a bounded TTL.
type Probe struct {
	cfg    config.FFmpegConfig
	logger *slog.Logger

	run      runFunc
	lookPath lookPathFunc
	driDir   string

	mu       sync.Mutex
	cached   []HWCapability
	cachedAt time.Time
}

// NewProbe creates a capability probe.
func NewProbe(cfg config.FFmpegConfig, logger *slog.Logger) *Probe {
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{
		cfg:      cfg,
		logger:   logger,
		run:      runOutput,
		lookPath: exec.LookPath,
		driDir:   "/dev/dri",
	}
}

// Capabilities returns the probed accelerators, re-detecting only when
// the cache has expired.
func (p *Probe) Capabilities(ctx context.Context) ([]HWCapability, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ttl := p.cfg.ProbeCacheTTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if p.cached != nil && time.Since(p.cachedAt) < ttl {
		return p.cached, nil
	}

	caps, err := p.detect(ctx)
	if err != nil {
		return nil, err
	}
	p.cached = caps
	p.cachedAt = time.Now()
	return caps, nil
}

// Invalidate discards the cached detection result.
func (p *Probe) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
	p.cachedAt = time.Time{}
}

// detect combines three evidence sources: the encoder list reported by
// ffmpeg, render nodes under /dev/dri, and vendor tool availability.
func (p *Probe) detect(ctx context.Context) ([]HWCapability, error) {
	binary, err := ResolveBinary(p.cfg.BinaryPath)
	if err != nil {
		return nil, err
	}

	timeout := p.cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	out, err := p.run(ctx, timeout, binary, "-hide_banner", "-encoders")
	if err != nil {
		return nil, fmt.Errorf("listing encoders: %w", err)
	}
	codecsByKind := parseEncoderList(string(out))

	var caps []HWCapability

	if codecs := codecsByKind[KindNVENC]; len(codecs) > 0 {
		caps = append(caps, HWCapability{
			Kind:      KindNVENC,
			Name:      p.nvidiaDeviceName(ctx, timeout),
			Codecs:    codecs,
			Available: p.hasVendorTool("nvidia-smi"),
		})
	}
	if codecs := codecsByKind[KindQSV]; len(codecs) > 0 {
		nodes := p.renderNodes()
		caps = append(caps, HWCapability{
			Kind:      KindQSV,
			Name:      "Intel Quick Sync",
			Codecs:    codecs,
			Available: len(nodes) > 0,
		})
	}
	if codecs := codecsByKind[KindVAAPI]; len(codecs) > 0 {
		nodes := p.renderNodes()
		if len(nodes) == 0 {
			caps = append(caps, HWCapability{Kind: KindVAAPI, Name: "VAAPI", Codecs: codecs})
		}
		for i, node := range nodes {
			caps = append(caps, HWCapability{
				Kind:       KindVAAPI,
				Index:      i,
				Name:       "VAAPI " + filepath.Base(node),
				DevicePath: node,
				Codecs:     codecs,
				Available:  true,
			})
		}
	}
	if codecs := codecsByKind[KindVideoToolbox]; len(codecs) > 0 {
		caps = append(caps, HWCapability{
			Kind:      KindVideoToolbox,
			Name:      "Apple VideoToolbox",
			Codecs:    codecs,
			Available: runtime.GOOS == "darwin",
		})
	}
	if codecs := codecsByKind[KindAMF]; len(codecs) > 0 {
		caps = append(caps, HWCapability{
			Kind:      KindAMF,
			Name:      "AMD AMF",
			Codecs:    codecs,
			Available: runtime.GOOS == "windows",
		})
	}

	p.logger.Debug("hardware capabilities probed", slog.Int("count", len(caps)))
	return caps, nil
}

// parseEncoderList extracts hardware encoder names from the text output
// of "ffmpeg -encoders", grouped by kind suffix.
func parseEncoderList(out string) map[Kind][]string {
	suffixes := map[string]Kind{
		"_nvenc":        KindNVENC,
		"_qsv":          KindQSV,
		"_vaapi":        KindVAAPI,
		"_videotoolbox": KindVideoToolbox,
		"_amf":          KindAMF,
	}

	result := make(map[Kind][]string)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name := fields[1]
		for suffix, kind := range suffixes {
			if strings.HasSuffix(name, suffix) {
				result[kind] = append(result[kind], name)
			}
		}
	}
	for _, codecs := range result {
		sort.Strings(codecs)
	}
	return result
}

// renderNodes lists readable render nodes under the DRI directory.
func (p *Probe) renderNodes() []string {
	matches, err := filepath.Glob(filepath.Join(p.driDir, "renderD*"))
	if err != nil {
		return nil
	}
	sort.Strings(matches)
	var nodes []string
	for _, m := range matches {
		if deviceReadable(m) {
			nodes = append(nodes, m)
		}
	}
	return nodes
}

func (p *Probe) hasVendorTool(name string) bool {
	_, err := p.lookPath(name)
	return err == nil
}

func (p *Probe) nvidiaDeviceName(ctx context.Context, timeout time.Duration) string {
	if !p.hasVendorTool("nvidia-smi") {
		return "NVIDIA NVENC"
	}
	out, err := p.run(ctx, timeout, "nvidia-smi", "--query-gpu=name", "--format=csv,noheader")
	if err != nil {
		return "NVIDIA NVENC"
	}
	name := strings.TrimSpace(strings.Split(string(out), "\n")[0])
	if name == "" {
		return "NVIDIA NVENC"
	}
	return name
}

func deviceReadable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

// codecFamily normalizes a requested codec name to "h264" or "hevc".
// Returns false for passthrough, unknown, and already-hardware names.
func codecFamily(requested string) (string, bool) {
	switch strings.ToLower(requested) {
	case "h264", "libx264", "x264":
		return "h264", true
	case "hevc", "h265", "libx265", "x265":
		return "hevc", true
	}
	return "", false
}

// hardwareKindOf returns the kind of an already-hardware codec name.
func hardwareKindOf(codec string) (Kind, bool) {
	switch {
	case strings.HasSuffix(codec, "_nvenc"):
		return KindNVENC, true
	case strings.HasSuffix(codec, "_qsv"):
		return KindQSV, true
	case strings.HasSuffix(codec, "_vaapi"):
		return KindVAAPI, true
	case strings.HasSuffix(codec, "_videotoolbox"):
		return KindVideoToolbox, true
	case strings.HasSuffix(codec, "_amf"):
		return KindAMF, true
	}
	return "", false
}

// Selection is the outcome of a preferred-codec query.
type Selection struct {
	Codec    string // effective codec name for -c:v
	Kind     Kind   // empty for software/passthrough
	Hardware bool
}

// PreferredVideoCodec maps a requested codec name to the best available
// hardware codec. The requested name passes through unchanged when
// hardware acceleration is globally disabled, when it is already a
// hardware codec, or when no accelerator of the family is available.
// Passthrough and empty requests are substituted only when automatic
// substitution is enabled.
func (p *Probe) PreferredVideoCodec(ctx context.Context, requested string) (Selection, error) {
	passthrough := Selection{Codec: requested}

	if !p.cfg.HWAccelEnabled {
		return passthrough, nil
	}
	if kind, ok := hardwareKindOf(requested); ok {
		return Selection{Codec: requested, Kind: kind, Hardware: true}, nil
	}

	family, ok := codecFamily(requested)
	if !ok {
		if requested != "" && !strings.EqualFold(requested, "copy") {
			return passthrough, nil
		}
		// copy / unset: substitute only in auto mode
		if !p.cfg.HWAccelAuto {
			return passthrough, nil
		}
		family = "h264"
	}

	caps, err := p.Capabilities(ctx)
	if err != nil {
		return passthrough, err
	}

	for _, kind := range selectionOrder {
		codec := family + "_" + string(kind)
		for _, c := range caps {
			if c.Kind == kind && c.Available && c.SupportsCodec(codec) {
				return Selection{Codec: codec, Kind: kind, Hardware: true}, nil
			}
		}
	}
	return passthrough, nil
}

// ResolveVAAPIDevice resolves the render node for a gpu index: an
// enumerated VAAPI capability with that index, then the conventional
// /dev/dri/renderD{128+index} path, then the configured default.
// Readability is verified at each step; failure is fatal to the build.
func (p *Probe) ResolveVAAPIDevice(ctx context.Context, gpuIndex int) (string, error) {
	caps, err := p.Capabilities(ctx)
	if err == nil {
		for _, c := range caps {
			if c.Kind == KindVAAPI && c.Available && c.Index == gpuIndex && c.DevicePath != "" {
				if deviceReadable(c.DevicePath) {
					return c.DevicePath, nil
				}
			}
		}
	}

	conventional := filepath.Join(p.driDir, fmt.Sprintf("renderD%d", 128+gpuIndex))
	if deviceReadable(conventional) {
		return conventional, nil
	}

	if p.cfg.VAAPIDevice != "" && deviceReadable(p.cfg.VAAPIDevice) {
		return p.cfg.VAAPIDevice, nil
	}

	return "", fmt.Errorf("%w: no readable render node for gpu index %d (expose the DRI device to the runtime sandbox)",
		ErrRenderDeviceUnavailable, gpuIndex)
}

// nvencPresetMap translates libx264-style presets to NVENC p1-p7.
var nvencPresetMap = map[string]string{
	"ultrafast": "p1",
	"superfast": "p1",
	"veryfast":  "p2",
	"faster":    "p3",
	"fast":      "p4",
	"medium":    "p4",
	"slow":      "p5",
	"slower":    "p6",
	"veryslow":  "p7",
}

// MapNVENCPreset maps a channel preset to the NVENC scale. An override
// (from configuration or the NVENC_PRESET variable) supersedes both the
// mapping and an already-native preset.
func MapNVENCPreset(preset, override string) string {
	if override != "" {
		return override
	}
	if len(preset) == 2 && preset[0] == 'p' && preset[1] >= '1' && preset[1] <= '7' {
		return preset
	}
	if mapped, ok := nvencPresetMap[strings.ToLower(preset)]; ok {
		return mapped
	}
	return preset
}
