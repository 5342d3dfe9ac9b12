package models

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Scalar is a JSON scalar stored in its textual form. Operator payloads mix
// strings and bare numbers for the same keys ("2500k" vs 2500000), so the
// original token is preserved and interpreted lazily.
type Scalar string

// UnmarshalJSON accepts strings, numbers, and booleans.
func (s *Scalar) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*s = ""
		return nil
	}
	if len(trimmed) >= 2 && trimmed[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = Scalar(str)
		return nil
	}
	*s = Scalar(trimmed)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (s Scalar) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// String returns the textual form.
func (s Scalar) String() string { return string(s) }

// IsZero reports whether the scalar is unset.
func (s Scalar) IsZero() bool { return s == "" }

// Int interprets the scalar as an integer.
func (s Scalar) Int() (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(string(s)))
	if err != nil {
		return 0, false
	}
	return n, true
}

// Bool interprets the scalar as a boolean.
func (s Scalar) Bool() bool {
	b, err := strconv.ParseBool(strings.TrimSpace(string(s)))
	return err == nil && b
}

// BitrateBps interprets the scalar as a bitrate in bits per second,
// accepting bare numbers and k/K/m/M suffixed forms ("2500k", "2.5M").
func (s Scalar) BitrateBps() (int, bool) {
	v := strings.TrimSpace(string(s))
	if v == "" {
		return 0, false
	}
	mult := 1.0
	switch v[len(v)-1] {
	case 'k', 'K':
		mult = 1_000
		v = v[:len(v)-1]
	case 'm', 'M':
		mult = 1_000_000
		v = v[:len(v)-1]
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return int(f * mult), true
}

// OptionValue is a flexible flag container accepted in three wire forms:
// a key→value object, a flat argument array, or a whitespace-separated
// string. The object form expands to "-key value" pairs with keys sorted
// for deterministic argv output.
type OptionValue struct {
	kv   map[string]string
	args []string
	raw  json.RawMessage
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *OptionValue) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	o.raw = append(json.RawMessage(nil), data...)
	o.kv = nil
	o.args = nil

	switch {
	case trimmed == "null" || trimmed == "":
		o.raw = nil
		return nil
	case trimmed[0] == '{':
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("parsing option map: %w", err)
		}
		o.kv = make(map[string]string, len(m))
		for k, v := range m {
			o.kv[k] = scalarText(v)
		}
	case trimmed[0] == '[':
		var list []any
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("parsing option list: %w", err)
		}
		for _, v := range list {
			o.args = append(o.args, scalarText(v))
		}
	default:
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("parsing option string: %w", err)
		}
		o.args = strings.Fields(s)
	}
	return nil
}

// MarshalJSON implements json.Marshaler, preserving the operator's
// original wire form.
func (o OptionValue) MarshalJSON() ([]byte, error) {
	if len(o.raw) == 0 {
		return []byte("null"), nil
	}
	return o.raw, nil
}

// IsZero reports whether no options are present.
func (o OptionValue) IsZero() bool {
	return len(o.kv) == 0 && len(o.args) == 0
}

// Args expands the options into argv tokens. Map keys gain a leading
// dash when missing; empty map values emit the flag alone.
func (o OptionValue) Args() []string {
	if len(o.args) > 0 {
		out := make([]string, len(o.args))
		copy(out, o.args)
		return out
	}
	if len(o.kv) == 0 {
		return nil
	}
	keys := make([]string, 0, len(o.kv))
	for k := range o.kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []string
	for _, k := range keys {
		flag := k
		if !strings.HasPrefix(flag, "-") {
			flag = "-" + flag
		}
		out = append(out, flag)
		if v := o.kv[k]; v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Get returns the value for a map-form key.
func (o OptionValue) Get(key string) (string, bool) {
	v, ok := o.kv[key]
	return v, ok
}

func scalarText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

// EncoderParams is the recognized-options bag applied during command
// synthesis. Unknown keys in the wire payload are collected rather than
// rejected so callers can log a warning.
type EncoderParams struct {
	FFlags           Scalar      `json:"fflags,omitempty"`
	InputOptions     OptionValue `json:"input_options,omitempty"`
	VideoCodec       Scalar      `json:"video_codec,omitempty"`
	AudioCodec       Scalar      `json:"audio_codec,omitempty"`
	VideoBitrate     Scalar      `json:"video_bitrate,omitempty"`
	AudioBitrate     Scalar      `json:"audio_bitrate,omitempty"`
	Resolution       Scalar      `json:"resolution,omitempty"`
	Framerate        Scalar      `json:"framerate,omitempty"`
	VideoFilters     Scalar      `json:"video_filters,omitempty"`
	AudioFilters     Scalar      `json:"audio_filters,omitempty"`
	Preset           Scalar      `json:"preset,omitempty"`
	Tune             Scalar      `json:"tune,omitempty"`
	Profile          Scalar      `json:"profile,omitempty"`
	Level            Scalar      `json:"level,omitempty"`
	GopSize          Scalar      `json:"g,omitempty"`
	KeyintMin        Scalar      `json:"keyint_min,omitempty"`
	ScThreshold      Scalar      `json:"sc_threshold,omitempty"`
	Vsync            Scalar      `json:"vsync,omitempty"`
	Async            Scalar      `json:"async,omitempty"`
	CRF              Scalar      `json:"crf,omitempty"`
	QP               Scalar      `json:"qp,omitempty"`
	Maxrate          Scalar      `json:"maxrate,omitempty"`
	Minrate          Scalar      `json:"minrate,omitempty"`
	Bufsize          Scalar      `json:"bufsize,omitempty"`
	OutputOptions    OptionValue `json:"output_options,omitempty"`
	GPUIndex         Scalar      `json:"gpu_index,omitempty"`
	VideoStreamIndex Scalar      `json:"video_stream_index,omitempty"`
	AudioStreamIndex Scalar      `json:"audio_stream_index,omitempty"`
	HLSTime          Scalar      `json:"hls_time,omitempty"`
	HLSListSize      Scalar      `json:"hls_list_size,omitempty"`
	HLSFlags         Scalar      `json:"hls_flags,omitempty"`
	DVBDevice        Scalar      `json:"dvb_device,omitempty"`
	DVBFrequency     Scalar      `json:"dvb_frequency,omitempty"`
	DVBModulation    Scalar      `json:"dvb_modulation,omitempty"`
	Muxrate          Scalar      `json:"muxrate,omitempty"`
	ExtraOptions     OptionValue `json:"extra_options,omitempty"`

	// UnknownKeys lists wire keys that matched no recognized option.
	UnknownKeys []string `json:"-"`
}

// encoderParamsAlias avoids UnmarshalJSON recursion.
type encoderParamsAlias EncoderParams

var recognizedParamKeys = map[string]struct{}{
	"fflags": {}, "input_options": {}, "video_codec": {}, "audio_codec": {},
	"video_bitrate": {}, "audio_bitrate": {}, "resolution": {}, "framerate": {},
	"video_filters": {}, "audio_filters": {}, "preset": {}, "tune": {},
	"profile": {}, "level": {}, "g": {}, "keyint_min": {}, "sc_threshold": {},
	"vsync": {}, "async": {}, "crf": {}, "qp": {}, "maxrate": {}, "minrate": {},
	"bufsize": {}, "output_options": {}, "gpu_index": {},
	"video_stream_index": {}, "audio_stream_index": {}, "hls_time": {},
	"hls_list_size": {}, "hls_flags": {}, "dvb_device": {}, "dvb_frequency": {},
	"dvb_modulation": {}, "muxrate": {}, "extra_options": {},
}

// UnmarshalJSON decodes the recognized keys and records the rest in
// UnknownKeys.
func (p *EncoderParams) UnmarshalJSON(data []byte) error {
	var alias encoderParamsAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var unknown []string
	for key := range raw {
		if _, ok := recognizedParamKeys[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	alias.UnknownKeys = unknown

	*p = EncoderParams(alias)
	return nil
}

// IsZero reports whether no parameters are set.
func (p EncoderParams) IsZero() bool {
	p.UnknownKeys = nil
	return reflect.DeepEqual(p, EncoderParams{})
}
