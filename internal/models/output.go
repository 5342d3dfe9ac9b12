package models

import (
	"fmt"
	"net/url"
	"strconv"
)

// OutputType identifies the kind of an output sink.
type OutputType string

// Output sink kinds.
const (
	OutputUDP  OutputType = "udp"
	OutputHLS  OutputType = "hls"
	OutputDVB  OutputType = "dvb"
	OutputFile OutputType = "file"
)

// Valid reports whether the output type is one of the known kinds.
func (t OutputType) Valid() bool {
	switch t {
	case OutputUDP, OutputHLS, OutputDVB, OutputFile:
		return true
	}
	return false
}

// Output is one destination of a channel, tagged by Type. Only the
// fields relevant to the tagged kind are consulted.
type Output struct {
	Type OutputType `json:"type"`

	// UDP fields.
	Host            string `json:"host,omitempty"`
	Port            int    `json:"port,omitempty"`
	PktSize         *int   `json:"pkt_size,omitempty"`
	BufferSize      *int   `json:"buffer_size,omitempty"`
	HLSProgramIndex *int   `json:"hls_program_index,omitempty"`
	MapVideo        string `json:"map_video,omitempty"`
	MapAudio        string `json:"map_audio,omitempty"`
	Realtime        *bool  `json:"realtime,omitempty"`

	// FILE field.
	Path string `json:"path,omitempty"`
}

// Validate checks the output for kind-specific required fields.
func (o Output) Validate() error {
	if !o.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOutputType, o.Type)
	}
	switch o.Type {
	case OutputUDP:
		if o.Host == "" {
			return ErrOutputHostRequired
		}
		if o.Port < 1 || o.Port > 65535 {
			return ErrOutputPortInvalid
		}
	case OutputFile:
		if o.Path == "" {
			return ErrOutputPathRequired
		}
	}
	return nil
}

// UDPAddress builds the udp://host:port[?pkt_size=…&buffer_size=…]
// destination URL for a UDP output.
func (o Output) UDPAddress() string {
	addr := "udp://" + o.Host + ":" + strconv.Itoa(o.Port)
	q := url.Values{}
	if o.PktSize != nil {
		q.Set("pkt_size", strconv.Itoa(*o.PktSize))
	}
	if o.BufferSize != nil {
		q.Set("buffer_size", strconv.Itoa(*o.BufferSize))
	}
	if len(q) > 0 {
		addr += "?" + q.Encode()
	}
	return addr
}

// OutputList is the ordered list of a channel's outputs, stored as JSON.
type OutputList []Output

// Validate checks that at least one valid output is declared.
func (l OutputList) Validate() error {
	if len(l) == 0 {
		return ErrOutputRequired
	}
	for i, o := range l {
		if err := o.Validate(); err != nil {
			return fmt.Errorf("output %d: %w", i, err)
		}
	}
	return nil
}

// Primary returns the first output. The supervisor spawns one encoder
// per channel whose argv corresponds to the first output.
func (l OutputList) Primary() (Output, bool) {
	if len(l) == 0 {
		return Output{}, false
	}
	return l[0], true
}

// IntPtr returns a pointer to an int value.
func IntPtr(n int) *int { return &n }

// BoolPtr returns a pointer to a bool value.
func BoolPtr(b bool) *bool { return &b }
