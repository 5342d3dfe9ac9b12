package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestULIDRoundTrip(t *testing.T) {
	id := NewULID()
	assert.False(t, id.IsZero())
	assert.Len(t, id.String(), 26)

	parsed, err := ParseULID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseULID("not-a-ulid")
	assert.Error(t, err)
}

func TestULIDJSON(t *testing.T) {
	id := NewULID()
	data, err := json.Marshal(id)
	require.NoError(t, err)
	assert.Equal(t, `"`+id.String()+`"`, string(data))

	var back ULID
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, id, back)

	var zero ULID
	require.NoError(t, json.Unmarshal([]byte("null"), &zero))
	assert.True(t, zero.IsZero())
}

func TestChannelStatusValid(t *testing.T) {
	assert.True(t, StatusStopped.Valid())
	assert.True(t, StatusRunning.Valid())
	assert.True(t, StatusError.Valid())
	assert.True(t, StatusRestarting.Valid())
	assert.False(t, ChannelStatus("PAUSED").Valid())
}

func TestChannelValidate(t *testing.T) {
	valid := func() *Channel {
		return &Channel{
			Name:     "bbc-one",
			InputURL: "https://ex/live.m3u8",
			Outputs:  OutputList{{Type: OutputUDP, Host: "10.0.0.1", Port: 5000}},
		}
	}

	assert.NoError(t, valid().Validate())

	c := valid()
	c.Name = ""
	assert.ErrorIs(t, c.Validate(), ErrNameRequired)

	c = valid()
	c.InputURL = ""
	assert.ErrorIs(t, c.Validate(), ErrInputURLRequired)

	c = valid()
	c.Outputs = nil
	assert.ErrorIs(t, c.Validate(), ErrOutputRequired)

	c = valid()
	c.Status = "BOGUS"
	assert.ErrorIs(t, c.Validate(), ErrInvalidStatus)

	c = valid()
	c.Outputs[0].Port = 0
	assert.ErrorIs(t, c.Validate(), ErrOutputPortInvalid)
}

func TestOutputUDPAddress(t *testing.T) {
	o := Output{Type: OutputUDP, Host: "10.0.0.1", Port: 5000}
	assert.Equal(t, "udp://10.0.0.1:5000", o.UDPAddress())

	o.PktSize = IntPtr(1316)
	o.BufferSize = IntPtr(65536)
	assert.Equal(t, "udp://10.0.0.1:5000?buffer_size=65536&pkt_size=1316", o.UDPAddress())
}

func TestScalarForms(t *testing.T) {
	var p struct {
		A Scalar `json:"a"`
		B Scalar `json:"b"`
		C Scalar `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"2500k","b":2500000,"c":29.97}`), &p))
	assert.Equal(t, "2500k", p.A.String())
	assert.Equal(t, "2500000", p.B.String())
	assert.Equal(t, "29.97", p.C.String())

	n, ok := p.B.Int()
	require.True(t, ok)
	assert.Equal(t, 2500000, n)
}

func TestScalarBitrateBps(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"2500000", 2500000, true},
		{"2500k", 2500000, true},
		{"2.5M", 2500000, true},
		{"", 0, false},
		{"fast", 0, false},
	}
	for _, tt := range tests {
		got, ok := Scalar(tt.in).BitrateBps()
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestOptionValueMapForm(t *testing.T) {
	var o OptionValue
	require.NoError(t, json.Unmarshal([]byte(`{"reconnect":"1","timeout":5000000,"an":""}`), &o))

	assert.Equal(t, []string{"-an", "-reconnect", "1", "-timeout", "5000000"}, o.Args())

	v, ok := o.Get("reconnect")
	require.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestOptionValueListForm(t *testing.T) {
	var o OptionValue
	require.NoError(t, json.Unmarshal([]byte(`["-reconnect","1","-rw_timeout","5000000"]`), &o))
	assert.Equal(t, []string{"-reconnect", "1", "-rw_timeout", "5000000"}, o.Args())
}

func TestOptionValueStringForm(t *testing.T) {
	var o OptionValue
	require.NoError(t, json.Unmarshal([]byte(`"-reconnect 1 -rw_timeout 5000000"`), &o))
	assert.Equal(t, []string{"-reconnect", "1", "-rw_timeout", "5000000"}, o.Args())
}

func TestOptionValueNull(t *testing.T) {
	var o OptionValue
	require.NoError(t, json.Unmarshal([]byte(`null`), &o))
	assert.True(t, o.IsZero())
	assert.Nil(t, o.Args())
}

func TestEncoderParamsUnknownKeys(t *testing.T) {
	var p EncoderParams
	payload := `{"video_codec":"libx264","preset":"veryfast","zz_custom":"x","another":1}`
	require.NoError(t, json.Unmarshal([]byte(payload), &p))

	assert.Equal(t, "libx264", p.VideoCodec.String())
	assert.Equal(t, "veryfast", p.Preset.String())
	assert.Equal(t, []string{"another", "zz_custom"}, p.UnknownKeys)
}

func TestEncoderParamsIsZero(t *testing.T) {
	var p EncoderParams
	assert.True(t, p.IsZero())

	require.NoError(t, json.Unmarshal([]byte(`{"video_codec":"copy"}`), &p))
	assert.False(t, p.IsZero())
}
