package rtp

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sdpText(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

func TestFormatsFromSDP(t *testing.T) {
	raw := sdpText(
		"v=0",
		"o=- 123 1 IN IP4 192.0.2.1",
		"s=-",
		"c=IN IP4 192.0.2.1",
		"t=0 0",
		"m=audio 40000 RTP/AVP 8 0 101",
		"a=rtpmap:8 PCMA/8000",
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:101 telephone-event/8000",
		"a=fmtp:101 0-16",
	)

	formats, err := FormatsFromSDP(raw, MediaAudio)
	require.NoError(t, err)
	require.Len(t, formats, 3)
	assert.Equal(t, []string{"PCMA", "PCMU", "telephone-event"}, formats.Names())

	primary, ok := formats.Primary()
	require.True(t, ok)
	assert.Equal(t, uint8(8), primary.PayloadType)
	assert.Equal(t, uint32(8000), primary.ClockRate)

	dtmf, ok := formats.ByPayloadType(101)
	require.True(t, ok)
	assert.Equal(t, "0-16", dtmf.Fmtp)
}

func TestFormatsFromSDPStaticFallback(t *testing.T) {
	raw := sdpText(
		"v=0",
		"o=- 1 1 IN IP4 192.0.2.1",
		"s=-",
		"t=0 0",
		"m=audio 40000 RTP/AVP 18 96",
	)

	formats, err := FormatsFromSDP(raw, MediaAudio)
	require.NoError(t, err)
	require.Len(t, formats, 1, "динамический тип без rtpmap пропускается")
	assert.Equal(t, "G729", formats[0].Name)
	assert.Equal(t, uint32(8000), formats[0].ClockRate)
}

func TestFormatsFromSDPMissingSection(t *testing.T) {
	raw := sdpText(
		"v=0",
		"o=- 1 1 IN IP4 192.0.2.1",
		"s=-",
		"t=0 0",
		"m=audio 40000 RTP/AVP 0",
	)

	_, err := FormatsFromSDP(raw, MediaVideo)
	assert.Error(t, err)

	_, err = FormatsFromSDP([]byte("garbage"), MediaAudio)
	assert.Error(t, err)
}

func TestParseRemoteSDP(t *testing.T) {
	raw := sdpText(
		"v=0",
		"o=- 1 1 IN IP4 192.0.2.1",
		"s=-",
		"c=IN IP4 192.0.2.1",
		"t=0 0",
		"m=audio 40000 RTP/AVP 0 101",
		"a=rtpmap:101 telephone-event/8000",
		"m=video 40002 RTP/AVP 96",
		"c=IN IP4 198.51.100.7",
		"a=rtpmap:96 VP8/90000",
	)

	remote, err := ParseRemoteSDP(raw, MediaAudio)
	require.NoError(t, err)
	assert.Equal(t, []string{"PCMU", "telephone-event"}, remote.Formats.Names())
	require.NotNil(t, remote.Addr)
	assert.Equal(t, "192.0.2.1:40000", remote.Addr.String())

	video, err := ParseRemoteSDP(raw, MediaVideo)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.7:40002", video.Addr.String(), "адрес секции важнее адреса сессии")
}

func TestParseRemoteSDPWithoutAddress(t *testing.T) {
	raw := sdpText(
		"v=0",
		"o=- 1 1 IN IP4 192.0.2.1",
		"s=-",
		"t=0 0",
		"m=audio 40000 RTP/AVP 8",
	)

	remote, err := ParseRemoteSDP(raw, MediaAudio)
	require.NoError(t, err)
	assert.Nil(t, remote.Addr)
	assert.Equal(t, []string{"PCMA"}, remote.Formats.Names())
}

func TestDefaultAudioFormats(t *testing.T) {
	formats := DefaultAudioFormats()
	assert.Equal(t, []string{"PCMU", "PCMA", "telephone-event"}, formats.Names())

	pcmu, _ := formats.Primary()
	assert.Equal(t, uint32(160), pcmu.TimestampStep(20*time.Millisecond))
	assert.Equal(t, uint32(160), pcmu.TimestampStep(0))
}

func TestParseMediaType(t *testing.T) {
	m, err := ParseMediaType("Audio")
	require.NoError(t, err)
	assert.Equal(t, MediaAudio, m)

	_, err = ParseMediaType("text")
	assert.Error(t, err)
}
