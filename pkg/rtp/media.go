package rtp

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

// MediaType тип медиа сессии
type MediaType int

const (
	MediaAudio MediaType = iota
	MediaVideo
)

func (m MediaType) String() string {
	switch m {
	case MediaAudio:
		return "audio"
	case MediaVideo:
		return "video"
	default:
		return "unknown"
	}
}

// ParseMediaType разбирает тип медиа из строки ("audio", "video")
func ParseMediaType(s string) (MediaType, error) {
	switch strings.ToLower(s) {
	case "audio":
		return MediaAudio, nil
	case "video":
		return MediaVideo, nil
	default:
		return 0, fmt.Errorf("неизвестный тип медиа %q", s)
	}
}

// DefaultPtime длительность пакета по умолчанию
const DefaultPtime = 20 * time.Millisecond

// Format согласованный формат полезной нагрузки
type Format struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
	Channels    int
	Fmtp        string
}

// TimestampStep приращение RTP timestamp за один пакет длительностью ptime
func (f Format) TimestampStep(ptime time.Duration) uint32 {
	if ptime <= 0 {
		ptime = DefaultPtime
	}
	return uint32(uint64(f.ClockRate) * uint64(ptime) / uint64(time.Second))
}

func (f Format) String() string {
	return fmt.Sprintf("%d %s/%d", f.PayloadType, f.Name, f.ClockRate)
}

// Formats упорядоченный набор форматов, первый формат основной
type Formats []Format

// Primary возвращает основной формат
func (fs Formats) Primary() (Format, bool) {
	if len(fs) == 0 {
		return Format{}, false
	}
	return fs[0], true
}

// ByPayloadType ищет формат по payload type
func (fs Formats) ByPayloadType(pt uint8) (Format, bool) {
	for _, f := range fs {
		if f.PayloadType == pt {
			return f, true
		}
	}
	return Format{}, false
}

// Names возвращает имена форматов в порядке предпочтения
func (fs Formats) Names() []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.Name
	}
	return out
}

// staticFormats статические payload types RFC 3551 и распространенные динамические
var staticFormats = map[uint8]Format{
	0:   {PayloadType: 0, Name: "PCMU", ClockRate: 8000, Channels: 1},
	3:   {PayloadType: 3, Name: "GSM", ClockRate: 8000, Channels: 1},
	8:   {PayloadType: 8, Name: "PCMA", ClockRate: 8000, Channels: 1},
	9:   {PayloadType: 9, Name: "G722", ClockRate: 8000, Channels: 1},
	18:  {PayloadType: 18, Name: "G729", ClockRate: 8000, Channels: 1},
	101: {PayloadType: 101, Name: "telephone-event", ClockRate: 8000, Channels: 1, Fmtp: "0-16"},
}

// DefaultAudioFormats профиль аудио по умолчанию: PCMU, PCMA, telephone-event
func DefaultAudioFormats() Formats {
	return Formats{staticFormats[0], staticFormats[8], staticFormats[101]}
}

// RemoteDescription параметры удаленной стороны из SDP
type RemoteDescription struct {
	Formats Formats
	// Addr адрес RTP удаленной стороны, nil если адрес или порт не указан
	Addr *net.UDPAddr
}

// ParseRemoteSDP извлекает форматы и RTP адрес из первой секции SDP
// с указанным типом медиа. Адрес секции имеет приоритет над адресом сессии.
func ParseRemoteSDP(raw []byte, media MediaType) (RemoteDescription, error) {
	desc, md, err := mediaSection(raw, media)
	if err != nil {
		return RemoteDescription{}, err
	}
	formats, err := sectionFormats(desc, md, media)
	if err != nil {
		return RemoteDescription{}, err
	}

	remote := RemoteDescription{Formats: formats}
	conn := md.ConnectionInformation
	if conn == nil {
		conn = desc.ConnectionInformation
	}
	if conn != nil && conn.Address != nil && md.MediaName.Port.Value > 0 {
		ip := net.ParseIP(conn.Address.Address)
		if ip == nil {
			return RemoteDescription{}, fmt.Errorf("неверный адрес соединения в SDP %q", conn.Address.Address)
		}
		remote.Addr = &net.UDPAddr{IP: ip, Port: md.MediaName.Port.Value}
	}
	return remote, nil
}

// FormatsFromSDP извлекает согласованный набор форматов из первой секции
// SDP с указанным типом медиа
func FormatsFromSDP(raw []byte, media MediaType) (Formats, error) {
	desc, md, err := mediaSection(raw, media)
	if err != nil {
		return nil, err
	}
	return sectionFormats(desc, md, media)
}

func mediaSection(raw []byte, media MediaType) (*sdp.SessionDescription, *sdp.MediaDescription, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(raw); err != nil {
		return nil, nil, fmt.Errorf("ошибка разбора SDP: %w", err)
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == media.String() {
			return desc, md, nil
		}
	}
	return nil, nil, fmt.Errorf("в SDP нет секции %s", media)
}

func sectionFormats(desc *sdp.SessionDescription, md *sdp.MediaDescription, media MediaType) (Formats, error) {
	var formats Formats
	for _, token := range md.MediaName.Formats {
		pt, err := strconv.Atoi(token)
		if err != nil || pt < 0 || pt > 127 {
			continue
		}
		if f, ok := formatForPayloadType(desc, uint8(pt)); ok {
			formats = append(formats, f)
		}
	}
	if len(formats) == 0 {
		return nil, fmt.Errorf("секция %s не содержит известных форматов", media)
	}
	return formats, nil
}

func formatForPayloadType(desc *sdp.SessionDescription, pt uint8) (Format, bool) {
	codec, err := desc.GetCodecForPayloadType(pt)
	if err == nil && codec.Name != "" {
		f := Format{
			PayloadType: pt,
			Name:        codec.Name,
			ClockRate:   codec.ClockRate,
			Channels:    1,
			Fmtp:        codec.Fmtp,
		}
		if n, convErr := strconv.Atoi(codec.EncodingParameters); convErr == nil && n > 0 {
			f.Channels = n
		}
		if f.ClockRate == 0 {
			if static, ok := staticFormats[pt]; ok {
				f.ClockRate = static.ClockRate
			}
		}
		return f, true
	}

	static, ok := staticFormats[pt]
	return static, ok
}
