package rtp

import (
	"net"

	"github.com/pion/rtp"
)

// Channel асинхронный транспорт сессии. Каждый callback вызывается ровно один раз,
// из произвольной горутины.
type Channel interface {
	Open(cb func(error))
	Bind(addr net.Addr, cb func(error))
	Close(cb func(error))
}

// PacketSender канал, умеющий отправлять RTP пакеты
type PacketSender interface {
	SendPacket(packet *rtp.Packet, to net.Addr) error
}

// PacketHandler получает входящий RTP пакет
type PacketHandler func(packet *rtp.Packet, from net.Addr)

// PacketReceiver канал, доставляющий входящие RTP пакеты. nil снимает обработчик.
type PacketReceiver interface {
	SetPacketHandler(handler PacketHandler)
}

// LocalAddresser канал, знающий фактический локальный адрес после привязки
type LocalAddresser interface {
	LocalAddr() net.Addr
}

// ChannelProvider выдает канал и адрес привязки для нового медиа потока
type ChannelProvider interface {
	Provide(media MediaType) (Channel, net.Addr, error)
}

// ChannelProviderFunc адаптер функции к ChannelProvider
type ChannelProviderFunc func(media MediaType) (Channel, net.Addr, error)

func (f ChannelProviderFunc) Provide(media MediaType) (Channel, net.Addr, error) {
	return f(media)
}
