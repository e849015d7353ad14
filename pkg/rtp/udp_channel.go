package rtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/arzzra/media_server/pkg/logging"
)

// Константы для валидации пакетов согласно RFC 3550
const (
	MinRTPPacketSize   = 12   // Минимальный размер RTP заголовка
	MaxRTPPacketSize   = 1500 // Максимальный размер (MTU limit)
	ExpectedRTPVersion = 2
)

// SocketOptions настройки сокета для голосового трафика
type SocketOptions struct {
	DSCP      int  // 46 (EF) для голоса, 0 не устанавливает
	ReusePort bool // SO_REUSEPORT, только Linux
}

// UDPChannel реализует Channel поверх UDP сокета.
// Open проверяет готовность канала, Bind создает сокет и запускает чтение,
// Close закрывает сокет и освобождает порт.
type UDPChannel struct {
	options SocketOptions
	logger  zerolog.Logger
	release func()

	mu      sync.Mutex
	opened  bool
	closed  bool
	conn    net.PacketConn
	readers sync.WaitGroup

	handler atomic.Pointer[PacketHandler]
	invalid atomic.Uint64
}

// NewUDPChannel создает UDP канал. release вызывается один раз после закрытия.
func NewUDPChannel(options SocketOptions, logger zerolog.Logger, release func()) *UDPChannel {
	return &UDPChannel{
		options: options,
		logger:  logging.WithComponent(logger, "udp_channel"),
		release: release,
	}
}

func (c *UDPChannel) Open(cb func(error)) {
	go func() {
		c.mu.Lock()
		var err error
		switch {
		case c.closed:
			err = fmt.Errorf("канал закрыт")
		case c.opened:
			err = fmt.Errorf("канал уже открыт")
		default:
			c.opened = true
		}
		c.mu.Unlock()
		cb(err)
	}()
}

func (c *UDPChannel) Bind(addr net.Addr, cb func(error)) {
	go func() {
		cb(c.bind(addr))
	}()
}

func (c *UDPChannel) bind(addr net.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.opened || c.closed {
		return fmt.Errorf("канал не открыт")
	}
	if c.conn != nil {
		return fmt.Errorf("канал уже привязан к %s", c.conn.LocalAddr())
	}
	if addr == nil {
		return fmt.Errorf("адрес привязки не задан")
	}

	lc := net.ListenConfig{Control: socketControl(c.options)}
	conn, err := lc.ListenPacket(context.Background(), "udp", addr.String())
	if err != nil {
		return fmt.Errorf("ошибка привязки к %s: %w", addr, err)
	}
	c.conn = conn

	c.readers.Add(1)
	go c.readLoop(conn)

	c.logger.Debug().Str("local_addr", conn.LocalAddr().String()).Msg("bound")
	return nil
}

func (c *UDPChannel) Close(cb func(error)) {
	go func() {
		cb(c.close())
	}()
}

func (c *UDPChannel) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
		c.readers.Wait()
	}
	if c.release != nil {
		c.release()
	}
	return err
}

// LocalAddr фактический адрес после привязки
func (c *UDPChannel) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}

// SetPacketHandler задает обработчик входящих пакетов
func (c *UDPChannel) SetPacketHandler(handler PacketHandler) {
	if handler == nil {
		c.handler.Store(nil)
		return
	}
	c.handler.Store(&handler)
}

// SendPacket сериализует пакет через pion/rtp и отправляет его
func (c *UDPChannel) SendPacket(packet *rtp.Packet, to net.Addr) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()

	if conn == nil || closed {
		return fmt.Errorf("канал не привязан")
	}
	if err := validateRTPHeader(&packet.Header); err != nil {
		return fmt.Errorf("невалидный RTP заголовок для отправки: %w", err)
	}

	data, err := packet.Marshal()
	if err != nil {
		return fmt.Errorf("ошибка маршалинга RTP пакета: %w", err)
	}
	if err := validatePacketSize(len(data)); err != nil {
		return err
	}

	_, err = conn.WriteTo(data, to)
	return err
}

// InvalidPackets число отброшенных невалидных пакетов
func (c *UDPChannel) InvalidPackets() uint64 {
	return c.invalid.Load()
}

func (c *UDPChannel) readLoop(conn net.PacketConn) {
	defer c.readers.Done()

	buffer := make([]byte, MaxRTPPacketSize)
	for {
		n, from, err := conn.ReadFrom(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Warn().Err(err).Msg("read failed")
			return
		}

		if err := validatePacketSize(n); err != nil {
			c.invalid.Add(1)
			continue
		}

		packet := &rtp.Packet{}
		if err := packet.Unmarshal(append([]byte(nil), buffer[:n]...)); err != nil {
			c.invalid.Add(1)
			continue
		}
		if err := validateRTPHeader(&packet.Header); err != nil {
			c.invalid.Add(1)
			continue
		}

		if h := c.handler.Load(); h != nil {
			(*h)(packet, from)
		}
	}
}

// validatePacketSize проверяет размер пакета
func validatePacketSize(size int) error {
	if size < MinRTPPacketSize {
		return fmt.Errorf("пакет слишком мал: %d байт (минимум %d)", size, MinRTPPacketSize)
	}
	if size > MaxRTPPacketSize {
		return fmt.Errorf("пакет слишком велик: %d байт (максимум %d)", size, MaxRTPPacketSize)
	}
	return nil
}

// validateRTPHeader проверяет корректность RTP заголовка согласно RFC 3550
func validateRTPHeader(header *rtp.Header) error {
	if header.Version != ExpectedRTPVersion {
		return fmt.Errorf("неподдерживаемая версия RTP: %d (ожидается %d)", header.Version, ExpectedRTPVersion)
	}
	if header.PayloadType > 127 {
		return fmt.Errorf("невалидный payload type: %d (максимум 127)", header.PayloadType)
	}
	return nil
}

// UDPProvider выдает UDP каналы на портах из PortManager
type UDPProvider struct {
	host    net.IP
	ports   *PortManager
	options SocketOptions
	logger  zerolog.Logger
}

// NewUDPProvider создает поставщика каналов
func NewUDPProvider(host string, ports *PortManager, options SocketOptions, logger zerolog.Logger) (*UDPProvider, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("неверный адрес привязки %q", host)
	}
	if ports == nil {
		return nil, fmt.Errorf("менеджер портов обязателен")
	}
	return &UDPProvider{host: ip, ports: ports, options: options, logger: logger}, nil
}

// Provide выделяет пару портов и создает канал. Порт освобождается при закрытии канала.
func (p *UDPProvider) Provide(media MediaType) (Channel, net.Addr, error) {
	rtpPort, _, err := p.ports.AllocatePortPair()
	if err != nil {
		return nil, nil, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			if err := p.ports.ReleasePortPair(rtpPort); err != nil {
				p.logger.Warn().Err(err).Int("port", rtpPort).Msg("port release failed")
			}
		})
	}

	logger := p.logger.With().Str("media", media.String()).Int("port", rtpPort).Logger()
	return NewUDPChannel(p.options, logger, release), &net.UDPAddr{IP: p.host, Port: rtpPort}, nil
}
