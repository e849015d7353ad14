//go:build linux

package rtp

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// voicePriority приоритет сокета для интерактивного аудио
const voicePriority = 6

// socketControl возвращает Control функцию net.ListenConfig, настраивающую
// сокет для голосового трафика
func socketControl(opts SocketOptions) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			if opts.ReusePort {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
					sockErr = err
					return
				}
			}

			// Ошибки приоритета и DSCP не критичны (контейнеры, отсутствие прав)
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY, voicePriority)

			if opts.DSCP > 0 {
				// DSCP находится в старших 6 битах TOS
				tos := opts.DSCP << 2
				if network == "udp6" {
					_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
				} else {
					_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos)
				}
			}
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}
