//go:build !linux

package rtp

import (
	"fmt"
	"syscall"
)

// socketControl на платформах кроме Linux настройки сокета не применяются.
// SO_REUSEPORT отклоняется явно, чтобы конфигурация не молча игнорировалась.
func socketControl(opts SocketOptions) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		if opts.ReusePort {
			return fmt.Errorf("SO_REUSEPORT поддерживается только на Linux")
		}
		return nil
	}
}
