//go:build !linux && !darwin

package broker

import (
	"errors"
	"net"
)

func peerCredentials(net.Conn) (peer, error) {
	return peer{}, errors.New("peer credentials not supported on this platform")
}
