//go:build linux

package broker

import (
	"net"

	"golang.org/x/sys/unix"
)

func peerCredentials(conn net.Conn) (peer, error) {
	uconn, err := unixConn(conn)
	if err != nil {
		return peer{}, err
	}
	raw, err := uconn.SyscallConn()
	if err != nil {
		return peer{}, err
	}

	var ucred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		ucred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return peer{}, err
	}
	if credErr != nil {
		return peer{}, credErr
	}
	return peer{pid: ucred.Pid, uid: ucred.Uid}, nil
}
