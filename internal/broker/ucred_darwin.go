//go:build darwin

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

	var xucred *unix.Xucred
	var pid int
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		xucred, credErr = unix.GetsockoptXucred(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
		if credErr == nil {
			pid, credErr = unix.GetsockoptInt(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERPID)
		}
	}); err != nil {
		return peer{}, err
	}
	if credErr != nil {
		return peer{}, credErr
	}
	return peer{pid: int32(pid), uid: xucred.Uid}, nil
}
