package broker

import (
	"context"
	"fmt"
	"net"
)

const (
	peerNoProcess = int32(0)
	peerNobody    = uint32((1 << 32) - 1)
)

// peer identifies the process on the other end of a connection.
type peer struct {
	pid int32
	uid uint32
}

func (p peer) String() string {
	return fmt.Sprintf("pid=%d;uid=%d;", p.pid, p.uid)
}

func (p peer) known() bool {
	return p.uid != peerNobody
}

type peerKey struct{}

func withPeer(ctx context.Context, p peer) context.Context {
	return context.WithValue(ctx, peerKey{}, p)
}

func peerFromContext(ctx context.Context) peer {
	if p, ok := ctx.Value(peerKey{}).(peer); ok {
		return p
	}
	return peer{pid: peerNoProcess, uid: peerNobody}
}

// peerResolver extracts the peer credentials of an accepted connection.
type peerResolver func(conn net.Conn) (peer, error)

func unixConn(conn net.Conn) (*net.UnixConn, error) {
	if uconn, ok := conn.(*net.UnixConn); ok {
		return uconn, nil
	}
	return nil, fmt.Errorf("expected a net.UnixConn, but got a %T", conn)
}
