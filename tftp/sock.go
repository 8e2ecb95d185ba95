package tftp

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// sock is a non-blocking IPv4 UDP socket. Each transfer owns exactly
// one; the port it binds is the transfer's TID. The server multiplexer
// owns one more for the service port.
type sock struct {
	fd  int
	tid int
}

// newSock creates, configures and binds a non-blocking UDP socket.
// Port 0 asks the kernel for an ephemeral port; the bound port becomes
// the TID either way.
func newSock(port int) (*sock, error) {
	fd, err := unix.Socket(unix.AF_INET,
		unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "create socket")
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "set SO_REUSEADDR")
	}

	// Safety ceiling, independent of the protocol's own timer. The
	// socket is non-blocking so this never stalls a read; it bounds
	// anything that ends up waiting in the kernel.
	tv := unix.NsecToTimeval(socketTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "set SO_RCVTIMEO")
	}

	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "bind port %d", port)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "get bound address")
	}
	inet, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(fd)
		return nil, errors.New("bound address is not IPv4")
	}

	return &sock{fd: fd, tid: inet.Port}, nil
}

// recvFrom receives one datagram without blocking. A would-block
// condition is not an error: it returns (0, nil, nil), the signal to
// return to the loop.
func (s *sock) recvFrom(buf []byte) (int, unix.Sockaddr, error) {
	for {
		n, from, err := unix.Recvfrom(s.fd, buf, 0)
		if err == nil {
			return n, from, nil
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return 0, nil, nil
		}
		return 0, nil, errors.Wrap(err, "recvfrom")
	}
}

// sendTo sends one datagram. UDP sends on a non-blocking socket only
// block under send-buffer pressure; a would-block there is treated as
// packet loss, which the protocol already recovers from.
func (s *sock) sendTo(buf []byte, to unix.Sockaddr) error {
	for {
		err := unix.Sendto(s.fd, buf, 0, to)
		if err == nil || err == unix.EAGAIN {
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		return errors.Wrap(err, "sendto")
	}
}

func (s *sock) close() {
	if s.fd >= 0 {
		unix.Close(s.fd)
		s.fd = -1
	}
}

// resolveAddr resolves host to an IPv4 socket address on port.
func resolveAddr(host string, port int) (*unix.SockaddrInet4, error) {
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve host %q", host)
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			sa := &unix.SockaddrInet4{Port: port}
			copy(sa.Addr[:], v4)
			return sa, nil
		}
	}
	return nil, errors.Errorf("host %q has no IPv4 address", host)
}

// sameAddr reports whether two socket addresses are the same IPv4
// host and port. This is the TID check.
func sameAddr(a, b unix.Sockaddr) bool {
	av, aok := a.(*unix.SockaddrInet4)
	bv, bok := b.(*unix.SockaddrInet4)
	if !aok || !bok {
		return false
	}
	return av.Addr == bv.Addr && av.Port == bv.Port
}

// addrString renders a socket address for event reporting.
func addrString(sa unix.Sockaddr) string {
	if v, ok := sa.(*unix.SockaddrInet4); ok {
		return fmt.Sprintf("%d.%d.%d.%d:%d",
			v.Addr[0], v.Addr[1], v.Addr[2], v.Addr[3], v.Port)
	}
	return "?"
}
