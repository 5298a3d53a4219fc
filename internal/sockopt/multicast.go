package sockopt

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/net/ipv4"
)

// ListenReusableMulticast binds a UDP4 socket to group:port with
// SO_REUSEPORT set before bind (so every pool's Receiver can bind the same
// group/port independently) and joins group on the loopback interface. The
// bus is loopback-only by design: traffic never needs to leave the host.
func ListenReusableMulticast(group net.IP, port int) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}

	conn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("%s:%d", group, port))
	if err != nil {
		return nil, fmt.Errorf("sockopt: listen reusable: %w", err)
	}
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("sockopt: unexpected packet conn type %T", conn)
	}

	iface, err := net.InterfaceByName("lo")
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("sockopt: lookup loopback interface: %w", err)
	}

	pc := ipv4.NewPacketConn(udpConn)
	if err := pc.JoinGroup(iface, &net.UDPAddr{IP: group}); err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("sockopt: join multicast group: %w", err)
	}

	return udpConn, nil
}

// DialMulticastSender opens a UDP4 socket bound to an ephemeral loopback
// port and "connected" to group:port, so that Send has no per-call
// destination argument.
func DialMulticastSender(group net.IP, port int) (*net.UDPConn, error) {
	raddr := &net.UDPAddr{IP: group, Port: port}
	laddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1")}
	conn, err := net.DialUDP("udp4", laddr, raddr)
	if err != nil {
		return nil, fmt.Errorf("sockopt: dial multicast sender: %w", err)
	}
	return conn, nil
}
