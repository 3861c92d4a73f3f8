package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/eshenhu/doipgwd/internal/doip"
)

// TCPServerTransport binds a TCP listener for tester connections and a
// UDP socket for vehicle announcements.
type TCPServerTransport struct {
	loopback   bool
	maxPayload uint32

	mu       sync.Mutex
	listener *net.TCPListener
	udpConn  *net.UDPConn
	port     uint16
	active   bool
}

// NewTCPServerTransport creates a transport that will announce via
// loopback (127.0.0.1) when loopback is true, or via broadcast/multicast
// otherwise.
func NewTCPServerTransport(loopback bool, maxPayload uint32) *TCPServerTransport {
	if maxPayload == 0 {
		maxPayload = doip.DefaultMaxPayloadLength
	}
	return &TCPServerTransport{loopback: loopback, maxPayload: maxPayload}
}

func (s *TCPServerTransport) Setup(port uint16) error {
	l, err := net.ListenTCP("tcp", &net.TCPAddr{Port: int(port)})
	if err != nil {
		return fmt.Errorf("transport: listen tcp :%d: %w", port, err)
	}

	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(DiscoveryPort)})
	if err != nil {
		l.Close()
		return fmt.Errorf("transport: listen udp :%d: %w", DiscoveryPort, err)
	}

	if s.loopback {
		// loopback mode needs neither broadcast nor multicast.
	} else {
		if err := enableBroadcast(udpConn); err != nil {
			udpConn.Close()
			l.Close()
			return fmt.Errorf("transport: enable broadcast: %w", err)
		}
		if err := joinMulticastGroup(udpConn, net.ParseIP(MulticastGroup)); err != nil {
			udpConn.Close()
			l.Close()
			return fmt.Errorf("transport: join multicast group: %w", err)
		}
	}

	s.mu.Lock()
	s.listener = l
	s.udpConn = udpConn
	s.port = uint16(l.Addr().(*net.TCPAddr).Port)
	s.active = true
	s.mu.Unlock()
	return nil
}

func (s *TCPServerTransport) AcceptConnection() (ConnectionTransport, error) {
	s.mu.Lock()
	l := s.listener
	active := s.active
	s.mu.Unlock()
	if !active || l == nil {
		return nil, nil
	}

	// Near non-blocking accept: a 10ms deadline makes Accept return with
	// a timeout error shortly if nothing is pending.
	_ = l.SetDeadline(time.Now().Add(10 * time.Millisecond))
	conn, err := l.Accept()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	return NewTCPConnectionTransport(conn, s.maxPayload), nil
}

func (s *TCPServerTransport) SendBroadcast(msg doip.Message, port uint16) (int, error) {
	s.mu.Lock()
	conn := s.udpConn
	loopback := s.loopback
	s.mu.Unlock()
	if conn == nil {
		return 0, ErrNotActive
	}

	if port == 0 {
		port = TestEquipmentReqPort
	}
	ip := "255.255.255.255"
	if loopback {
		ip = "127.0.0.1"
	}
	dest := &net.UDPAddr{IP: net.ParseIP(ip), Port: int(port)}

	b := doip.Encode(msg)
	n, err := conn.WriteToUDP(b, dest)
	if err != nil {
		return n, fmt.Errorf("transport: send broadcast: %w", err)
	}
	return n, nil
}

func (s *TCPServerTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil
	}
	s.active = false
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	if s.udpConn != nil {
		if e := s.udpConn.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// Port returns the TCP port actually bound by Setup, which may differ
// from the requested port when Setup was called with 0.
func (s *TCPServerTransport) Port() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

func (s *TCPServerTransport) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *TCPServerTransport) Identifier() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("TCP-Server:0.0.0.0:%d", s.port)
}

// enableBroadcast sets SO_BROADCAST on the UDP socket backing conn. The
// stdlib net package exposes no setsockopt surface for this, so the raw
// fd is reached the way golang.org/x/sys/unix is used for socket options
// throughout the ecosystem.
func enableBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	}); err != nil {
		return err
	}
	return sockErr
}

// joinMulticastGroup joins group on the first multicast-capable
// interface found.
func joinMulticastGroup(conn *net.UDPConn, group net.IP) error {
	ifaces, err := net.Interfaces()
	if err != nil {
		return err
	}
	pc := ipv4.NewPacketConn(conn)
	var lastErr error
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(&iface, &net.UDPAddr{IP: group}); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("transport: no multicast-capable interface found")
	}
	return lastErr
}
