// Package discovery implements LAN peer discovery: periodic UDP
// broadcast of our own multiserver address, and a listener that turns
// received broadcasts into PeerAddress values for the peer manager to
// dial. Unlike the teacher's multicast-group discovery, this is plain
// broadcast to 255.255.255.255, matching the Secure Scuttlebutt LAN
// discovery convention (spec.md §4.4).
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"scuttlechat/internal/peeraddr"
)

const (
	// DefaultPort is both the discovery broadcast port and, by default,
	// the handshake listen port (spec.md §6/§8).
	DefaultPort = 8008

	// AnnounceInterval is how often we broadcast our own address.
	AnnounceInterval = 2 * time.Second

	maxMessageSize = 1024
)

// Announcer periodically broadcasts self on the LAN.
type Announcer struct {
	self   peeraddr.PeerAddress
	port   int
	logger *slog.Logger

	conn *net.UDPConn
}

// NewAnnouncer returns an Announcer that will broadcast self to the
// given UDP port on every tick.
func NewAnnouncer(self peeraddr.PeerAddress, port int) *Announcer {
	if port == 0 {
		port = DefaultPort
	}
	return &Announcer{
		self:   self,
		port:   port,
		logger: slog.Default().With("component", "discovery.announcer"),
	}
}

// Run broadcasts self every AnnounceInterval until ctx is canceled.
func (a *Announcer) Run(ctx context.Context) error {
	conn, err := listenBroadcastSocket(a.port)
	if err != nil {
		return fmt.Errorf("discovery: open broadcast socket: %w", err)
	}
	a.conn = conn
	defer conn.Close()

	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: a.port}

	a.announceOnce(dst)

	ticker := time.NewTicker(AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.announceOnce(dst)
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *Announcer) announceOnce(dst *net.UDPAddr) {
	msg := a.self.String()
	if _, err := a.conn.WriteToUDP([]byte(msg), dst); err != nil {
		a.logger.Warn("broadcast failed", "error", err)
	}
}

// Listener receives broadcast announcements and reports the peers they
// name through Discovered.
type Listener struct {
	port      int
	self      peeraddr.PeerAddress
	Discovered func(peeraddr.PeerAddress)

	logger *slog.Logger
}

// NewListener returns a Listener bound to port that ignores
// announcements matching self's public key.
func NewListener(self peeraddr.PeerAddress, port int) *Listener {
	if port == 0 {
		port = DefaultPort
	}
	return &Listener{
		port:   port,
		self:   self,
		logger: slog.Default().With("component", "discovery.listener"),
	}
}

// Run listens for broadcasts until ctx is canceled, invoking
// Discovered for every valid address from another peer. Repeated
// announcements of the same peer are reported each time they arrive.
func (l *Listener) Run(ctx context.Context) error {
	conn, err := listenBroadcastSocket(l.port)
	if err != nil {
		return fmt.Errorf("discovery: open listen socket: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, maxMessageSize)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("read failed", "error", err)
			continue
		}
		l.handleMessage(buf[:n])
	}
}

func (l *Listener) handleMessage(data []byte) {
	for _, field := range strings.Split(string(data), ";") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		addr, err := peeraddr.Parse(field)
		if err != nil {
			l.logger.Debug("ignoring unparseable announcement", "error", err)
			continue
		}
		if addr.Equal(l.self) {
			continue
		}
		if l.Discovered != nil {
			l.Discovered(addr)
		}
	}
}

// listenBroadcastSocket opens a UDP socket with SO_BROADCAST and
// SO_REUSEPORT set, so an announcer and listener (and multiple nodes on
// one host, for testing) can share the same port.
func listenBroadcastSocket(port int) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				if sockErr != nil {
					return
				}
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	udpConn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("discovery: unexpected packet conn type %T", pc)
	}
	return udpConn, nil
}
