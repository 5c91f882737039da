package netstream

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/eventcam/internal/dvs"
)

// Forwarder re-emits received container datagrams to another address, for
// example to feed a second analysis host from one camera stream. Forwarding
// is asynchronous and lossy: a slow destination never backs up the receive
// path, full-queue containers are dropped and counted instead.
type Forwarder struct {
	conn        *net.UDPConn
	channel     chan []byte
	stats       StreamStats
	logInterval time.Duration
	address     string
}

// NewForwarder dials the forwarding destination. stats may be nil.
func NewForwarder(addr string, port int, stats StreamStats, logInterval time.Duration) (*Forwarder, error) {
	forwardAddress := fmt.Sprintf("%s:%d", addr, port)
	forwardUDPAddr, err := net.ResolveUDPAddr("udp", forwardAddress)
	if err != nil {
		return nil, fmt.Errorf("resolve forward address: %w", err)
	}

	conn, err := net.DialUDP("udp", nil, forwardUDPAddr)
	if err != nil {
		return nil, fmt.Errorf("dial forward connection: %w", err)
	}

	if stats == nil {
		stats = noopStats{}
	}
	return &Forwarder{
		conn:        conn,
		channel:     make(chan []byte, 1000),
		stats:       stats,
		logInterval: logInterval,
		address:     forwardAddress,
	}, nil
}

// Start launches the send goroutine. Write failures are aggregated and
// logged once per log interval rather than per container.
func (f *Forwarder) Start(ctx context.Context) {
	go func() {
		droppedCount := 0
		var lastError error
		ticker := time.NewTicker(f.logInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case datagram := <-f.channel:
				if _, err := f.conn.Write(datagram); err != nil {
					droppedCount++
					lastError = err
				}
			case <-ticker.C:
				if droppedCount > 0 && lastError != nil {
					dvs.Logf("netstream: dropped %d forwarded containers due to errors (latest: %v)", droppedCount, lastError)
					droppedCount = 0
					lastError = nil
				}
			}
		}
	}()

	dvs.Logf("netstream: forwarding containers to %s", f.address)
}

// ForwardAsync queues one serialized container for forwarding without
// blocking. The bytes are copied, so the caller may reuse its buffer.
func (f *Forwarder) ForwardAsync(datagram []byte) {
	datagramCopy := make([]byte, len(datagram))
	copy(datagramCopy, datagram)

	select {
	case f.channel <- datagramCopy:
	default:
		f.stats.AddDropped()
	}
}

// ForwardContainer serializes and queues a container.
func (f *Forwarder) ForwardContainer(c *dvs.PacketContainer) {
	if c == nil {
		return
	}
	select {
	case f.channel <- c.Bytes():
	default:
		f.stats.AddDropped()
	}
}

// Close shuts the forwarding connection.
func (f *Forwarder) Close() error {
	return f.conn.Close()
}
