//go:build !pcap
// +build !pcap

package netstream

import (
	"context"
	"fmt"

	"github.com/banshee-data/eventcam/internal/dvs"
)

// ReplayPCAPFile is a stub used when PCAP support is disabled.
// Build with -tags=pcap to enable capture-file replay.
func ReplayPCAPFile(ctx context.Context, pcapFile string, udpPort int, stats StreamStats, forwarder *Forwarder, sink func(*dvs.PacketContainer) error) error {
	return fmt.Errorf("PCAP support not enabled: rebuild with -tags=pcap to enable capture replay")
}
