//go:build pcap
// +build pcap

package netstream

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/banshee-data/eventcam/internal/dvs"
)

// ReplayPCAPFile reads container datagrams out of a packet capture and feeds
// them to sink in file order, one call per valid container. Only UDP traffic
// on udpPort is considered. If forwarder is non-nil, raw payloads are also
// re-emitted. Only available when building with the 'pcap' build tag.
func ReplayPCAPFile(ctx context.Context, pcapFile string, udpPort int, stats StreamStats, forwarder *Forwarder, sink func(*dvs.PacketContainer) error) error {
	handle, err := pcap.OpenOffline(pcapFile)
	if err != nil {
		return fmt.Errorf("open PCAP file %s: %w", pcapFile, err)
	}
	defer handle.Close()

	filterStr := fmt.Sprintf("udp port %d", udpPort)
	if err := handle.SetBPFFilter(filterStr); err != nil {
		return fmt.Errorf("set BPF filter %q: %w", filterStr, err)
	}
	dvs.Logf("netstream: PCAP BPF filter set: %s", filterStr)

	if stats == nil {
		stats = noopStats{}
	}

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	packetCount := 0
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			dvs.Logf("netstream: PCAP replay stopping on cancellation (%d packets processed)", packetCount)
			return ctx.Err()
		case packet := <-packetSource.Packets():
			if packet == nil {
				elapsed := time.Since(startTime)
				dvs.Logf("netstream: PCAP replay complete: %d packets in %v", packetCount, elapsed)
				return nil
			}

			packetCount++

			udpLayer := packet.Layer(layers.LayerTypeUDP)
			if udpLayer == nil {
				continue
			}
			udp, ok := udpLayer.(*layers.UDP)
			if !ok {
				continue
			}

			payload := udp.Payload
			if len(payload) == 0 {
				continue
			}

			if forwarder != nil {
				forwarder.ForwardAsync(payload)
			}

			container, err := dvs.ParseContainer(payload)
			if err != nil {
				stats.AddMalformed()
				dvs.Logf("netstream: PCAP packet %d is not a valid container: %v", packetCount, err)
				continue
			}

			stats.AddContainer(len(payload))
			stats.AddEvents(container.EventCount())

			if sink != nil {
				if err := sink(container); err != nil {
					return fmt.Errorf("replay sink at packet %d: %w", packetCount, err)
				}
			}

			if packetCount%10000 == 0 {
				elapsed := time.Since(startTime)
				dvs.Logf("netstream: PCAP progress: %d packets in %v (%.0f pkt/s)",
					packetCount, elapsed, float64(packetCount)/elapsed.Seconds())
			}
		}
	}
}
