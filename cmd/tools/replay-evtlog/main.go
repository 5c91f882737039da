// Command replay-evtlog streams a recorded camera session as UDP container
// datagrams, so a daemon running the udp driver can consume the recording as
// if it were a live camera. The source is either an .evtlog file or, when
// built with -tags=pcap, a packet capture.
//
// Usage:
//
//	go run ./cmd/tools/replay-evtlog -log capture.evtlog -addr localhost:8308
//	go run -tags=pcap ./cmd/tools/replay-evtlog -pcap capture.pcap -addr localhost:8308
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/banshee-data/eventcam/internal/dvs"
	"github.com/banshee-data/eventcam/internal/dvs/evtlog"
	"github.com/banshee-data/eventcam/internal/dvs/netstream"
)

func main() {
	logPath := flag.String("log", "", "Path to .evtlog file")
	pcapFile := flag.String("pcap", "", "Path to a packet capture to replay instead (requires a -tags=pcap build)")
	pcapPort := flag.Int("pcap-port", 8308, "UDP port to select from the capture")
	addr := flag.String("addr", "localhost:8308", "UDP destination address")
	interval := flag.Duration("interval", 10*time.Millisecond, "pause between containers")
	loop := flag.Bool("loop", false, "loop playback when reaching end")
	flag.Parse()

	if (*logPath == "") == (*pcapFile == "") {
		log.Fatal("Error: exactly one of -log or -pcap is required")
	}

	if *pcapFile != "" {
		replayPCAP(*pcapFile, *pcapPort, *addr)
		return
	}

	udpAddr, err := net.ResolveUDPAddr("udp", *addr)
	if err != nil {
		log.Fatalf("Failed to resolve %s: %v", *addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		log.Fatalf("Failed to dial %s: %v", *addr, err)
	}
	defer conn.Close()

	for {
		containers, events, err := replayOnce(*logPath, conn, *interval)
		if err != nil {
			log.Fatalf("Replay failed: %v", err)
		}
		log.Printf("Replayed %d containers (%d events) to %s", containers, events, *addr)
		if !*loop {
			return
		}
	}
}

// replayPCAP feeds the capture's container datagrams to the destination
// through a forwarder, so the replay exercises the same send path the daemon
// uses.
func replayPCAP(pcapFile string, pcapPort int, addr string) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		log.Fatalf("Invalid destination %s: %v", addr, err)
	}
	destPort, err := strconv.Atoi(portStr)
	if err != nil {
		log.Fatalf("Invalid destination port %q: %v", portStr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	forwarder, err := netstream.NewForwarder(host, destPort, nil, 5*time.Second)
	if err != nil {
		log.Fatalf("Failed to create forwarder: %v", err)
	}
	defer forwarder.Close()
	forwarder.Start(ctx)

	containers, events := 0, 0
	err = netstream.ReplayPCAPFile(ctx, pcapFile, pcapPort, nil, forwarder, func(c *dvs.PacketContainer) error {
		containers++
		events += c.EventCount()
		return nil
	})
	if err != nil {
		log.Fatalf("Replay failed: %v", err)
	}

	// The forwarder sends asynchronously; give its queue a moment to drain
	// before the connection closes.
	time.Sleep(200 * time.Millisecond)
	log.Printf("Replayed %d containers (%d events) from %s to %s", containers, events, pcapFile, addr)
}

func replayOnce(logPath string, conn *net.UDPConn, interval time.Duration) (containers, events int, err error) {
	reader, err := evtlog.OpenReader(logPath)
	if err != nil {
		return 0, 0, err
	}
	defer reader.Close()

	info := reader.Info()
	log.Printf("Log info: device %s (serial %s, %dx%d)",
		info.DeviceString, info.SerialNumber, info.SizeX, info.SizeY)

	for {
		container, err := reader.Next()
		if err == io.EOF {
			return containers, events, nil
		}
		if err != nil {
			return containers, events, err
		}

		if _, err := conn.Write(container.Bytes()); err != nil {
			return containers, events, err
		}
		containers++
		events += container.EventCount()

		if interval > 0 {
			time.Sleep(interval)
		}
	}
}
