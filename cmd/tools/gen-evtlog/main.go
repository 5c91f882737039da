// Command gen-evtlog generates sample .evtlog recordings from the simulated
// camera, for testing replay and decoding.
package main

import (
	"flag"
	"log"

	"github.com/banshee-data/eventcam/internal/dvs"
	"github.com/banshee-data/eventcam/internal/dvs/evtlog"
	"github.com/banshee-data/eventcam/internal/dvs/sim"
)

func main() {
	output := flag.String("o", "sample.evtlog", "output path")
	containers := flag.Int("n", 100, "number of containers")
	rate := flag.Float64("rate", 50000, "polarity events per second")
	intervalUs := flag.Int("interval-us", 10000, "container interval in microseconds")
	dots := flag.Int("dots", 4, "number of moving dots")
	seed := flag.Int64("seed", 1, "random seed (0: wall clock)")
	flag.Parse()

	driver := sim.NewDriver()
	driver.EventRate = *rate
	driver.DotCount = *dots
	driver.Seed = *seed

	conn, err := driver.Open(dvs.OpenOptions{})
	if err != nil {
		log.Fatalf("Failed to open simulated device: %v", err)
	}
	defer conn.Close()

	if err := conn.SendDefaultConfig(); err != nil {
		log.Fatalf("Failed to configure device: %v", err)
	}
	if err := conn.ConfigSet(dvs.ConfigContainerInterval, uint32(*intervalUs)); err != nil {
		log.Fatalf("Failed to set container interval: %v", err)
	}
	if err := conn.DataStart(); err != nil {
		log.Fatalf("Failed to start data transfer: %v", err)
	}

	writer, err := evtlog.NewWriter(*output, conn.Info())
	if err != nil {
		log.Fatalf("Failed to create event log: %v", err)
	}
	defer writer.Close()

	events := 0
	for i := 0; i < *containers; i++ {
		container, err := conn.DataGet()
		if err != nil {
			log.Fatalf("Failed to fetch container: %v", err)
		}
		if container == nil {
			continue
		}
		if err := writer.Record(container); err != nil {
			log.Fatalf("Failed to record container: %v", err)
		}
		events += container.EventCount()
		if (i+1)%50 == 0 {
			log.Printf("%d/%d containers", i+1, *containers)
		}
	}
	log.Printf("✓ Created: %s (%d containers, %d events)", *output, *containers, events)
}
