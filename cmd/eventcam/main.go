// The eventcam daemon acquires an event camera stream, tracks throughput,
// records telemetry to SQLite and serves an HTTP status interface. The camera
// can be a serial eDVS device, a UDP container stream or the built-in
// simulator.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/eventcam/internal/camdb"
	"github.com/banshee-data/eventcam/internal/config"
	"github.com/banshee-data/eventcam/internal/dvs"
	"github.com/banshee-data/eventcam/internal/dvs/edvs"
	"github.com/banshee-data/eventcam/internal/dvs/evtlog"
	"github.com/banshee-data/eventcam/internal/dvs/netstream"
	"github.com/banshee-data/eventcam/internal/dvs/sim"
	"github.com/banshee-data/eventcam/internal/monitor"
	"github.com/banshee-data/eventcam/internal/version"
)

var (
	listen      = flag.String("listen", ":8080", "HTTP listen address")
	driverName  = flag.String("driver", "sim", "device driver: sim, edvs or udp")
	configPath  = flag.String("config", "", "path to an acquisition config JSON file")
	devPath     = flag.String("dev", "", "serial device path for the edvs driver")
	baudRate    = flag.Int("baud", 0, "serial baud rate (default: device native 4Mbaud)")
	serialNum   = flag.String("serial", "", "only open the device with this serial number")
	blocking    = flag.Bool("blocking", true, "use blocking data exchange")
	intervalUs  = flag.Int("interval-us", 0, "container accumulation interval in microseconds (0: device default)")
	maxPacket   = flag.Int("max-packet", 0, "maximum events per packet (0: device default)")
	udpAddress  = flag.String("udp-addr", ":8308", "UDP listen address for the udp driver")
	rcvBuf      = flag.Int("rcvbuf", 4<<20, "UDP receive buffer size in bytes")
	dbFile      = flag.String("db", "eventcam.db", "Path to the SQLite database file")
	migrateMode = flag.Bool("migrate", false, "run a migration action (up|down|version|force|help) and exit")
	evtlogFile  = flag.String("evtlog", "", "record raw containers to this .evtlog file")
	recordEvery = flag.Int("record-every", 0, "store every Nth polarity event in the database (0 disables)")
	plotDir     = flag.String("plot-dir", "", "write rate plots into this directory on shutdown")
	forward     = flag.Bool("forward", false, "forward received containers to another daemon")
	forwardAddr = flag.String("forward-addr", "localhost", "address to forward containers to")
	forwardPort = flag.Int("forward-port", 8309, "port to forward containers to")
	logInterval = flag.Int("log-interval", 5, "statistics logging interval in seconds")
	showVersion = flag.Bool("version", false, "print the version and exit")
)

// resolveConfig merges the optional config file with the command line: the
// file sets the baseline and explicitly passed flags win.
func resolveConfig() {
	cfg := config.EmptyAcquisitionConfig()
	if *configPath != "" {
		loaded, err := config.LoadAcquisitionConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config %s: %v", *configPath, err)
		}
		cfg = loaded
	}

	flagsSet := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { flagsSet[f.Name] = true })

	if !flagsSet["blocking"] {
		*blocking = cfg.GetBlocking()
	}
	if !flagsSet["interval-us"] {
		*intervalUs = int(cfg.GetContainerInterval().Microseconds())
	}
	if !flagsSet["max-packet"] {
		*maxPacket = cfg.GetMaxPacketSize()
	}
	if !flagsSet["dev"] && *devPath == "" {
		*devPath = cfg.GetSerialPort()
	}
	if !flagsSet["baud"] {
		*baudRate = cfg.GetBaudRate()
	}
	if !flagsSet["udp-addr"] {
		*udpAddress = cfg.GetUDPAddress()
	}
	if !flagsSet["rcvbuf"] && cfg.UDPRcvBuf != nil {
		*rcvBuf = cfg.GetUDPRcvBuf()
	}
	if !flagsSet["log-interval"] {
		*logInterval = int(cfg.GetLogInterval().Seconds())
		if *logInterval < 1 {
			*logInterval = 1
		}
	}
	if !flagsSet["evtlog"] && cfg.EvtlogPath != nil {
		*evtlogFile = cfg.GetEvtlogPath()
	}
	if !flagsSet["record-every"] && cfg.PolarityDecimation != nil {
		*recordEvery = cfg.GetPolarityDecimation()
	}
}

// buildDriver constructs the selected device driver. The UDP driver feeds the
// stats collector at wire level; the others are counted by teeDriver and the
// loop consumer instead.
func buildDriver(stats *monitor.EventStats) (dvs.Driver, bool) {
	switch *driverName {
	case "sim":
		d := sim.NewDriver()
		d.Throttle = true // pace containers to the wall clock
		return d, false
	case "edvs":
		return &edvs.Driver{Path: *devPath, BaudRate: *baudRate}, false
	case "udp":
		return &netstream.Driver{Address: *udpAddress, RcvBuf: *rcvBuf, Stats: stats}, true
	default:
		log.Fatalf("Unknown driver %q (want sim, edvs or udp)", *driverName)
		return nil, false
	}
}

// teeDriver wraps a driver so every fetched container is also recorded to an
// event log and forwarded, before the loop decodes it.
type teeDriver struct {
	inner      dvs.Driver
	evtlogPath string
	forwarder  *netstream.Forwarder
	stats      *monitor.EventStats // nil when the driver counts at wire level
}

func (d *teeDriver) Open(opts dvs.OpenOptions) (dvs.DeviceConn, error) {
	conn, err := d.inner.Open(opts)
	if err != nil {
		return nil, err
	}

	tc := &teeConn{DeviceConn: conn, forwarder: d.forwarder, stats: d.stats}
	if d.evtlogPath != "" {
		writer, err := evtlog.NewWriter(d.evtlogPath, conn.Info())
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("open event log: %w", err)
		}
		log.Printf("Recording containers to %s", d.evtlogPath)
		tc.writer = writer
	}
	return tc, nil
}

type teeConn struct {
	dvs.DeviceConn
	writer    *evtlog.Writer
	forwarder *netstream.Forwarder
	stats     *monitor.EventStats
}

func (c *teeConn) DataGet() (*dvs.PacketContainer, error) {
	container, err := c.DeviceConn.DataGet()
	if container == nil || err != nil {
		return container, err
	}

	if c.stats != nil {
		c.stats.AddContainer(len(container.Bytes()))
	}
	if c.writer != nil {
		if err := c.writer.Record(container); err != nil {
			return nil, fmt.Errorf("record container: %w", err)
		}
	}
	if c.forwarder != nil {
		c.forwarder.ForwardContainer(container)
	}
	return container, nil
}

func (c *teeConn) Close() error {
	if c.writer != nil {
		if err := c.writer.Close(); err != nil {
			log.Printf("Failed to close event log: %v", err)
		}
		log.Printf("Event log closed (%d containers)", c.writer.Containers())
	}
	return c.DeviceConn.Close()
}

// dbRecorder is the loop consumer that persists telemetry: the session row,
// every special event, and an optional decimated sample of polarity events.
// The session row is created lazily on the first batch, once the device info
// is available.
type dbRecorder struct {
	db      *camdb.DB
	session *dvs.Session
	every   int // store every Nth polarity event, 0 disables

	mu        sync.Mutex
	sessionID string
	skip      int
}

// EnsureSession creates the session row if the device has been opened.
// Returns the session ID, empty until the device info is available.
func (r *dbRecorder) EnsureSession() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureSessionLocked()
}

func (r *dbRecorder) ensureSessionLocked() string {
	if r.sessionID != "" {
		return r.sessionID
	}
	info, err := r.session.Info()
	if err != nil {
		return ""
	}
	id, err := r.db.CreateSession(info.SerialNumber, info.DeviceString, info.SizeX, info.SizeY, info.Master)
	if err != nil {
		log.Printf("Failed to create session row: %v", err)
		return ""
	}
	log.Printf("Recording session %s", id)
	r.sessionID = id
	return id
}

func (r *dbRecorder) HandleEvents(polarity []dvs.PolarityEvent, special []dvs.SpecialEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.ensureSessionLocked()
	if id == "" {
		return nil
	}

	for _, ev := range special {
		if err := r.db.RecordSpecialEvent(id, ev.Timestamp, uint8(ev.Type), ev.Type.String()); err != nil {
			return fmt.Errorf("record special event: %w", err)
		}
	}

	if r.every > 0 && len(polarity) > 0 {
		batch := make([]camdb.PolaritySample, 0, len(polarity)/r.every+1)
		for _, ev := range polarity {
			if r.skip > 0 {
				r.skip--
				continue
			}
			r.skip = r.every - 1
			batch = append(batch, camdb.PolaritySample{
				TimestampUs: ev.Timestamp,
				X:           int(ev.X),
				Y:           int(ev.Y),
				Polarity:    ev.Polarity,
			})
		}
		if err := r.db.RecordPolaritySamples(id, batch); err != nil {
			return fmt.Errorf("record polarity samples: %w", err)
		}
	}

	return nil
}

// Finish closes out the session row with final counters.
func (r *dbRecorder) Finish(containers, events int64) {
	r.mu.Lock()
	id := r.sessionID
	r.mu.Unlock()
	if id == "" {
		return
	}
	if err := r.db.EndSession(id, containers, events); err != nil {
		log.Printf("Failed to end session row: %v", err)
	}
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if *migrateMode {
		camdb.RunMigrateCommand(flag.Args(), *dbFile)
		return
	}

	resolveConfig()

	db, err := camdb.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	stats := monitor.NewEventStats()
	driver, wireStats := buildDriver(stats)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Optional container forwarding to a second daemon.
	var forwarder *netstream.Forwarder
	if *forward {
		forwarder, err = netstream.NewForwarder(*forwardAddr, *forwardPort, stats, time.Duration(*logInterval)*time.Second)
		if err != nil {
			log.Fatalf("Failed to create forwarder: %v", err)
		}
		defer forwarder.Close()
		forwarder.Start(ctx)
		log.Printf("Forwarding containers to %s:%d", *forwardAddr, *forwardPort)
	}

	// Wrap the driver so raw containers are counted, recorded and forwarded
	// before decoding.
	var teeStats *monitor.EventStats
	if !wireStats {
		teeStats = stats
	}
	if *evtlogFile != "" || forwarder != nil || teeStats != nil {
		driver = &teeDriver{inner: driver, evtlogPath: *evtlogFile, forwarder: forwarder, stats: teeStats}
	}

	session := dvs.NewSession(driver)
	recorder := &dbRecorder{db: db, session: session, every: *recordEvery}

	var info dvs.DeviceInfo
	activity := monitor.NewActivityMap(128, 128)

	consumers := dvs.MultiConsumer{recorder}
	consumers = append(consumers, dvs.ConsumerFunc(func(polarity []dvs.PolarityEvent, special []dvs.SpecialEvent) error {
		if !wireStats {
			stats.AddPolarity(len(polarity))
			stats.AddSpecial(len(special))
		}
		activity.Accumulate(polarity)
		return nil
	}))

	loop := dvs.NewSessionLoop(session, consumers, dvs.LoopOptions{
		Open:              dvs.OpenOptions{SerialRestriction: *serialNum},
		Blocking:          *blocking,
		ContainerInterval: time.Duration(*intervalUs) * time.Microsecond,
		MaxPacketSize:     uint32(*maxPacket),
	})

	var wg sync.WaitGroup

	// Session loop routine.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := loop.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("Session loop error: %v", err)
			stop()
		}
		recorder.Finish(loop.Containers(), loop.Events())
		log.Print("Session loop routine terminated")
	}()

	// Wait briefly for the device to open so the plots can be labelled with
	// the real device serial. A device that opens later is still fine: the
	// web handlers ask the recorder for the session per request.
	for deadline := time.Now().Add(3 * time.Second); time.Now().Before(deadline); {
		if loop.State() == dvs.LoopTerminated {
			break
		}
		if recorder.EnsureSession() != "" {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(50 * time.Millisecond):
		}
		if ctx.Err() != nil {
			break
		}
	}
	if di, err := loop.Info(); err == nil {
		info = di
		activity.Resize(info.SizeX, info.SizeY)
	}

	// Optional rate plotting on shutdown.
	var plotter *monitor.RatePlotter
	if *plotDir != "" {
		plotter = monitor.NewRatePlotter(info.SerialNumber)
		if err := plotter.Start(monitor.MakePlotOutputDir(*plotDir, "")); err != nil {
			log.Fatalf("Failed to start rate plotter: %v", err)
		}
	}

	// Periodic stats logging, rate rollups and plot samples.
	wg.Add(1)
	go func() {
		defer wg.Done()
		interval := time.Duration(*logInterval) * time.Second
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats.LogStats()
				snap := stats.GetLatestSnapshot()
				if snap == nil {
					continue
				}
				if plotter != nil {
					plotter.Sample(snap)
				}
				if id := recorder.EnsureSession(); id != "" {
					secs := interval.Seconds()
					err := db.RecordRateSample(camdb.RateSample{
						SessionID:     id,
						SampledAt:     snap.Timestamp,
						Containers:    int64(snap.ContainersPerSec * secs),
						Bytes:         int64(snap.MBPerSec * secs * 1024 * 1024),
						PolarityCount: int64(snap.PolarityPerSec * secs),
						SpecialCount:  int64(snap.SpecialPerSec * secs),
						EventsPerSec:  snap.EventsPerSec,
					})
					if err != nil {
						log.Printf("Failed to record rate sample: %v", err)
					}
				}
			}
		}
	}()

	// HTTP server routine.
	webserver := monitor.NewWebServer(monitor.WebServerConfig{
		Address:   *listen,
		Stats:     stats,
		Activity:  activity,
		Loop:      loop,
		DB:        db,
		SessionID: recorder.EnsureSession,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := webserver.Start(ctx); err != nil {
			log.Printf("Web server error: %v", err)
		}
	}()

	wg.Wait()

	if plotter != nil {
		if n, err := plotter.GeneratePlots(); err != nil {
			log.Printf("Failed to generate plots: %v", err)
		} else if n > 0 {
			log.Printf("Wrote %d rate plots", n)
		}
	}

	log.Printf("Graceful shutdown complete")
}
