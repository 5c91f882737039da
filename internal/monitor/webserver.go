package monitor

import (
	"context"
	"embed"
	"html/template"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/eventcam/internal/camdb"
	"github.com/banshee-data/eventcam/internal/dvs"
	"github.com/banshee-data/eventcam/internal/httputil"
	"github.com/banshee-data/eventcam/internal/units"
	"github.com/banshee-data/eventcam/internal/version"
)

//go:embed status.html
var StatusHTML embed.FS

// LoopStatus is the slice of a session loop the webserver reports on.
// *dvs.SessionLoop satisfies it.
type LoopStatus interface {
	State() dvs.LoopState
	Info() (dvs.DeviceInfo, error)
	Containers() int64
	Events() int64
}

// WebServer serves the daemon's HTTP interface: health checks, stats and
// session JSON, and debug charts.
type WebServer struct {
	address   string
	stats     *EventStats
	activity  *ActivityMap
	loop      LoopStatus
	db        *camdb.DB
	sessionID func() string
	server    *http.Server
}

// WebServerConfig configures a WebServer. Stats is required; the rest are
// optional and disable their endpoints when nil.
type WebServerConfig struct {
	Address  string
	Stats    *EventStats
	Activity *ActivityMap
	Loop     LoopStatus
	DB       *camdb.DB

	// SessionID reports the current recording session, empty while the
	// device has not opened yet. Queried per request, so a session that
	// starts after the server does still shows up.
	SessionID func() string
}

// NewWebServer creates a web server with the provided configuration.
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address:   config.Address,
		stats:     config.Stats,
		activity:  config.Activity,
		loop:      config.Loop,
		db:        config.DB,
		sessionID: config.SessionID,
	}

	if ws.sessionID == nil {
		ws.sessionID = func() string { return "" }
	}

	mux := ws.setupRoutes()
	if ws.db != nil {
		ws.db.AttachAdminRoutes(mux)
	}

	ws.server = &http.Server{
		Addr:    ws.address,
		Handler: LoggingMiddleware(mux),
	}
	return ws
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func (ws *WebServer) Start(ctx context.Context) error {
	go func() {
		log.Printf("Starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}

	log.Printf("HTTP server routine stopped")
	return nil
}

// setupRoutes configures the HTTP routes and handlers.
func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/", ws.handleStatus)
	mux.HandleFunc("/api/stats", ws.handleStats)
	mux.HandleFunc("/api/session", ws.handleSession)
	mux.HandleFunc("/api/sessions", ws.handleSessions)
	mux.HandleFunc("/charts/rate", ws.handleRateChart)
	mux.HandleFunc("/charts/activity", ws.handleActivityChart)

	return mux
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{"status": "ok", "version": version.Version})
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		httputil.NotFound(w, "not found")
		return
	}
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	tmpl, err := template.ParseFS(StatusHTML, "status.html")
	if err != nil {
		httputil.InternalServerError(w, "failed to parse status template")
		return
	}

	data := struct {
		Version   string
		SessionID string
		State     string
		Device    string
		Uptime    string
		Rate      string
		Snapshot  *StatsSnapshot
	}{
		Version:   version.Version,
		SessionID: ws.sessionID(),
	}
	if ws.loop != nil {
		data.State = ws.loop.State().String()
		if info, err := ws.loop.Info(); err == nil {
			data.Device = info.DeviceString
		}
	}
	if ws.stats != nil {
		data.Uptime = ws.stats.GetUptime().Round(time.Second).String()
		data.Snapshot = ws.stats.GetLatestSnapshot()
		if data.Snapshot != nil {
			data.Rate = units.FormatRate(data.Snapshot.EventsPerSec)
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		log.Printf("failed to render status page: %v", err)
	}
}

func (ws *WebServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.stats == nil {
		httputil.NotFound(w, "no stats available")
		return
	}

	rateUnits := r.URL.Query().Get("units")
	if rateUnits == "" {
		rateUnits = units.EPS
	}
	if !units.IsValid(rateUnits) {
		httputil.BadRequest(w, "invalid units (valid: "+units.GetValidUnitsString()+")")
		return
	}

	response := struct {
		UptimeSeconds float64        `json:"uptime_seconds"`
		RateUnits     string         `json:"rate_units"`
		EventRate     float64        `json:"event_rate"`
		Snapshot      *StatsSnapshot `json:"snapshot"`
	}{
		UptimeSeconds: ws.stats.GetUptime().Seconds(),
		RateUnits:     rateUnits,
		Snapshot:      ws.stats.GetLatestSnapshot(),
	}
	if response.Snapshot != nil {
		response.EventRate = units.ConvertRate(response.Snapshot.EventsPerSec, rateUnits)
	}
	httputil.WriteJSONOK(w, response)
}

func (ws *WebServer) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.loop == nil {
		httputil.NotFound(w, "no session loop attached")
		return
	}

	response := struct {
		SessionID  string          `json:"session_id,omitempty"`
		State      string          `json:"state"`
		Device     *dvs.DeviceInfo `json:"device,omitempty"`
		Containers int64           `json:"containers"`
		Events     int64           `json:"events"`
	}{
		SessionID:  ws.sessionID(),
		State:      ws.loop.State().String(),
		Containers: ws.loop.Containers(),
		Events:     ws.loop.Events(),
	}
	if info, err := ws.loop.Info(); err == nil {
		response.Device = &info
	}
	httputil.WriteJSONOK(w, response)
}

func (ws *WebServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.db == nil {
		httputil.NotFound(w, "no database configured")
		return
	}

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 200 {
			limit = v
		}
	}

	sessions, err := ws.db.RecentSessions(limit)
	if err != nil {
		httputil.InternalServerError(w, "list sessions: "+err.Error())
		return
	}
	httputil.WriteJSONOK(w, sessions)
}
