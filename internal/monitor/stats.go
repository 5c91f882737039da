// Package monitor tracks event-stream throughput and serves the daemon's
// HTTP status surface: JSON stats, debug charts and per-pixel activity maps.
package monitor

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// StatsSnapshot is one logging interval's rates, kept for the web interface.
type StatsSnapshot struct {
	ContainersPerSec float64   `json:"containers_per_sec"`
	MBPerSec         float64   `json:"mb_per_sec"`
	EventsPerSec     float64   `json:"events_per_sec"`
	PolarityPerSec   float64   `json:"polarity_per_sec"`
	SpecialPerSec    float64   `json:"special_per_sec"`
	DroppedCount     int64     `json:"dropped_count"`
	MalformedCount   int64     `json:"malformed_count"`
	Timestamp        time.Time `json:"timestamp"`
}

// EventStats tracks stream statistics with thread-safe operations. It
// satisfies netstream.StreamStats, so the UDP driver can feed it directly,
// and the session loop adds decoded event counts on top.
type EventStats struct {
	mu             sync.Mutex
	containerCount int64
	byteCount      int64
	polarityCount  int64
	specialCount   int64
	droppedCount   int64
	malformedCount int64
	lastReset      time.Time
	startTime      time.Time
	latestSnapshot *StatsSnapshot
}

// NewEventStats creates a new EventStats instance.
func NewEventStats() *EventStats {
	now := time.Now()
	return &EventStats{
		lastReset: now,
		startTime: now,
	}
}

// AddContainer increments container count and byte count.
func (es *EventStats) AddContainer(bytes int) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.containerCount++
	es.byteCount += int64(bytes)
}

// AddEvents adds undifferentiated events, attributed to the polarity count.
// The wire-level reader uses this; the loop uses AddPolarity/AddSpecial.
func (es *EventStats) AddEvents(count int) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.polarityCount += int64(count)
}

// AddPolarity adds decoded polarity events.
func (es *EventStats) AddPolarity(count int) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.polarityCount += int64(count)
}

// AddSpecial adds decoded special events.
func (es *EventStats) AddSpecial(count int) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.specialCount += int64(count)
}

// AddDropped increments the dropped container count.
func (es *EventStats) AddDropped() {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.droppedCount++
}

// AddMalformed increments the malformed datagram count.
func (es *EventStats) AddMalformed() {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.malformedCount++
}

// GetAndReset returns current counters and resets them.
func (es *EventStats) GetAndReset() (containers, bytes, polarity, special, dropped, malformed int64, duration time.Duration) {
	es.mu.Lock()
	defer es.mu.Unlock()

	now := time.Now()
	duration = now.Sub(es.lastReset)
	containers = es.containerCount
	bytes = es.byteCount
	polarity = es.polarityCount
	special = es.specialCount
	dropped = es.droppedCount
	malformed = es.malformedCount

	es.containerCount = 0
	es.byteCount = 0
	es.polarityCount = 0
	es.specialCount = 0
	es.droppedCount = 0
	es.malformedCount = 0
	es.lastReset = now

	return
}

// LogStats logs formatted statistics and stores a snapshot for the web
// interface. Intervals with no traffic still produce a snapshot so a stalled
// device is visible, they just skip the log line.
func (es *EventStats) LogStats() {
	containers, bytes, polarity, special, dropped, malformed, duration := es.GetAndReset()
	seconds := duration.Seconds()
	if seconds <= 0 {
		return
	}

	snapshot := &StatsSnapshot{
		ContainersPerSec: float64(containers) / seconds,
		MBPerSec:         float64(bytes) / seconds / (1024 * 1024),
		EventsPerSec:     float64(polarity+special) / seconds,
		PolarityPerSec:   float64(polarity) / seconds,
		SpecialPerSec:    float64(special) / seconds,
		DroppedCount:     dropped,
		MalformedCount:   malformed,
		Timestamp:        time.Now(),
	}

	es.mu.Lock()
	es.latestSnapshot = snapshot
	es.mu.Unlock()

	if containers == 0 && dropped == 0 && malformed == 0 {
		return
	}

	logMsg := fmt.Sprintf("Camera stats (/sec): %.2f MB, %.1f containers, %s events",
		snapshot.MBPerSec, snapshot.ContainersPerSec, FormatWithCommas(int64(snapshot.EventsPerSec)))
	if special > 0 {
		logMsg += fmt.Sprintf(" (%d special)", special)
	}
	if dropped > 0 {
		logMsg += fmt.Sprintf(", %d dropped", dropped)
	}
	if malformed > 0 {
		logMsg += fmt.Sprintf(", %d malformed", malformed)
	}
	log.Print(logMsg)
}

// GetUptime returns the time since the stats were created.
func (es *EventStats) GetUptime() time.Duration {
	es.mu.Lock()
	defer es.mu.Unlock()
	return time.Since(es.startTime)
}

// GetLatestSnapshot returns the most recent interval snapshot, or nil before
// the first LogStats.
func (es *EventStats) GetLatestSnapshot() *StatsSnapshot {
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.latestSnapshot == nil {
		return nil
	}
	snapshot := *es.latestSnapshot
	return &snapshot
}

// FormatWithCommas formats a number with thousands separators.
func FormatWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	result := ""
	for i, char := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result += ","
		}
		result += string(char)
	}
	return result
}
