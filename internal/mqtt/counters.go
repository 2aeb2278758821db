package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/tadpole/internal/events"
)

// Stats is the retained payload of the stats topic.
type Stats struct {
	Date        string `json:"date"`
	Turns       int64  `json:"turns"`
	FailedTurns int64  `json:"failed_turns"`
	Stopped     int64  `json:"stopped_turns"`
	ToolCalls   int64  `json:"tool_calls"`
	ToolErrors  int64  `json:"tool_errors"`
	Events      int64  `json:"events"`
}

// DailyCounts tallies agent activity seen on the bus. Counters reset
// at local midnight. It is safe for concurrent use.
type DailyCounts struct {
	mu       sync.Mutex
	stats    Stats
	resetDay int // day-of-year of last reset
	loc      *time.Location
}

// NewDailyCounts creates counters using loc for midnight detection. If
// loc is nil, [time.Local] is used.
func NewDailyCounts(loc *time.Location) *DailyCounts {
	if loc == nil {
		loc = time.Local
	}
	return &DailyCounts{
		resetDay: time.Now().In(loc).YearDay(),
		loc:      loc,
	}
}

// Observe records one bus event.
func (d *DailyCounts) Observe(e events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.stats.Events++
	if e.Source != events.SourceAgent {
		return
	}
	switch e.Kind {
	case events.KindTurnComplete:
		d.stats.Turns++
	case events.KindTurnFailed:
		if stopped, _ := e.Data["stopped"].(bool); stopped {
			d.stats.Stopped++
		} else {
			d.stats.FailedTurns++
		}
	case events.KindToolDone:
		d.stats.ToolCalls++
		if ok, _ := e.Data["ok"].(bool); !ok {
			d.stats.ToolErrors++
		}
	}
}

// Snapshot returns today's totals after checking for midnight rollover.
func (d *DailyCounts) Snapshot() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	s := d.stats
	s.Date = time.Now().In(d.loc).Format(time.DateOnly)
	return s
}

// maybeReset zeroes the counters if the local day-of-year has changed.
// Must be called with d.mu held.
func (d *DailyCounts) maybeReset() {
	today := time.Now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.stats = Stats{}
		d.resetDay = today
	}
}
