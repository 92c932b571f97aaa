package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

const dateLayout = "2006-01-02"

// DailyGate opens for a short window after each firing of a cron expression.
type DailyGate struct {
	schedule cron.Schedule
	window   time.Duration
	loc      *time.Location
}

// NewDailyGate parses expr in the standard five-field form.
func NewDailyGate(expr string, window time.Duration, loc *time.Location) (*DailyGate, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	if window <= 0 {
		return nil, fmt.Errorf("gate window must be positive, got %s", window)
	}
	if loc == nil {
		loc = time.Local
	}
	return &DailyGate{schedule: schedule, window: window, loc: loc}, nil
}

// Open reports whether now falls in [fire, fire+window) and returns the local date of that firing.
func (g *DailyGate) Open(now time.Time) (string, bool) {
	local := now.In(g.loc)
	fire := g.schedule.Next(local.Add(-g.window))
	if fire.After(local) {
		return "", false
	}
	return fire.Format(dateLayout), true
}

// MemoryRunMarker keeps the last run date per job in process memory.
type MemoryRunMarker struct {
	mu   sync.Mutex
	last map[string]string
}

// NewMemoryRunMarker returns an empty marker.
func NewMemoryRunMarker() *MemoryRunMarker {
	return &MemoryRunMarker{last: map[string]string{}}
}

// MarkIfFirst records date for job and reports whether it was not recorded yet.
func (m *MemoryRunMarker) MarkIfFirst(_ context.Context, job, date string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last[job] == date {
		return false, nil
	}
	m.last[job] = date
	return true, nil
}
