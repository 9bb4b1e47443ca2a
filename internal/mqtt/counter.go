package mqtt

import (
	"sync"
	"time"
)

// DailyActivity tracks poll and command counts that reset at local
// midnight. It is safe for concurrent use; the publisher reads it for
// the bridge diagnostic sensors while the poll loop records into it.
type DailyActivity struct {
	mu       sync.Mutex
	updates  int64
	commands int64
	resetDay int // day-of-year of last reset
	loc      *time.Location
}

// NewDailyActivity creates a new accumulator using the given timezone
// for midnight detection. If loc is nil, [time.Local] is used.
func NewDailyActivity(loc *time.Location) *DailyActivity {
	if loc == nil {
		loc = time.Local
	}
	return &DailyActivity{
		resetDay: time.Now().In(loc).YearDay(),
		loc:      loc,
	}
}

// RecordUpdate counts one completed poll cycle. If the local date has
// changed since the last recording, counters are reset first.
func (d *DailyActivity) RecordUpdate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	d.updates++
}

// RecordCommand counts one dispatched device command.
func (d *DailyActivity) RecordCommand() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	d.commands++
}

// Snapshot returns the current totals after checking for midnight
// rollover.
func (d *DailyActivity) Snapshot() (updates, commands int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	return d.updates, d.commands
}

// maybeReset zeroes the accumulators if the local day-of-year has
// changed. Must be called with d.mu held.
func (d *DailyActivity) maybeReset() {
	today := time.Now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.updates = 0
		d.commands = 0
		d.resetDay = today
	}
}
