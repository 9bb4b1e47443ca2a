package mqtt

import (
	"testing"
	"time"
)

func TestDailyActivity_Accumulates(t *testing.T) {
	d := NewDailyActivity(time.UTC)

	d.RecordUpdate()
	d.RecordUpdate()
	d.RecordCommand()

	updates, commands := d.Snapshot()
	if updates != 2 {
		t.Errorf("updates = %d, want 2", updates)
	}
	if commands != 1 {
		t.Errorf("commands = %d, want 1", commands)
	}
}

func TestDailyActivity_ResetsAtMidnight(t *testing.T) {
	d := NewDailyActivity(time.UTC)
	d.RecordUpdate()
	d.RecordCommand()

	// Force the rollover check to see a different day.
	d.mu.Lock()
	d.resetDay = -1
	d.mu.Unlock()

	updates, commands := d.Snapshot()
	if updates != 0 || commands != 0 {
		t.Errorf("after rollover: updates = %d, commands = %d, want 0, 0", updates, commands)
	}
}

func TestDailyActivity_NilLocation(t *testing.T) {
	d := NewDailyActivity(nil)
	d.RecordUpdate()
	if updates, _ := d.Snapshot(); updates != 1 {
		t.Errorf("updates = %d, want 1", updates)
	}
}
