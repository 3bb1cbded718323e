package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeduplicator_FirstObserverWinsRepeatsSkipped(t *testing.T) {
	d := NewDeduplicator(time.Minute, time.Hour, nil)
	defer d.Close()

	assert.True(t, d.ProcessOrSkip("dedup-test-123"))
	assert.False(t, d.ProcessOrSkip("dedup-test-123"))
	assert.False(t, d.ProcessOrSkip("dedup-test-123"))
}

func TestDeduplicator_ExpiredEntriesPermitReprocessing(t *testing.T) {
	d := NewDeduplicator(10*time.Millisecond, time.Hour, nil)
	defer d.Close()

	assert.True(t, d.ProcessOrSkip("evt-1"))
	time.Sleep(20 * time.Millisecond)
	assert.True(t, d.ProcessOrSkip("evt-1"))
}

func TestDeduplicator_SweepRemovesExpiredEntries(t *testing.T) {
	d := NewDeduplicator(5*time.Millisecond, 10*time.Millisecond, nil)
	defer d.Close()

	d.ProcessOrSkip("evt-a")
	time.Sleep(50 * time.Millisecond)

	d.mu.Lock()
	_, stillPresent := d.seen["evt-a"]
	d.mu.Unlock()
	assert.False(t, stillPresent)
}
