package events

import (
	"sync"
	"testing"
	"time"
)

// collector is a test sink that records events under a lock.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) Handle(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

// TestBusDeliversInOrder publishes a sequence and verifies sinks see it
// complete and ordered, stamped with the job ID.
func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus("job-42")
	defer bus.Close()

	sink := &collector{}
	bus.AddSink(sink)

	names := []string{JobStarted, OrderPlaced, OrderFilled, JobStopped}
	for _, n := range names {
		bus.Status(n, "", nil)
	}

	waitFor(t, func() bool { return len(sink.snapshot()) == len(names) })

	got := sink.snapshot()
	for i, e := range got {
		if e.Name != names[i] {
			t.Errorf("event %d = %s, want %s", i, e.Name, names[i])
		}
		if e.JobID != "job-42" {
			t.Errorf("event %d job_id = %q, want job-42", i, e.JobID)
		}
		if e.TS.IsZero() {
			t.Errorf("event %d missing timestamp", i)
		}
	}
}

// TestBusFanOut delivers each event to every registered sink.
func TestBusFanOut(t *testing.T) {
	bus := NewBus("job-1")
	defer bus.Close()

	a, b := &collector{}, &collector{}
	bus.AddSink(a)
	bus.AddSink(b)

	bus.Order(OrderPlaced, "placed", map[string]interface{}{"symbol": "BTCUSDT"})

	waitFor(t, func() bool { return len(a.snapshot()) == 1 && len(b.snapshot()) == 1 })

	if a.snapshot()[0].Payload["symbol"] != "BTCUSDT" {
		t.Error("payload lost in fan-out")
	}
}

// TestRingEviction keeps only the newest events once capacity is reached.
func TestRingEviction(t *testing.T) {
	ring := NewRing(3)
	for i := 0; i < 5; i++ {
		ring.Handle(Event{Name: JobStarted, Message: string(rune('a' + i))})
	}

	recent := ring.Recent(10)
	if len(recent) != 3 {
		t.Fatalf("got %d events, want 3", len(recent))
	}
	// Newest first: e, d, c.
	want := []string{"e", "d", "c"}
	for i, e := range recent {
		if e.Message != want[i] {
			t.Errorf("recent[%d] = %q, want %q", i, e.Message, want[i])
		}
	}
}

// TestRingRecentLimit returns fewer events when asked for fewer.
func TestRingRecentLimit(t *testing.T) {
	ring := NewRing(10)
	for i := 0; i < 4; i++ {
		ring.Handle(Event{Message: string(rune('a' + i))})
	}

	recent := ring.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("got %d events, want 2", len(recent))
	}
	if recent[0].Message != "d" || recent[1].Message != "c" {
		t.Errorf("got %q,%q, want d,c", recent[0].Message, recent[1].Message)
	}
}

// TestBusCloseDrains: events published before Close are still delivered.
func TestBusCloseDrains(t *testing.T) {
	bus := NewBus("job-1")
	sink := &collector{}
	bus.AddSink(sink)

	for i := 0; i < 100; i++ {
		bus.Status(JobStarted, "", nil)
	}
	bus.Close()

	waitFor(t, func() bool { return len(sink.snapshot()) == 100 })
}
