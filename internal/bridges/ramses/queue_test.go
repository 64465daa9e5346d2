package ramses

import (
	"errors"
	"sync"
	"testing"
)

// humidityRequest builds the RQ 12A0 frame of the matching scenario.
func humidityRequest(t *testing.T) *Frame {
	t.Helper()
	f, err := DefaultRegistry().BuildRequest(CodeHumidity, MustParseAddress("18:149960"), MustParseAddress("29:224547"))
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	return f
}

func TestPendingQueueLifecycle(t *testing.T) {
	q := NewPendingQueue()
	req := humidityRequest(t)

	if err := q.Add(req); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := q.Add(req); err != nil {
		t.Fatalf("second Add: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after idempotent add", q.Len())
	}

	reply := mustFrame(t, "044 RP --- 29:224547 18:149960 --:------ 12A0 002 002F")
	if got := q.FindMatch(reply); got != req {
		t.Fatalf("FindMatch() = %v, want the request", got)
	}
	if q.Len() != 1 {
		t.Fatal("FindMatch must not remove")
	}

	if err := q.Remove(req); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d after remove", q.Len())
	}
	if err := q.Remove(req); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Remove error = %v, want ErrNotFound", err)
	}
}

func TestPendingQueueAddRequiresExpectation(t *testing.T) {
	q := NewPendingQueue()
	f, _ := FanCommand(PresetAuto, NoAddress, NoAddress)
	if err := q.Add(f); !errors.Is(err, ErrNoExpectedResponse) {
		t.Fatalf("Add error = %v, want ErrNoExpectedResponse", err)
	}
	if err := q.Add(nil); !errors.Is(err, ErrNoExpectedResponse) {
		t.Fatalf("Add(nil) error = %v", err)
	}
}

func TestPendingQueueNoMatch(t *testing.T) {
	q := NewPendingQueue()
	//nolint:errcheck // request has an expectation
	q.Add(humidityRequest(t))

	tests := []string{
		"044 RP --- 29:224547 18:149960 --:------ 1298 003 0001B2", // other code
		"044  I --- 29:224547 18:149960 --:------ 12A0 002 002F",   // other verb
		"044 RP --- 29:224548 18:149960 --:------ 12A0 002 002F",   // other source
		"044 RP --- 29:224547 18:000730 --:------ 12A0 002 002F",   // other destination
	}
	for _, line := range tests {
		if got := q.FindMatch(mustFrame(t, line)); got != nil {
			t.Errorf("%s matched %s", line, got.TransmitLine())
		}
		if got := q.Take(mustFrame(t, line)); got != nil {
			t.Errorf("Take(%s) removed %s", line, got.TransmitLine())
		}
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
}

func TestPendingQueueFirstMatchWins(t *testing.T) {
	q := NewPendingQueue()
	first := humidityRequest(t)
	second := humidityRequest(t)
	//nolint:errcheck // requests have expectations
	q.Add(first)
	//nolint:errcheck
	q.Add(second)

	reply := mustFrame(t, "044 RP --- 29:224547 18:149960 --:------ 12A0 002 002F")
	if got := q.Take(reply); got != first {
		t.Fatal("Take should return the oldest match")
	}
	if got := q.Take(reply); got != second {
		t.Fatal("Take should then return the second request")
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d", q.Len())
	}
}

func TestPendingQueueCancelsTimers(t *testing.T) {
	q := NewPendingQueue()
	cancels := map[string]int{}
	var mu sync.Mutex

	var frames []*Frame
	for range 3 {
		f := humidityRequest(t)
		//nolint:errcheck // request has an expectation
		q.Add(f)
		id := f.ID
		q.arm(f, func() bool {
			mu.Lock()
			cancels[id]++
			mu.Unlock()
			return true
		})
		frames = append(frames, f)
	}

	if err := q.Remove(frames[0]); err != nil {
		t.Fatal(err)
	}
	q.Clear()
	q.Clear()

	if q.Len() != 0 {
		t.Errorf("Len() = %d after Clear", q.Len())
	}
	for _, f := range frames {
		if cancels[f.ID] != 1 {
			t.Errorf("frame %s cancelled %d times, want 1", f.ID, cancels[f.ID])
		}
	}
}

func TestPendingQueueArmAfterRemoval(t *testing.T) {
	q := NewPendingQueue()
	f := humidityRequest(t)

	cancelled := false
	q.arm(f, func() bool { cancelled = true; return true })
	if !cancelled {
		t.Error("arming a frame that is not pending should cancel its timer")
	}
}

func TestPendingQueueConcurrent(t *testing.T) {
	q := NewPendingQueue()
	reply := mustFrame(t, "044 RP --- 29:224547 18:149960 --:------ 12A0 002 002F")

	const n = 50
	var wg sync.WaitGroup
	taken := make(chan *Frame, n)

	for range n {
		wg.Add(2)
		go func() {
			defer wg.Done()
			f, _ := DefaultRegistry().BuildRequest(CodeHumidity, MustParseAddress("18:149960"), MustParseAddress("29:224547"))
			//nolint:errcheck // request has an expectation
			q.Add(f)
		}()
		go func() {
			defer wg.Done()
			if f := q.Take(reply); f != nil {
				taken <- f
			}
		}()
	}
	wg.Wait()
	close(taken)

	seen := map[string]bool{}
	for f := range taken {
		if seen[f.ID] {
			t.Fatalf("frame %s taken twice", f.ID)
		}
		seen[f.ID] = true
	}
	if len(seen)+q.Len() != n {
		t.Errorf("taken %d + pending %d != %d", len(seen), q.Len(), n)
	}
}

func TestPendingQueueSnapshot(t *testing.T) {
	q := NewPendingQueue()
	a, b := humidityRequest(t), humidityRequest(t)
	//nolint:errcheck // requests have expectations
	q.Add(a)
	//nolint:errcheck
	q.Add(b)

	snap := q.Snapshot()
	if len(snap) != 2 || snap[0] != a || snap[1] != b {
		t.Fatalf("Snapshot() = %v", snap)
	}
	snap[0] = nil
	if !q.Contains(a) {
		t.Error("modifying the snapshot must not affect the queue")
	}
}
