package relay

import (
	"sync"
	"sync/atomic"
	"testing"
)

type mockViewer struct {
	id     string
	mu     sync.Mutex
	events []Event
	sent   atomic.Int64
}

func newMockViewer(id string) *mockViewer { return &mockViewer{id: id} }

func (m *mockViewer) ID() string { return m.id }

func (m *mockViewer) Send(ev Event) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	m.sent.Add(1)
}

func (m *mockViewer) Stats() ViewerStats {
	return ViewerStats{ID: m.id, Sent: m.sent.Load()}
}

func (m *mockViewer) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.Type
	}
	return out
}

func TestRelayAddRemoveViewer(t *testing.T) {
	t.Parallel()

	r := New(nil, nil)
	v := newMockViewer("v1")
	if !r.AddViewer(v) {
		t.Fatal("AddViewer returned false on open relay")
	}
	if r.ViewerCount() != 1 {
		t.Errorf("count: got %d, want 1", r.ViewerCount())
	}
	r.RemoveViewer("v1")
	r.RemoveViewer("v1")
	if r.ViewerCount() != 0 {
		t.Errorf("count after remove: got %d, want 0", r.ViewerCount())
	}
}

func TestRelayBroadcast(t *testing.T) {
	t.Parallel()

	r := New(nil, nil)
	a, b := newMockViewer("a"), newMockViewer("b")
	r.AddViewer(a)
	r.AddViewer(b)

	r.Broadcast(EventTime, 1)
	r.Broadcast(EventPlayback, "forward")

	for _, v := range []*mockViewer{a, b} {
		if got := v.sent.Load(); got != 2 {
			t.Errorf("%s sent: got %d, want 2", v.id, got)
		}
	}
	stats := r.ViewerStatsAll()
	if len(stats) != 2 || stats[0].ID != "a" || stats[1].ID != "b" {
		t.Errorf("stats: got %+v, want a then b", stats)
	}
}

func TestRelayReplaysLatestState(t *testing.T) {
	t.Parallel()

	r := New(nil, nil)
	r.Broadcast(EventTime, 1)
	r.Broadcast(EventPlayback, "forward")
	r.Broadcast(EventTime, 2)

	v := newMockViewer("late")
	r.AddViewer(v)

	got := v.types()
	want := []string{EventPlayback, EventTime}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("replay: got %v, want %v", got, want)
	}
	if data := v.events[1].Data; data != 2 {
		t.Errorf("replayed time: got %v, want 2", data)
	}
}

func TestRelaySeqIncreases(t *testing.T) {
	t.Parallel()

	r := New(nil, nil)
	first := r.Broadcast(EventTime, 0)
	second := r.Broadcast(EventTime, 1)
	if second.Seq <= first.Seq {
		t.Errorf("seq: got %d after %d", second.Seq, first.Seq)
	}
}

func TestRelayClose(t *testing.T) {
	t.Parallel()

	r := New(nil, nil)
	v := newMockViewer("v")
	r.AddViewer(v)
	r.Close()
	r.Close()

	types := v.types()
	if len(types) != 1 || types[0] != EventClosed {
		t.Errorf("events: got %v, want [closed]", types)
	}
	if r.ViewerCount() != 0 {
		t.Errorf("count: got %d, want 0", r.ViewerCount())
	}
	if r.AddViewer(newMockViewer("after")) {
		t.Error("AddViewer should fail after Close")
	}
}

func TestChanViewerDrops(t *testing.T) {
	t.Parallel()

	v := NewChanViewer("c", 2)
	for i := range 5 {
		v.Send(Event{Seq: uint64(i)})
	}
	s := v.Stats()
	if s.Sent != 2 || s.Dropped != 3 {
		t.Errorf("stats: got sent=%d dropped=%d, want 2 and 3", s.Sent, s.Dropped)
	}
	if ev := <-v.Events(); ev.Seq != 0 {
		t.Errorf("first event: got seq %d, want 0", ev.Seq)
	}
}

func TestRelayConcurrentBroadcast(t *testing.T) {
	t.Parallel()

	r := New(nil, nil)
	v := NewChanViewer("c", 1024)
	r.AddViewer(v)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				r.Broadcast(EventTime, i)
			}
		}()
	}
	wg.Wait()

	if s := v.Stats(); s.Sent+s.Dropped != 400 {
		t.Errorf("delivered: got %d, want 400", s.Sent+s.Dropped)
	}
}
