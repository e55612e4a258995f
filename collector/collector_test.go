package collector

import (
	"testing"
	"time"
)

func TestBackoffBoundsAndGrowth(t *testing.T) {
	b := NewBackoff()

	prevCeiling := time.Duration(0)
	for i := 0; i < 10; i++ {
		d := b.Next()
		if d < 500*time.Millisecond {
			t.Fatalf("delay below jittered floor: %s", d)
		}
		if d > 90*time.Second {
			t.Fatalf("delay above jittered cap: %s", d)
		}
		if d > prevCeiling {
			prevCeiling = d
		}
	}
	// after many attempts the schedule must have reached the cap region
	long := b.Next()
	if long < 30*time.Second {
		t.Fatalf("expected capped delay after growth, got %s", long)
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff()
	for i := 0; i < 8; i++ {
		b.Next()
	}
	b.Reset()
	d := b.Next()
	if d > 2*time.Second {
		t.Fatalf("expected first-attempt delay after reset, got %s", d)
	}
}

func TestBackoffResetAfterStream(t *testing.T) {
	b := NewBackoff()
	for i := 0; i < 8; i++ {
		b.Next()
	}

	// a short-lived connection keeps the schedule
	b.ResetAfterStream(5 * time.Second)
	if d := b.Next(); d < 10*time.Second {
		t.Fatalf("short stream must not reset backoff, got %s", d)
	}

	// thirty seconds of streaming resets it
	b.ResetAfterStream(31 * time.Second)
	if d := b.Next(); d > 2*time.Second {
		t.Fatalf("expected reset after healthy stream, got %s", d)
	}
}

func TestErrorRateWindow(t *testing.T) {
	e := NewErrorRate(3)
	for i := 0; i < 3; i++ {
		if e.Add() {
			t.Fatalf("limit must not trip at %d errors", i+1)
		}
	}
	if !e.Add() {
		t.Fatalf("limit must trip past the threshold")
	}
}

func TestSeqCounterMonotonicPerSymbol(t *testing.T) {
	c := NewSeqCounter()
	if c.Next("ETH-USDT") != 1 || c.Next("ETH-USDT") != 2 {
		t.Fatalf("sequence must increment per symbol")
	}
	if c.Next("BTC-USDT") != 1 {
		t.Fatalf("symbols must count independently")
	}
}

func TestTrackerStateAndStatus(t *testing.T) {
	tr := NewTracker()
	if tr.State() != StateDisconnected {
		t.Fatalf("expected initial disconnected state")
	}

	tr.SetState(StateStreaming)
	if tr.DisconnectedFor() != 0 {
		t.Fatalf("streaming tracker must report zero downtime")
	}

	tr.SetState(StateReconnectBackoff)
	time.Sleep(10 * time.Millisecond)
	if tr.DisconnectedFor() < 10*time.Millisecond {
		t.Fatalf("downtime must accumulate after leaving streaming")
	}

	tr.TouchData()
	st := tr.Status()
	if st.State != "reconnect_backoff" {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.LastDataAge < 0 || st.LastDataAge > 1 {
		t.Fatalf("unexpected data age %f", st.LastDataAge)
	}
}

func TestStateStrings(t *testing.T) {
	cases := map[State]string{
		StateDisconnected:     "disconnected",
		StateConnecting:       "connecting",
		StateHandshaking:      "handshaking",
		StateSubscribing:      "subscribing",
		StateStreaming:        "streaming",
		StateReconnectBackoff: "reconnect_backoff",
		StateShutdown:         "shutdown",
	}
	for state, want := range cases {
		if state.String() != want {
			t.Fatalf("state %d: expected %q, got %q", state, want, state.String())
		}
	}
}
