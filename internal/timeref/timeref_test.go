package timeref

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

type result struct {
	ref time.Time
	err error
}

// advanceUntil moves the mock clock forward until done delivers.
func advanceUntil(t *testing.T, mock *clock.Mock, done <-chan result) result {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case r := <-done:
			return r
		case <-deadline:
			t.Fatal("timed out waiting for tracker")
		default:
			mock.Add(100 * time.Millisecond)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestParsePayload(t *testing.T) {
	want := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	tests := []struct {
		name    string
		payload string
		want    time.Time
	}{
		{name: "json rfc3339", payload: `{"time_ref":"2024-05-01T12:30:00Z","source":"gps"}`, want: want},
		{name: "json unix seconds", payload: `{"time_ref":1714566600}`, want: want},
		{name: "json fractional seconds", payload: `{"time_ref":1714566600.25}`, want: want.Add(250 * time.Millisecond)},
		{name: "bare rfc3339", payload: "2024-05-01T14:30:00+02:00", want: want},
		{name: "bare unix seconds", payload: " 1714566600\n", want: want},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePayload([]byte(tt.payload))
			if err != nil {
				t.Fatalf("ParsePayload(%q) error = %v", tt.payload, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParsePayload(%q) = %v, want %v", tt.payload, got, tt.want)
			}
		})
	}
}

func TestParsePayload_Invalid(t *testing.T) {
	for _, payload := range []string{
		"",
		"   ",
		"not a time",
		`{"source":"gps"}`,
		`{"time_ref":null}`,
		`{"time_ref":true}`,
		`{"time_ref":-5}`,
		`{"time_ref":`,
	} {
		if _, err := ParsePayload([]byte(payload)); err == nil {
			t.Errorf("ParsePayload(%q) succeeded, want error", payload)
		}
	}
}

func TestTracker_WaitForFirstUnblocksOnObserve(t *testing.T) {
	tr := NewTracker(Options{Clock: clock.NewMock()})
	done := make(chan result, 1)
	go func() {
		ref, err := tr.WaitForFirst(context.Background())
		done <- result{ref, err}
	}()

	select {
	case r := <-done:
		t.Fatalf("WaitForFirst returned before any message: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}

	if err := tr.Observe([]byte("1714566600")); err != nil {
		t.Fatalf("Observe error = %v", err)
	}
	select {
	case r := <-done:
		if r.err != nil || r.ref.Unix() != 1714566600 {
			t.Fatalf("WaitForFirst = %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForFirst did not return after Observe")
	}
}

func TestTracker_WaitForFirstTimesOut(t *testing.T) {
	mock := clock.NewMock()
	tr := NewTracker(Options{Clock: mock, StartupTimeout: 5 * time.Second})

	done := make(chan result, 1)
	go func() {
		ref, err := tr.WaitForFirst(context.Background())
		done <- result{ref, err}
	}()

	r := advanceUntil(t, mock, done)
	if !errors.Is(r.err, ErrUnavailable) {
		t.Fatalf("WaitForFirst error = %v, want ErrUnavailable", r.err)
	}
}

func TestTracker_WaitForFirstCanceled(t *testing.T) {
	tr := NewTracker(Options{Clock: clock.NewMock()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tr.WaitForFirst(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("WaitForFirst error = %v, want context.Canceled", err)
	}
}

func TestTracker_LatestFresh(t *testing.T) {
	mock := clock.NewMock()
	tr := NewTracker(Options{Clock: mock, MaxWait: 2 * time.Second})
	ref := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	tr.Set(ref)
	mock.Add(time.Second)

	got, err := tr.Latest(context.Background())
	if err != nil || !got.Equal(ref) {
		t.Fatalf("Latest = %v, %v; want %v", got, err, ref)
	}
}

func TestTracker_LatestWaitsForNewMessage(t *testing.T) {
	mock := clock.NewMock()
	tr := NewTracker(Options{Clock: mock, MaxWait: 2 * time.Second})
	tr.Set(time.Unix(100, 0))
	mock.Add(5 * time.Second)

	done := make(chan result, 1)
	go func() {
		ref, err := tr.Latest(context.Background())
		done <- result{ref, err}
	}()
	time.Sleep(10 * time.Millisecond)
	tr.Set(time.Unix(105, 0))

	select {
	case r := <-done:
		if r.err != nil || r.ref.Unix() != 105 {
			t.Fatalf("Latest = %+v, want unix 105", r)
		}
	case <-time.After(time.Second):
		t.Fatal("Latest did not return after a new message")
	}
}

func TestTracker_LatestReusesStaleValue(t *testing.T) {
	mock := clock.NewMock()
	var stale atomic.Int32
	tr := NewTracker(Options{
		Clock:   mock,
		MaxWait: 2 * time.Second,
		OnStale: func() { stale.Add(1) },
	})
	tr.Set(time.Unix(100, 0))
	mock.Add(10 * time.Second)

	done := make(chan result, 1)
	go func() {
		ref, err := tr.Latest(context.Background())
		done <- result{ref, err}
	}()

	r := advanceUntil(t, mock, done)
	if r.err != nil || r.ref.Unix() != 100 {
		t.Fatalf("Latest = %+v, want the last known value", r)
	}
	if stale.Load() != 1 {
		t.Errorf("stale hook called %d times, want 1", stale.Load())
	}
}

func TestTracker_ObserveRejectsGarbage(t *testing.T) {
	var observed atomic.Int32
	tr := NewTracker(Options{Clock: clock.NewMock(), OnObserve: func() { observed.Add(1) }})
	if err := tr.Observe([]byte("garbage")); err == nil {
		t.Fatal("Observe(garbage) succeeded")
	}
	if _, _, ok := tr.Snapshot(); ok {
		t.Error("garbage payload was recorded")
	}
	if observed.Load() != 0 {
		t.Errorf("observe hook called %d times, want 0", observed.Load())
	}
}
