package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testBackoff() Backoff {
	return Backoff{
		Initial:  time.Millisecond,
		Max:      5 * time.Millisecond,
		Factor:   2.0,
		Attempts: 5,
		Interval: 5 * time.Millisecond,
		Timeout:  100 * time.Millisecond,
	}
}

func quietManager() *Manager {
	return NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func TestDefaultBackoff(t *testing.T) {
	b := DefaultBackoff()
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second}
	for i, w := range want {
		if got := b.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
	if b.Attempts != 10 || b.Interval != time.Minute || b.Timeout != 10*time.Second {
		t.Errorf("DefaultBackoff() = %+v", b)
	}
}

func TestBackoff_WithDefaults(t *testing.T) {
	b := Backoff{Initial: time.Second}.withDefaults()
	if b.Initial != time.Second {
		t.Errorf("Initial overridden: %v", b.Initial)
	}
	if b.Max != time.Minute || b.Factor != 2 || b.Attempts != 10 {
		t.Errorf("defaults not applied: %+v", b)
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	var changes atomic.Int32
	m := quietManager()
	defer m.Stop()

	w, err := m.Watch(t.Context(), Config{
		Name:     "immediate",
		Probe:    func(context.Context) error { return nil },
		Backoff:  testBackoff(),
		OnChange: func(ready bool, _ error) { changes.Add(1) },
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	eventually(t, w.IsReady, "watcher never became ready")
	eventually(t, func() bool { return changes.Load() == 1 }, "OnChange not called once")
	if s := w.Status(); s.LastError != "" || s.Failures != 0 || s.LastCheck.IsZero() {
		t.Errorf("Status() = %+v", s)
	}
}

func TestWatcher_BackoffThenSuccess(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	m := quietManager()
	defer m.Stop()

	w, err := m.Watch(t.Context(), Config{
		Name: "flaky",
		Probe: func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("connection refused")
			}
			return nil
		},
		Backoff: testBackoff(),
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	eventually(t, w.IsReady, "watcher never recovered")
	if got := calls.Load(); got < 3 {
		t.Errorf("probe calls = %d, want >= 3", got)
	}
}

func TestWatcher_GoesDownAndRecovers(t *testing.T) {
	t.Parallel()
	var healthy atomic.Bool
	healthy.Store(true)
	var downs, ups atomic.Int32

	m := quietManager()
	defer m.Stop()
	w, err := m.Watch(t.Context(), Config{
		Name: "broker",
		Probe: func(context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("broker down")
		},
		Backoff: testBackoff(),
		OnChange: func(ready bool, _ error) {
			if ready {
				ups.Add(1)
			} else {
				downs.Add(1)
			}
		},
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	eventually(t, w.IsReady, "never ready")

	healthy.Store(false)
	eventually(t, func() bool { return !w.IsReady() }, "never went down")
	eventually(t, func() bool { return w.Status().Failures >= 2 }, "failures not counted")
	if w.Status().LastError != "broker down" {
		t.Errorf("LastError = %q", w.Status().LastError)
	}

	healthy.Store(true)
	eventually(t, w.IsReady, "never recovered")
	eventually(t, func() bool { return downs.Load() == 1 && ups.Load() == 2 }, "unexpected transition count")
}

func TestWatch_Validation(t *testing.T) {
	m := quietManager()
	if _, err := m.Watch(t.Context(), Config{Probe: func(context.Context) error { return nil }}); err == nil {
		t.Error("Watch without name should fail")
	}
	if _, err := m.Watch(t.Context(), Config{Name: "x"}); err == nil {
		t.Error("Watch without probe should fail")
	}
}

func TestManager_RetainRelease(t *testing.T) {
	m := quietManager()
	defer m.Stop()
	cfg := Config{
		Name:    "matomo stats.example.com",
		Probe:   func(context.Context) error { return nil },
		Backoff: testBackoff(),
	}

	w1, err := m.Retain(t.Context(), cfg)
	if err != nil {
		t.Fatalf("Retain: %v", err)
	}
	w2, err := m.Retain(t.Context(), cfg)
	if err != nil {
		t.Fatalf("Retain: %v", err)
	}
	if w1 != w2 {
		t.Error("second Retain started a new watcher")
	}

	m.Release(cfg.Name)
	if _, ok := m.Get(cfg.Name); !ok {
		t.Fatal("watcher stopped while still referenced")
	}
	m.Release(cfg.Name)
	if _, ok := m.Get(cfg.Name); ok {
		t.Error("watcher still registered after last Release")
	}
}

func TestManager_Status(t *testing.T) {
	m := quietManager()
	defer m.Stop()

	for _, name := range []string{"mqtt", "homeassistant"} {
		if _, err := m.Watch(t.Context(), Config{
			Name:    name,
			Probe:   func(context.Context) error { return nil },
			Backoff: testBackoff(),
		}); err != nil {
			t.Fatalf("Watch: %v", err)
		}
	}
	eventually(t, m.Healthy, "manager never healthy")

	st := m.Status()
	if len(st) != 2 || st[0].Name != "homeassistant" || st[1].Name != "mqtt" {
		t.Errorf("Status() = %+v, want sorted by name", st)
	}

	if _, err := m.Watch(t.Context(), Config{
		Name:    "down",
		Probe:   func(context.Context) error { return errors.New("nope") },
		Backoff: testBackoff(),
	}); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	eventually(t, func() bool {
		w, _ := m.Get("down")
		return !w.Status().LastCheck.IsZero()
	}, "down watcher never probed")
	if m.Healthy() {
		t.Error("Healthy() with a down service")
	}
}

func TestWatcher_StopOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := quietManager()
	w, err := m.Watch(ctx, Config{
		Name:    "cancel",
		Probe:   func(context.Context) error { return errors.New("down") },
		Backoff: testBackoff(),
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	cancel()
	select {
	case <-w.done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit after cancel")
	}
}
