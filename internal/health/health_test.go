package health

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestEmptyMonitorIsUnknown(t *testing.T) {
	m := NewMonitor(nil)
	if got := m.Overall(); got != Unknown {
		t.Fatalf("Overall() on empty monitor = %q, want %q", got, Unknown)
	}
	r := m.Report()
	if r.Status != Unknown || len(r.Checks) != 0 {
		t.Fatalf("Report() = %+v", r)
	}
}

func TestOverallReturnsWorstStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"all healthy", []Status{Healthy, Healthy}, Healthy},
		{"one degraded", []Status{Healthy, Degraded, Healthy}, Degraded},
		{"unhealthy beats degraded", []Status{Degraded, Unhealthy}, Unhealthy},
		{"unknown beats unhealthy", []Status{Unhealthy, Unknown}, Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(nil)
			for i, s := range tt.statuses {
				m.Update(string(rune('a'+i)), s, "")
			}
			if got := m.Overall(); got != tt.want {
				t.Fatalf("Overall() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{Healthy, Degraded, Unhealthy, Unknown} {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if Status("broken").Valid() {
		t.Error("unknown status string should be invalid")
	}
}

func TestUpdateUsesClock(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := NewMonitor(clockwork.NewFakeClockAt(at))
	m.Update("eventloop", Healthy, "")

	c, ok := m.Get("eventloop")
	if !ok || !c.UpdatedAt.Equal(at) {
		t.Fatalf("Get = %+v, %v", c, ok)
	}
}

func TestRunProbes(t *testing.T) {
	m := NewMonitor(nil)
	m.Register("loop", func(ctx context.Context) (Status, string) { return Healthy, "" })
	m.Register("audit", func(ctx context.Context) (Status, string) { return Degraded, "3 entries dropped" })

	m.RunProbes(context.Background())

	all := m.All()
	if len(all) != 2 || all[0].Name != "audit" || all[1].Name != "loop" {
		t.Fatalf("All() = %+v, want audit then loop", all)
	}
	if all[0].Message != "3 entries dropped" {
		t.Fatalf("audit message = %q", all[0].Message)
	}
	if m.Overall() != Degraded {
		t.Fatalf("Overall() = %q, want degraded", m.Overall())
	}
}

func TestRunRepeatsOnTicker(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewMonitor(clock)
	calls := make(chan struct{}, 4)
	m.Register("loop", func(ctx context.Context) (Status, string) {
		calls <- struct{}{}
		return Healthy, ""
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx, 10*time.Second)

	<-calls
	clock.BlockUntil(1)
	clock.Advance(10 * time.Second)

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("probe did not run again after the interval")
	}
}
