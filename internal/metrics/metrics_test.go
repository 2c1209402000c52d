package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistration(t *testing.T) {
	collectors := []prometheus.Collector{
		SessionsRegistered,
		SessionEventsTotal,
		ActivationsWithoutSession,
		ClaimsCurrent,
		OverlapScansTotal,
		ClaimsSkippedTotal,
		ClaimRejectionsTotal,
		SwitcherChangesTotal,
		KeyEventsTotal,
		ControlConnectionsCurrent,
		ControlRequestsTotal,
		ControlRejectedTotal,
		EventLoopQueueDepth,
		EventFeedClients,
		WaylandClientsTotal,
	}

	for _, c := range collectors {
		desc := make(chan *prometheus.Desc, 16)
		c.Describe(desc)
		close(desc)
		d := <-desc
		if d == nil {
			t.Fatal("collector should have a descriptor")
		}
		if !strings.Contains(d.String(), namespace+"_") {
			t.Fatalf("descriptor %s missing namespace", d.String())
		}
	}
}

func TestCounterVecIncrements(t *testing.T) {
	before := testutil.ToFloat64(OverlapScansTotal.WithLabelValues("match"))
	OverlapScansTotal.WithLabelValues("match").Inc()
	OverlapScansTotal.WithLabelValues("match").Inc()
	after := testutil.ToFloat64(OverlapScansTotal.WithLabelValues("match"))
	if after-before != 2 {
		t.Fatalf("overlap scans delta = %v, want 2", after-before)
	}
}

func TestGaugeSet(t *testing.T) {
	SessionsRegistered.Set(3)
	if got := testutil.ToFloat64(SessionsRegistered); got != 3 {
		t.Fatalf("sessions gauge = %v, want 3", got)
	}
	SessionsRegistered.Set(0)
}
