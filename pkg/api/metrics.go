package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lucid-vigil/fleet/pkg/store"
)

// metrics writes counters in the Prometheus text format.
func (s *Server) metrics(c *gin.Context) {
	var b strings.Builder

	gauge(&b, "fleet_up", "Is the fleet service up and running.", 1)
	gauge(&b, "fleet_uptime_seconds", "Seconds since the API server started.", int64(time.Since(s.started).Seconds()))

	if n, err := s.deps.Store.CountDevices(c.Request.Context(), store.DeviceFilter{}); err == nil {
		gauge(&b, "fleet_devices_total", "Devices in the inventory.", n)
	} else {
		s.logger.Warn().Err(err).Msg("Could not count devices for metrics")
	}

	if s.deps.Scheduler != nil {
		statuses := s.deps.Scheduler.Status()
		header(&b, "fleet_fetch_runs_total", "Fetch cycles run per adapter.", "counter")
		for _, st := range statuses {
			fmt.Fprintf(&b, "fleet_fetch_runs_total{adapter=%q} %d\n", st.Name, st.Runs)
		}
		header(&b, "fleet_fetch_failures_total", "Failed fetch cycles per adapter.", "counter")
		for _, st := range statuses {
			fmt.Fprintf(&b, "fleet_fetch_failures_total{adapter=%q} %d\n", st.Name, st.Failures)
		}
		header(&b, "fleet_fetch_skipped_total", "Fetch cycles skipped because one was still running.", "counter")
		for _, st := range statuses {
			fmt.Fprintf(&b, "fleet_fetch_skipped_total{adapter=%q} %d\n", st.Name, st.Skipped)
		}
	}

	if s.deps.Bus != nil {
		m := s.deps.Bus.GetMetrics()
		counter(&b, "fleet_events_published_total", "Events accepted by the bus.", m.EventsPublished)
		counter(&b, "fleet_events_processed_total", "Events delivered to handlers.", m.EventsProcessed)
		counter(&b, "fleet_events_dropped_total", "Events dropped because the buffer was full.", m.EventsDropped)
		counter(&b, "fleet_events_deduplicated_total", "Events dropped as duplicates.", m.EventsDeduplicated)
		counter(&b, "fleet_events_rejected_total", "Events failing validation.", m.EventsRejected)
		counter(&b, "fleet_event_handler_errors_total", "Errors returned by event handlers.", m.HandlerErrors)
	}

	c.Data(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
}

func header(b *strings.Builder, name, help, kind string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
}

func gauge(b *strings.Builder, name, help string, v int64) {
	header(b, name, help, "gauge")
	fmt.Fprintf(b, "%s %d\n", name, v)
}

func counter(b *strings.Builder, name, help string, v int64) {
	header(b, name, help, "counter")
	fmt.Fprintf(b, "%s %d\n", name, v)
}
