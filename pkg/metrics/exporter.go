package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/psantana5/printfarm/pkg/models"
	"github.com/psantana5/printfarm/pkg/store"
)

// Exporter serves Prometheus metrics for the controller.
// Job and device gauges are read from the store on every scrape; counters
// are updated by the scheduler loops. All Record methods are safe on a nil Exporter.
type Exporter struct {
	store     store.Store
	startTime time.Time
	registry  *prometheus.Registry

	dispatch     *prometheus.CounterVec
	poll         *prometheus.CounterVec
	tickSkipped  *prometheus.CounterVec
	tickDuration *prometheus.HistogramVec
	power        *prometheus.CounterVec
	deviceState  *prometheus.GaugeVec
}

// NewExporter creates an exporter with its own registry
func NewExporter(s store.Store, withHost bool) *Exporter {
	e := &Exporter{
		store:     s,
		startTime: time.Now(),
		registry:  prometheus.NewRegistry(),
		dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printfarm_dispatch_total",
			Help: "Dispatch attempts by result",
		}, []string{"result"}),
		poll: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printfarm_poll_total",
			Help: "Device status polls by result",
		}, []string{"result"}),
		tickSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printfarm_tick_skipped_total",
			Help: "Ticks skipped because the previous tick was still running",
		}, []string{"loop"}),
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "printfarm_tick_duration_seconds",
			Help:    "Duration of scheduler loop ticks",
			Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30},
		}, []string{"loop"}),
		power: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printfarm_power_commands_total",
			Help: "Relay commands by result",
		}, []string{"result"}),
		deviceState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "printfarm_device_state",
			Help: "1 for the last observed state of each device",
		}, []string{"device", "state"}),
	}

	e.registry.MustRegister(e.dispatch, e.poll, e.tickSkipped, e.tickDuration, e.power, e.deviceState)
	if withHost {
		e.registry.MustRegister(NewHostCollector())
	}
	return e
}

// Registry exposes the underlying registry for extra collectors
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// RecordDispatch counts one dispatch attempt
func (e *Exporter) RecordDispatch(result string) {
	if e == nil {
		return
	}
	e.dispatch.WithLabelValues(result).Inc()
}

// RecordPoll counts one device poll
func (e *Exporter) RecordPoll(result string) {
	if e == nil {
		return
	}
	e.poll.WithLabelValues(result).Inc()
}

// RecordTickSkipped counts a tick dropped because the previous one overran
func (e *Exporter) RecordTickSkipped(loop string) {
	if e == nil {
		return
	}
	e.tickSkipped.WithLabelValues(loop).Inc()
}

// ObserveTick records how long a loop tick took
func (e *Exporter) ObserveTick(loop string, d time.Duration) {
	if e == nil {
		return
	}
	e.tickDuration.WithLabelValues(loop).Observe(d.Seconds())
}

// RecordPowerCommand counts one relay command
func (e *Exporter) RecordPowerCommand(success bool) {
	if e == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	e.power.WithLabelValues(result).Inc()
}

var deviceStates = []models.DeviceState{
	models.DeviceOperational, models.DevicePrinting, models.DevicePaused, models.DeviceError, models.DeviceOffline,
}

// SetDeviceState marks the current state of a device
func (e *Exporter) SetDeviceState(deviceID string, state models.DeviceState) {
	if e == nil {
		return
	}
	for _, s := range deviceStates {
		v := 0.0
		if s == state {
			v = 1
		}
		e.deviceState.WithLabelValues(deviceID, string(s)).Set(v)
	}
}

// ServeHTTP serves Prometheus-compatible metrics at /metrics
func (e *Exporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	stats, err := e.store.GetJobStats(time.Time{})
	if err != nil {
		http.Error(w, fmt.Sprintf("Error collecting job metrics: %v", err), http.StatusInternalServerError)
		return
	}
	devices, err := e.store.ListDevices()
	if err != nil {
		http.Error(w, fmt.Sprintf("Error collecting device metrics: %v", err), http.StatusInternalServerError)
		return
	}

	// printfarm_jobs{status}
	fmt.Fprintf(w, "# HELP printfarm_jobs Number of jobs by status\n")
	fmt.Fprintf(w, "# TYPE printfarm_jobs gauge\n")
	for _, row := range []struct {
		status models.JobStatus
		count  int
	}{
		{models.JobStatusQueued, stats.Queued},
		{models.JobStatusPrinting, stats.Printing},
		{models.JobStatusCompleted, stats.Completed},
		{models.JobStatusFailed, stats.Failed},
		{models.JobStatusCancelled, stats.Cancelled},
	} {
		fmt.Fprintf(w, "printfarm_jobs{status=\"%s\"} %d\n", row.status, row.count)
	}

	fmt.Fprintf(w, "\n# HELP printfarm_job_actual_minutes_avg Average actual print duration in minutes\n")
	fmt.Fprintf(w, "# TYPE printfarm_job_actual_minutes_avg gauge\n")
	fmt.Fprintf(w, "printfarm_job_actual_minutes_avg %.2f\n", stats.AvgActualMinutes)

	// Always export every state, even if 0
	byState := make(map[models.DeviceState]int, len(deviceStates))
	maintenance := 0
	for _, d := range devices {
		byState[d.ObservedState]++
		if d.Maintenance {
			maintenance++
		}
	}
	fmt.Fprintf(w, "\n# HELP printfarm_devices Devices by observed state\n")
	fmt.Fprintf(w, "# TYPE printfarm_devices gauge\n")
	for _, s := range deviceStates {
		fmt.Fprintf(w, "printfarm_devices{state=\"%s\"} %d\n", s, byState[s])
	}
	fmt.Fprintf(w, "\n# HELP printfarm_devices_maintenance Devices flagged for maintenance\n")
	fmt.Fprintf(w, "# TYPE printfarm_devices_maintenance gauge\n")
	fmt.Fprintf(w, "printfarm_devices_maintenance %d\n", maintenance)

	fmt.Fprintf(w, "\n# HELP printfarm_uptime_seconds Controller uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE printfarm_uptime_seconds gauge\n")
	fmt.Fprintf(w, "printfarm_uptime_seconds %.0f\n\n", time.Since(e.startTime).Seconds())

	metricFamilies, err := e.registry.Gather()
	if err != nil {
		fmt.Fprintf(w, "# Error gathering Prometheus metrics: %v\n", err)
		return
	}
	sort.Slice(metricFamilies, func(i, j int) bool { return metricFamilies[i].GetName() < metricFamilies[j].GetName() })

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range metricFamilies {
		if err := encoder.Encode(mf); err != nil {
			fmt.Fprintf(w, "# Error encoding metric %s: %v\n", mf.GetName(), err)
		}
	}
	w.Write(buf.Bytes())
}
