package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/psantana5/printfarm/pkg/models"
	"github.com/psantana5/printfarm/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExporterServesStoreAndCounters(t *testing.T) {
	s := store.NewMemoryStore()
	require.NoError(t, s.RegisterDevice(&models.Device{ID: "p1", Endpoint: "http://p1"}))
	require.NoError(t, s.RegisterDevice(&models.Device{ID: "p2", Endpoint: "http://p2"}))
	require.NoError(t, s.SetMaintenance("p2", true))
	require.NoError(t, s.UpdateDeviceState("p1", models.DevicePrinting, time.Now()))

	e := NewExporter(s, false)
	e.RecordDispatch("started")
	e.RecordDispatch("started")
	e.RecordPoll("unreachable")
	e.RecordTickSkipped("poller")
	e.ObserveTick("dispatcher", 20*time.Millisecond)
	e.RecordPowerCommand(false)
	e.SetDeviceState("p1", models.DevicePrinting)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `printfarm_jobs{status="queued"} 0`)
	assert.Contains(t, body, `printfarm_devices{state="printing"} 1`)
	assert.Contains(t, body, `printfarm_devices{state="offline"} 1`)
	assert.Contains(t, body, `printfarm_devices_maintenance 1`)
	assert.Contains(t, body, `printfarm_dispatch_total{result="started"} 2`)
	assert.Contains(t, body, `printfarm_poll_total{result="unreachable"} 1`)
	assert.Contains(t, body, `printfarm_power_commands_total{result="failure"} 1`)
	assert.Contains(t, body, `printfarm_device_state{device="p1",state="printing"} 1`)
	assert.Contains(t, body, `printfarm_device_state{device="p1",state="offline"} 0`)

	assert.Equal(t, 1.0, testutil.ToFloat64(e.tickSkipped.WithLabelValues("poller")))
}

func TestNilExporterIsSafe(t *testing.T) {
	var e *Exporter
	assert.NotPanics(t, func() {
		e.RecordDispatch("x")
		e.RecordPoll("x")
		e.RecordTickSkipped("x")
		e.ObserveTick("x", time.Second)
		e.RecordPowerCommand(true)
		e.SetDeviceState("p1", models.DeviceOffline)
	})
}

func TestHostCollector(t *testing.T) {
	c := NewHostCollector()
	c.sample = 10 * time.Millisecond
	n := testutil.CollectAndCount(c)
	assert.GreaterOrEqual(t, n, 0)
	assert.LessOrEqual(t, n, 3)
}
