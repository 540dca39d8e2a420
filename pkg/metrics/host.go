package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostCollector reports CPU and memory of the controller host at scrape time
type HostCollector struct {
	cpuPercent *prometheus.Desc
	memUsed    *prometheus.Desc
	memTotal   *prometheus.Desc
	sample     time.Duration
}

// NewHostCollector creates a collector sampling CPU over 100ms
func NewHostCollector() *HostCollector {
	return &HostCollector{
		cpuPercent: prometheus.NewDesc("printfarm_host_cpu_percent", "Controller host CPU usage percent", nil, nil),
		memUsed:    prometheus.NewDesc("printfarm_host_memory_used_bytes", "Controller host memory in use", nil, nil),
		memTotal:   prometheus.NewDesc("printfarm_host_memory_total_bytes", "Controller host total memory", nil, nil),
		sample:     100 * time.Millisecond,
	}
}

// Describe implements prometheus.Collector
func (c *HostCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpuPercent
	ch <- c.memUsed
	ch <- c.memTotal
}

// Collect implements prometheus.Collector. Failed readings are left out.
func (c *HostCollector) Collect(ch chan<- prometheus.Metric) {
	if cpuPercent, err := cpu.Percent(c.sample, false); err == nil && len(cpuPercent) > 0 {
		ch <- prometheus.MustNewConstMetric(c.cpuPercent, prometheus.GaugeValue, cpuPercent[0])
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.memUsed, prometheus.GaugeValue, float64(vmem.Used))
		ch <- prometheus.MustNewConstMetric(c.memTotal, prometheus.GaugeValue, float64(vmem.Total))
	}
}
