package harmonyd

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"go.opentelemetry.io/otel/metric"
)

// hostSample is one reading of the machine the server and its in-process
// generation units run on.
type hostSample struct {
	Load1      float64
	Load5      float64
	Load15     float64
	LoadPerCPU float64
	// MemUsed is the fraction of physical memory in use.
	MemUsed float64
	CPUs    int
}

func sampleHost(ctx context.Context) (hostSample, error) {
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return hostSample{}, fmt.Errorf("load average: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return hostSample{}, fmt.Errorf("virtual memory: %w", err)
	}
	cpus, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return hostSample{}, fmt.Errorf("cpu count: %w", err)
	}
	s := hostSample{
		Load1:   avg.Load1,
		Load5:   avg.Load5,
		Load15:  avg.Load15,
		MemUsed: vm.UsedPercent / 100,
		CPUs:    cpus,
	}
	if cpus > 0 {
		s.LoadPerCPU = avg.Load1 / float64(cpus)
	}
	return s, nil
}

// registerHostMetrics observes host load and memory on every collection.
func registerHostMetrics(meter metric.Meter) (metric.Registration, error) {
	load1, err := meter.Float64ObservableGauge("harmonyd.host.load1",
		metric.WithDescription("One minute load average of the host"))
	if err != nil {
		return nil, err
	}
	loadPerCPU, err := meter.Float64ObservableGauge("harmonyd.host.load_per_cpu",
		metric.WithDescription("One minute load average divided by logical CPUs"))
	if err != nil {
		return nil, err
	}
	memUsed, err := meter.Float64ObservableGauge("harmonyd.host.memory.used",
		metric.WithDescription("Fraction of physical memory in use"))
	if err != nil {
		return nil, err
	}
	cpus, err := meter.Int64ObservableGauge("harmonyd.host.cpus",
		metric.WithDescription("Logical CPUs on the host"))
	if err != nil {
		return nil, err
	}
	return meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		s, err := sampleHost(ctx)
		if err != nil {
			return err
		}
		o.ObserveFloat64(load1, s.Load1)
		o.ObserveFloat64(loadPerCPU, s.LoadPerCPU)
		o.ObserveFloat64(memUsed, s.MemUsed)
		o.ObserveInt64(cpus, int64(s.CPUs))
		return nil
	}, load1, loadPerCPU, memUsed, cpus)
}
