// Package telemetry publishes GPU utilization and memory gauges sampled
// through NVML. Telemetry is best-effort: a machine without a usable NVML
// library simply exports nothing.
package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/axonlabs/gpu-bridge/internal/metrics"
)

// Sample is one device's readings at one instant.
type Sample struct {
	Device          string
	UtilizationPct  float64
	MemoryUsedBytes float64
}

// Poller periodically samples every visible device and publishes the
// readings as Prometheus gauges.
type Poller struct {
	interval time.Duration
	log      *zap.Logger
	sample   func() ([]Sample, error)
	shutdown func()
}

func NewPoller(interval time.Duration, log *zap.Logger) *Poller {
	return &Poller{
		interval: interval,
		log:      log.Named("telemetry"),
		sample:   nvmlSample,
	}
}

// Run samples until the context is cancelled. NVML being unavailable is
// not an error; the poller just exits quietly.
func (p *Poller) Run(ctx context.Context) error {
	if p.shutdown == nil {
		if ret := nvml.Init(); ret != nvml.SUCCESS {
			p.log.Warn("NVML unavailable, GPU telemetry disabled",
				zap.String("reason", nvml.ErrorString(ret)))
			return nil
		}
		p.shutdown = func() {
			if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
				p.log.Warn("failed to shut down NVML",
					zap.String("reason", nvml.ErrorString(ret)))
			}
		}
	}
	defer p.shutdown()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if err := p.publish(); err != nil {
			p.log.Warn("failed to sample GPU telemetry", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Poller) publish() error {
	samples, err := p.sample()
	if err != nil {
		return err
	}
	for _, s := range samples {
		metrics.GPUUtilizationPercent.WithLabelValues(s.Device).Set(s.UtilizationPct)
		metrics.GPUMemoryUsedBytes.WithLabelValues(s.Device).Set(s.MemoryUsedBytes)
	}
	return nil
}

func nvmlSample() ([]Sample, error) {
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, errors.Errorf("failed to count devices: %s", nvml.ErrorString(ret))
	}
	samples := make([]Sample, 0, count)
	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			return nil, errors.Errorf("failed to get device %d: %s", i, nvml.ErrorString(ret))
		}
		s := Sample{Device: strconv.Itoa(i)}
		if util, ret := device.GetUtilizationRates(); ret == nvml.SUCCESS {
			s.UtilizationPct = float64(util.Gpu)
		}
		if mem, ret := device.GetMemoryInfo(); ret == nvml.SUCCESS {
			s.MemoryUsedBytes = float64(mem.Used)
		}
		samples = append(samples, s)
	}
	return samples, nil
}
