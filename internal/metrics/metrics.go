package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task timings, collected only when perfmon is enabled.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gpu_task_duration_ms",
		Help:    "Duration of GPU tasks in milliseconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1ms to ~32s
	}, []string{"operator"})

	ContextsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gpu_contexts_live",
		Help: "Number of GPU contexts currently held in the registry",
	})

	TaskLeaks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gpu_task_leaks_total",
		Help: "Tasks still tracked at context drain on the commit path",
	})

	// Procedural-function compile cache.
	CompileCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plcuda_compile_cache_hits_total",
		Help: "Invocations satisfied by an existing compiled binary",
	})

	CompileCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plcuda_compile_cache_misses_total",
		Help: "Invocations that had to invoke the external compiler",
	})

	CompileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "plcuda_compile_duration_ms",
		Help:    "Duration of external compiler runs in milliseconds",
		Buckets: prometheus.ExponentialBuckets(100, 2, 10),
	})

	// Child process supervision.
	ChildExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plcuda_child_exits_total",
		Help: "Child process completions by classification",
	}, []string{"class"}) // result, null, abnormal, signalled, killed

	SegmentBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "plcuda_segment_bytes",
		Help:    "Sizes of argument/result shared-memory segments",
		Buckets: prometheus.ExponentialBuckets(4096, 4, 10),
	}, []string{"kind"}) // argbuf, result

	// GPU telemetry (NVML).
	GPUUtilizationPercent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gpu_utilization_percent",
		Help: "Current GPU utilization percentage (0-100)",
	}, []string{"device"})

	GPUMemoryUsedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gpu_memory_used_bytes",
		Help: "GPU memory currently in use in bytes",
	}, []string{"device"})
)
