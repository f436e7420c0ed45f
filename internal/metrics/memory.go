package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/hcptensor/hcptensor/pkg/bytesize"
)

// MemorySample is one reading of system memory.
type MemorySample struct {
	Used  uint64
	Total uint64
}

// sampleMemory is replaced in tests.
var sampleMemory = func() (MemorySample, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return MemorySample{}, err
	}
	return MemorySample{Used: vm.Used, Total: vm.Total}, nil
}

// LogMemory logs current memory use with a step label and updates the gauge.
func LogMemory(logger zerolog.Logger, m *PipelineMetrics, step string) {
	s, err := sampleMemory()
	if err != nil {
		logger.Debug().Err(err).Msg("memory sample failed")
		return
	}
	if m != nil {
		m.MemoryUsed.Set(float64(s.Used))
	}
	logger.Info().
		Str("step", step).
		Str("used", bytesize.Format(int64(s.Used))).
		Str("total", bytesize.Format(int64(s.Total))).
		Msg("memory")
}

// RunMemorySampler updates the memory gauge every interval until ctx is done.
func RunMemorySampler(ctx context.Context, m *PipelineMetrics, interval time.Duration) {
	if m == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if s, err := sampleMemory(); err == nil {
			m.MemoryUsed.Set(float64(s.Used))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
