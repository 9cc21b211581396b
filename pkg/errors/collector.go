package errors

import (
	"context"
	"sync"
)

// MemoryCollector keeps running error statistics in memory.
type MemoryCollector struct {
	mu    sync.Mutex
	stats ErrorStats
}

// NewMemoryCollector creates an empty collector.
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{
		stats: ErrorStats{
			ErrorsByType:     make(map[string]int),
			ErrorsByAdapter:  make(map[string]int),
			ErrorsBySeverity: make(map[Severity]int),
		},
	}
}

// CollectError records err in the statistics.
func (mc *MemoryCollector) CollectError(ctx context.Context, err *AdapterError) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.stats.TotalErrors++
	mc.stats.ErrorsByType[err.ErrorType]++
	mc.stats.ErrorsByAdapter[err.Adapter]++
	mc.stats.ErrorsBySeverity[err.Severity]++
	mc.stats.LastError = err
	return nil
}

// GetErrorStats returns a copy of the statistics.
func (mc *MemoryCollector) GetErrorStats() ErrorStats {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	out := ErrorStats{
		TotalErrors:      mc.stats.TotalErrors,
		ErrorsByType:     make(map[string]int, len(mc.stats.ErrorsByType)),
		ErrorsByAdapter:  make(map[string]int, len(mc.stats.ErrorsByAdapter)),
		ErrorsBySeverity: make(map[Severity]int, len(mc.stats.ErrorsBySeverity)),
		LastError:        mc.stats.LastError,
	}
	for k, v := range mc.stats.ErrorsByType {
		out.ErrorsByType[k] = v
	}
	for k, v := range mc.stats.ErrorsByAdapter {
		out.ErrorsByAdapter[k] = v
	}
	for k, v := range mc.stats.ErrorsBySeverity {
		out.ErrorsBySeverity[k] = v
	}
	return out
}
