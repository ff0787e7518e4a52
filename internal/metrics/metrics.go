package metrics

import (
	"sync"
	"time"
)

type Metrics struct {
	mu sync.RWMutex

	// Counters
	ArticlesProcessed int64
	SkippedExisting   int64
	FailedArticles    int64
	ImagesStored      int64
	CategoryFallbacks int64
	CyclesCompleted   int64

	// Timings
	LastCycleTime    time.Duration
	TotalCycleTime   time.Duration
	AverageCycleTime time.Duration

	// Status
	LastRunTime   time.Time
	LastErrorTime time.Time
	LastError     string
	IsHealthy     bool
}

var Global = &Metrics{IsHealthy: true}

func (m *Metrics) IncrementProcessed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ArticlesProcessed++
}

func (m *Metrics) IncrementSkippedExisting() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SkippedExisting++
}

func (m *Metrics) IncrementFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailedArticles++
}

func (m *Metrics) IncrementImagesStored() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ImagesStored++
}

func (m *Metrics) IncrementCategoryFallbacks() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CategoryFallbacks++
}

func (m *Metrics) RecordCycle(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CyclesCompleted++
	m.LastCycleTime = duration
	m.TotalCycleTime += duration
	m.AverageCycleTime = m.TotalCycleTime / time.Duration(m.CyclesCompleted)
	m.LastRunTime = time.Now()
	m.IsHealthy = true
}

func (m *Metrics) SetError(err string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastError = err
	m.LastErrorTime = time.Now()
	m.IsHealthy = false
}

func (m *Metrics) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"articles_processed":    m.ArticlesProcessed,
		"skipped_existing":      m.SkippedExisting,
		"failed_articles":       m.FailedArticles,
		"images_stored":         m.ImagesStored,
		"category_fallbacks":    m.CategoryFallbacks,
		"cycles_completed":      m.CyclesCompleted,
		"last_cycle_time_ms":    m.LastCycleTime.Milliseconds(),
		"average_cycle_time_ms": m.AverageCycleTime.Milliseconds(),
		"last_run_time":         m.LastRunTime.Format(time.RFC3339),
		"last_error_time":       m.LastErrorTime.Format(time.RFC3339),
		"last_error":            m.LastError,
		"is_healthy":            m.IsHealthy,
	}
}
