package concurrency

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tommyca/opensqt-trading-engine/internal/core"
)

type recordingLogger struct {
	mu     sync.Mutex
	errors []map[string]interface{}
}

func (l *recordingLogger) record(fields []interface{}) {
	m := make(map[string]interface{})
	for i := 0; i+1 < len(fields); i += 2 {
		if k, ok := fields[i].(string); ok {
			m[k] = fields[i+1]
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, m)
}

func (l *recordingLogger) recorded() []map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]map[string]interface{}, len(l.errors))
	copy(out, l.errors)
	return out
}

func (l *recordingLogger) Debug(string, ...interface{})                  {}
func (l *recordingLogger) Info(string, ...interface{})                   {}
func (l *recordingLogger) Warn(string, ...interface{})                   {}
func (l *recordingLogger) Error(_ string, fields ...interface{})         { l.record(fields) }
func (l *recordingLogger) Fatal(string, ...interface{})                  {}
func (l *recordingLogger) WithField(string, interface{}) core.ILogger    { return l }
func (l *recordingLogger) WithFields(map[string]interface{}) core.ILogger { return l }

func TestWorkerPool_RunsSubmittedTasks(t *testing.T) {
	wp := NewWorkerPool(PoolConfig{Name: "test", MaxWorkers: 4, MaxCapacity: 16}, &recordingLogger{})

	var done atomic.Int32
	for i := 0; i < 20; i++ {
		require.NoError(t, wp.Submit(func() { done.Add(1) }))
	}
	wp.Stop()
	assert.Equal(t, int32(20), done.Load())
}

func TestWorkerPool_SubmitTracedRecoversWithTraceID(t *testing.T) {
	log := &recordingLogger{}
	wp := NewWorkerPool(PoolConfig{Name: "test", MaxWorkers: 1, MaxCapacity: 4}, log)

	require.NoError(t, wp.SubmitTraced("precompute-abc123", func() {
		panic("boom")
	}))
	// The pool survives the panic and keeps serving.
	var ran atomic.Bool
	require.NoError(t, wp.Submit(func() { ran.Store(true) }))
	wp.Stop()

	assert.True(t, ran.Load())
	recorded := log.recorded()
	require.NotEmpty(t, recorded, "panic must be logged")
	assert.Equal(t, "precompute-abc123", recorded[0]["trace_id"])
	assert.Equal(t, "boom", recorded[0]["panic"])
}

func TestWorkerPool_NonBlockingFullQueue(t *testing.T) {
	wp := NewWorkerPool(PoolConfig{Name: "tiny", MaxWorkers: 1, MaxCapacity: 1, NonBlocking: true}, &recordingLogger{})
	defer wp.Stop()

	block := make(chan struct{})
	defer close(block)

	// Occupy the only worker, then fill the single queue slot.
	require.NoError(t, wp.Submit(func() { <-block }))

	sawFull := false
	for i := 0; i < 10; i++ {
		if err := wp.Submit(func() {}); err != nil {
			sawFull = true
			break
		}
	}
	assert.True(t, sawFull, "a saturated non-blocking pool must reject submissions")
}

func TestWorkerPool_Stats(t *testing.T) {
	wp := NewWorkerPool(PoolConfig{Name: "stats", MaxWorkers: 2, MaxCapacity: 8}, &recordingLogger{})
	for i := 0; i < 5; i++ {
		require.NoError(t, wp.Submit(func() {}))
	}
	wp.Stop()

	stats := wp.Stats()
	assert.EqualValues(t, 5, stats.Submitted)
	assert.EqualValues(t, 5, stats.Succeeded)
	assert.EqualValues(t, 0, stats.Failed)
}

func BenchmarkWorkerPool_Submit(b *testing.B) {
	wp := NewWorkerPool(PoolConfig{Name: "bench", MaxWorkers: 8, MaxCapacity: 1024}, &recordingLogger{})
	defer wp.Stop()

	b.ResetTimer()
	var counter atomic.Int64
	for i := 0; i < b.N; i++ {
		_ = wp.Submit(func() { counter.Add(1) })
	}
}
