package metrics

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineMetricsRecord(t *testing.T) {
	m := newPipelineMetrics(prometheus.NewRegistry())

	m.RecordFetch("downloaded", 1000, 2)
	m.RecordFetch("missing", 0, 0)
	m.RecordReduction()
	m.SetRemaining(5000)
	m.RecordExtract("valid")
	m.RecordExtract("invalid")
	m.RecordBatch()
	m.RecordMerge("volumes", 9)

	assert.Equal(t, 1.0, promtest.ToFloat64(m.FetchSubjects.WithLabelValues("downloaded")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.FetchSubjects.WithLabelValues("missing")))
	assert.Equal(t, 1000.0, promtest.ToFloat64(m.FetchBytes))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Reductions))
	assert.Equal(t, 5000.0, promtest.ToFloat64(m.Remaining))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.ExtractSubjects.WithLabelValues("invalid")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.BatchesWritten))
	assert.Equal(t, 9.0, promtest.ToFloat64(m.MergeRows.WithLabelValues("volumes")))
}

func TestNilPipelineMetrics(t *testing.T) {
	var m *PipelineMetrics
	assert.NotPanics(t, func() {
		m.RecordFetch("error", 0, 0)
		m.RecordReduction()
		m.SetRemaining(1)
		m.RecordExtract("valid")
		m.RecordBatch()
		m.RecordMerge("signals", 1)
	})
}

func TestInitPipelineMetricsSingleton(t *testing.T) {
	a := InitPipelineMetrics(nil)
	b := InitPipelineMetrics(nil)
	assert.Same(t, a, b)
	assert.Same(t, a, pipelineInstance)
}

func TestHandler(t *testing.T) {
	m := InitPipelineMetrics(nil)
	m.RecordBatch()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "hcptensor_batches_written_total")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestWriteTextfile(t *testing.T) {
	InitPipelineMetrics(nil).RecordMerge("signals", 3)
	path := filepath.Join(t.TempDir(), "hcptensor.prom")

	require.NoError(t, WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `hcptensor_merge_rows_total{kind="signals"}`))
}

func TestLogMemory(t *testing.T) {
	old := sampleMemory
	defer func() { sampleMemory = old }()
	sampleMemory = func() (MemorySample, error) {
		return MemorySample{Used: 3 << 30, Total: 16 << 30}, nil
	}

	var buf bytes.Buffer
	m := newPipelineMetrics(prometheus.NewRegistry())
	LogMemory(zerolog.New(&buf), m, "batch 1")

	assert.Equal(t, float64(3<<30), promtest.ToFloat64(m.MemoryUsed))
	assert.Contains(t, buf.String(), `"step":"batch 1"`)
	assert.Contains(t, buf.String(), `"used":"3.00 GB"`)

	sampleMemory = func() (MemorySample, error) { return MemorySample{}, errors.New("no /proc") }
	buf.Reset()
	LogMemory(zerolog.New(&buf).Level(zerolog.InfoLevel), m, "x")
	assert.Empty(t, buf.String())
}

func TestRunMemorySamplerStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunMemorySampler(ctx, newPipelineMetrics(prometheus.NewRegistry()), time.Millisecond)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sampler did not stop")
	}
}
