package listener

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	taskInstancesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrunner_task_instances_total",
			Help: "Total number of finished task instance attempts by outcome.",
		},
		[]string{"dag_id", "task_id", "state"},
	)

	taskInstanceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskrunner_task_instance_duration_seconds",
			Help:    "Duration of task instance attempts in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"dag_id", "task_id"},
	)

	taskInstancesRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "taskrunner_task_instances_running",
		Help: "Number of task instances currently executing.",
	})
)

func init() {
	prometheus.MustRegister(taskInstancesTotal)
	prometheus.MustRegister(taskInstanceDuration)
	prometheus.MustRegister(taskInstancesRunning)
}

// MetricsListener records task outcomes as Prometheus metrics. A worker is
// short lived, so when a Pushgateway URL is set the metrics are pushed
// before it stops.
type MetricsListener struct {
	Nop
	pushURL string
	job     string
	pusher  func(*push.Pusher) error
}

// NewMetricsListener creates a MetricsListener. pushURL may be empty.
func NewMetricsListener(pushURL string) *MetricsListener {
	return &MetricsListener{
		pushURL: pushURL,
		job:     "taskrunner_worker",
		pusher:  (*push.Pusher).Push,
	}
}

func (m *MetricsListener) OnTaskInstanceRunning(context.Context, Event) error {
	taskInstancesRunning.Inc()
	return nil
}

func (m *MetricsListener) OnTaskInstanceSuccess(_ context.Context, ev Event) error {
	m.finished(ev)
	return nil
}

func (m *MetricsListener) OnTaskInstanceFailed(_ context.Context, ev Event) error {
	m.finished(ev)
	return nil
}

func (m *MetricsListener) finished(ev Event) {
	taskInstancesRunning.Dec()
	taskInstancesTotal.WithLabelValues(ev.TI.DagID, ev.TI.TaskID, string(ev.State)).Inc()
	taskInstanceDuration.WithLabelValues(ev.TI.DagID, ev.TI.TaskID).Observe(ev.Duration.Seconds())
}

func (m *MetricsListener) BeforeStopping(context.Context) error {
	if m.pushURL == "" {
		return nil
	}
	p := push.New(m.pushURL, m.job).
		Collector(taskInstancesTotal).
		Collector(taskInstanceDuration)
	if err := m.pusher(p); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
