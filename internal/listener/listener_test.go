package listener

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	dto "github.com/prometheus/client_model/go"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/dabla/taskrunner/internal/model"
)

type recorder struct {
	Nop
	calls []string
}

func (r *recorder) OnStarting(context.Context) error {
	r.calls = append(r.calls, "starting")
	return nil
}

func (r *recorder) OnTaskInstanceSuccess(context.Context, Event) error {
	r.calls = append(r.calls, "success")
	return nil
}

type failing struct{ Nop }

func (failing) OnStarting(context.Context) error { return errors.New("broker down") }

type panicking struct{ Nop }

func (panicking) OnStarting(context.Context) error { panic("boom") }

func TestManagerCallsEveryListener(t *testing.T) {
	rec := &recorder{}
	m := NewManager(failing{}, panicking{}, rec)

	err := m.OnStarting(context.Background())
	if err == nil {
		t.Fatal("expected joined error")
	}
	if !strings.Contains(err.Error(), "broker down") || !strings.Contains(err.Error(), "panicked: boom") {
		t.Errorf("err = %v", err)
	}
	if len(rec.calls) != 1 || rec.calls[0] != "starting" {
		t.Errorf("recorder calls = %v, want [starting]", rec.calls)
	}

	if err := m.OnTaskInstanceSuccess(context.Background(), Event{}); err != nil {
		t.Errorf("OnTaskInstanceSuccess: %v", err)
	}
	if m.Len() != 3 {
		t.Errorf("Len = %d", m.Len())
	}
}

type fakePublisher struct {
	exchange, key string
	msg           amqp.Publishing
}

func (f *fakePublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return nil
}

func TestAMQPListenerPublishesEnvelope(t *testing.T) {
	pub := &fakePublisher{}
	l := NewAMQPListener(pub, "taskrunner.events", slog.New(slog.DiscardHandler))

	ev := Event{TI: model.TaskInstance{DagID: "etl", TaskID: "load"}, State: model.StateFailed, Error: "x"}
	if err := l.OnTaskInstanceFailed(context.Background(), ev); err != nil {
		t.Fatalf("OnTaskInstanceFailed: %v", err)
	}
	if pub.exchange != "taskrunner.events" || pub.key != string(MessageTypeFailed) {
		t.Errorf("published to %s/%s", pub.exchange, pub.key)
	}
	if pub.msg.DeliveryMode != amqp.Persistent {
		t.Errorf("DeliveryMode = %d, want persistent", pub.msg.DeliveryMode)
	}

	var got struct {
		ID      string      `json:"id"`
		Type    MessageType `json:"type"`
		Payload Event       `json:"payload"`
	}
	if err := json.Unmarshal(pub.msg.Body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != pub.msg.MessageId || got.Type != MessageTypeFailed || got.Payload.TI.TaskID != "load" {
		t.Errorf("envelope = %+v", got)
	}
}

func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if matches(m, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matches(m *dto.Metric, labels map[string]string) bool {
	for _, lp := range m.GetLabel() {
		if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
			return false
		}
	}
	return true
}

func TestMetricsListener(t *testing.T) {
	m := NewMetricsListener("")
	labels := map[string]string{"dag_id": "metrics_dag", "task_id": "t", "state": "success"}
	before := counterValue(t, "taskrunner_task_instances_total", labels)

	ev := Event{TI: model.TaskInstance{DagID: "metrics_dag", TaskID: "t"}, State: model.StateSuccess, Duration: time.Second}
	_ = m.OnTaskInstanceRunning(context.Background(), ev)
	_ = m.OnTaskInstanceSuccess(context.Background(), ev)

	if got := counterValue(t, "taskrunner_task_instances_total", labels); got != before+1 {
		t.Errorf("counter = %v, want %v", got, before+1)
	}
	if err := m.BeforeStopping(context.Background()); err != nil {
		t.Errorf("BeforeStopping without push URL: %v", err)
	}
}

func TestMetricsListenerPush(t *testing.T) {
	m := NewMetricsListener("http://pushgateway:9091")
	var pushed bool
	m.pusher = func(*push.Pusher) error {
		pushed = true
		return errors.New("unreachable")
	}
	err := m.BeforeStopping(context.Background())
	if !pushed || err == nil {
		t.Errorf("pushed = %v, err = %v", pushed, err)
	}
}
