// Package bus is the optional, non-blocking observability fan-out:
// every dispatched PHD2 event and every task history entry may be
// republished onto an MQTT topic for any number of external
// subscribers. Nothing in internal/phd2, internal/task, or
// internal/workflow depends on this package; they accept a plain
// callback, and a nil/disabled Publisher is a no-op.
package bus

import (
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/skyrelay/skyrelay/internal/phd2"
	"github.com/skyrelay/skyrelay/internal/task"
	skymqtt "github.com/skyrelay/skyrelay/pkg/mqtt"
)

// Event is the envelope published for every fanned-out record.
type Event struct {
	Topic     string    `json:"topic"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher republishes task history and PHD2 events onto an MQTT
// broker. Publish calls never block the caller beyond handing work to
// a goroutine group (one goroutine per publish, with no limit on how
// many run at once) — a slow or down broker degrades bus
// delivery, never task/workflow execution.
type Publisher struct {
	client *skymqtt.Client
	logger *zap.Logger

	wg conc.WaitGroup
}

// NewPublisher wraps an already-constructed MQTT client. Callers in
// cmd/skyrelay are responsible for Connect()ing it first.
func NewPublisher(client *skymqtt.Client, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{client: client, logger: logger.With(zap.String("component", "bus"))}
}

// publish hands one topic/payload pair to the goroutine group,
// isolating a panicking JSON encoder or a blocked publish call from the
// caller (task/workflow execution or the PHD2 reader goroutine).
func (p *Publisher) publish(topic string, payload any) {
	if p == nil || p.client == nil {
		return
	}
	p.wg.Go(func() {
		env := Event{Topic: topic, Payload: payload, Timestamp: time.Now()}
		if err := p.client.PublishEnvelope(topic, skymqtt.MessageTypeEvent, "skyrelay", env); err != nil {
			p.logger.Debug("bus: publish failed", zap.String("topic", topic), zap.Error(err))
		}
	})
}

// PHD2EventSink adapts Publisher to phd2.Client.OnPublish: forwards
// every dispatched event onto its kind-scoped topic.
func (p *Publisher) PHD2EventSink() func(phd2.Event) {
	return func(e phd2.Event) {
		p.publish(skymqtt.PHD2EventTopic(string(e.Kind)), e)
	}
}

// TaskHistorySink returns a callback suitable for wiring onto a task's
// history recorder, publishing one bus event per history line.
func (p *Publisher) TaskHistorySink(taskType string) func(task.HistoryEntry) {
	topic := skymqtt.TaskHistoryTopic(taskType)
	return func(h task.HistoryEntry) {
		p.publish(topic, h)
	}
}

// Close waits for any in-flight publishes to finish. It does not close
// the underlying MQTT client; callers own that lifecycle.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.wg.Wait()
}
