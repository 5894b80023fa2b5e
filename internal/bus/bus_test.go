package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/skyrelay/skyrelay/internal/phd2"
	"github.com/skyrelay/skyrelay/internal/task"
)

func TestNilPublisherIsNoOp(t *testing.T) {
	var p *Publisher
	assert.NotPanics(t, func() {
		p.publish("skyrelay/phd2/event/Alert", "payload")
		p.Close()
	})
}

func TestPublisherWithoutClientDropsSilently(t *testing.T) {
	p := NewPublisher(nil, nil)
	sink := p.PHD2EventSink()
	assert.NotPanics(t, func() {
		sink(phd2.Event{Kind: phd2.EventAlert, Host: "obs1"})
		p.Close()
	})
}

func TestTaskHistorySinkDoesNotBlockRecording(t *testing.T) {
	p := NewPublisher(nil, nil)
	sink := p.TaskHistorySink("workflow")

	done := make(chan struct{})
	go func() {
		sink(task.HistoryEntry{At: time.Now(), Message: "step one"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("history sink blocked the caller")
	}
	p.Close()
}
