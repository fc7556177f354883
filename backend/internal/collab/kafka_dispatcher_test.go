package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan-k-shapiro/md-editor/backend/internal/ot/delta"
)

func TestKafkaDispatcher_SendsKeyedEvent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt DocEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.EventType != EventOpApplied || evt.DocID != "doc-1" || evt.ServerSeq != 3 {
			return fmt.Errorf("unexpected event %+v", evt)
		}
		if evt.Op == nil || evt.Op.Text != "hi" {
			return fmt.Errorf("missing op in %+v", evt)
		}
		return nil
	})

	d := NewKafkaDispatcher(producer, "doc-events", NewSemaphoreControl(2), KafkaDispatcherOptions{QueueSize: 4, Workers: 1}, zerolog.Nop())
	o := delta.Insert(0, "hi")
	o.DocumentID, o.ServerSeq = "doc-1", 3
	require.NoError(t, d.Enqueue(context.Background(), opAppliedEvent("node-a", o)))
	d.Close()

	require.NoError(t, producer.Close())
}

func TestKafkaDispatcher_RetriesThenDrops(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	broken := errors.New("broker unavailable")
	producer.ExpectSendMessageAndFail(broken)
	producer.ExpectSendMessageAndFail(broken)

	d := NewKafkaDispatcher(producer, "doc-events", nil, KafkaDispatcherOptions{
		QueueSize:   1,
		MaxRetry:    1,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, d.Enqueue(context.Background(), DocEvent{EventType: EventSnapshotCommitted, DocID: "doc-1"}))
	d.Close()

	// 两次期望都被消费说明重试了一次
	require.NoError(t, producer.Close())
}

func TestKafkaDispatcher_EnqueueAfterClose(t *testing.T) {
	d := NewKafkaDispatcher(nil, "", nil, KafkaDispatcherOptions{QueueSize: 1}, zerolog.Nop())
	d.Close()
	err := d.Enqueue(context.Background(), DocEvent{DocID: "x"})
	assert.ErrorIs(t, err, ErrDispatcherClosed)
}

func TestKafkaDispatcher_FullQueueRespectsContext(t *testing.T) {
	blocked := make(chan struct{})
	producer := &blockingProducer{release: blocked}
	d := NewKafkaDispatcher(producer, "t", nil, KafkaDispatcherOptions{QueueSize: 1, Workers: 1}, zerolog.Nop())
	defer func() {
		close(blocked)
		d.Close()
	}()

	// 第一条被 worker 取走并阻塞，第二条占满队列
	require.NoError(t, d.Enqueue(context.Background(), DocEvent{DocID: "a"}))
	require.Eventually(t, func() bool { return len(d.queue) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, d.Enqueue(context.Background(), DocEvent{DocID: "b"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Enqueue(ctx, DocEvent{DocID: "c"}), context.DeadlineExceeded)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Duration(0), Backoff(0, time.Second, 3))
	assert.Equal(t, 40*time.Millisecond, Backoff(10*time.Millisecond, time.Second, 2))
	assert.Equal(t, time.Second, Backoff(10*time.Millisecond, time.Second, 10))
}

type blockingProducer struct {
	sarama.SyncProducer
	release chan struct{}
}

func (p *blockingProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	<-p.release
	return 0, 0, nil
}
