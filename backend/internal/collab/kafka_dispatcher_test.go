package collab

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/backend/internal/logging"
	"docsync/backend/internal/ot/delta"
)

func newMockProducer(t *testing.T) *mocks.SyncProducer {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	return mocks.NewSyncProducer(t, cfg)
}

func TestKafkaDispatcherPublishesCommittedRevisions(t *testing.T) {
	producer := newMockProducer(t)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt RevisionEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.EventType != EventRevisionCommitted || evt.DocID != "doc-k1" || evt.Revision != 3 {
			return errors.New("unexpected event payload")
		}
		if _, err := ulid.Parse(evt.OperationID); err != nil {
			return err
		}
		return nil
	})

	d := NewKafkaDispatcher(producer, "doc-revisions", NewSemaphoreControl(1), KafkaDispatcherOptions{
		QueueSize: 4,
		Workers:   1,
		Logger:    logging.Discard(),
	})

	ctx := context.Background()
	// client side events are not published
	d.OnRevision(ctx, Event{DocumentID: "doc-k1", RevisionID: 9, Origin: OriginLocal})
	d.OnRevision(ctx, Event{
		DocumentID:     "doc-k1",
		RevisionID:     3,
		BaseRevisionID: 2,
		Delta:          delta.New().Retain(2, nil).Insert("k", nil).Delta(),
		Origin:         OriginAuthority,
		ClientID:       "c1",
	})
	d.Close()
	require.NoError(t, producer.Close())
}

func TestKafkaDispatcherRetriesWithBackoff(t *testing.T) {
	producer := newMockProducer(t)
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	producer.ExpectSendMessageAndSucceed()

	sem := NewSemaphoreControl(1)
	d := NewKafkaDispatcher(producer, "doc-revisions", sem, KafkaDispatcherOptions{
		QueueSize:   1,
		Workers:     1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		Logger:      logging.Discard(),
	})
	require.NoError(t, d.Enqueue(context.Background(), NewRevisionEvent(Event{DocumentID: "doc-k2", RevisionID: 1, Origin: OriginAuthority}, time.Now())))
	d.Close()
	require.NoError(t, producer.Close())
	assert.Equal(t, 0, sem.InUse())

	assert.ErrorIs(t, d.Enqueue(context.Background(), RevisionEvent{}), ErrClosed)
}

func TestRevisionEventIDsAreOrdered(t *testing.T) {
	at := time.Now()
	a := NewRevisionEvent(Event{DocumentID: "d", RevisionID: 1}, at)
	b := NewRevisionEvent(Event{DocumentID: "d", RevisionID: 2}, at)
	assert.Less(t, a.OperationID, b.OperationID)
	assert.Equal(t, at, a.AppliedAt)
}
