package collab

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"docsync/backend/internal/logging"
	"docsync/backend/internal/metrics"
)

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// 目标：
// - 不阻塞主提交流程（OnRevision 只负责入队）
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
// - 队列满时允许降级（丢弃），避免内存无限增长
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	log      *slog.Logger

	queue chan RevisionEvent

	// sem 限制并发的 SendMessage 数量。
	kafkaSem *SemaphoreControl

	workers        int
	maxRetry       int
	baseBackoff    time.Duration
	maxBackoff     time.Duration
	enqueueTimeout time.Duration

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

type KafkaDispatcherOptions struct {
	QueueSize      int
	Workers        int
	MaxRetry       int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	EnqueueTimeout time.Duration
	Logger         *slog.Logger
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, kafkaSem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if opt.EnqueueTimeout <= 0 {
		opt.EnqueueTimeout = 50 * time.Millisecond
	}
	if opt.Logger == nil {
		opt.Logger = logging.For("kafka")
	}
	d := &KafkaDispatcher{
		producer:       producer,
		topic:          topic,
		log:            opt.Logger,
		queue:          make(chan RevisionEvent, opt.QueueSize),
		kafkaSem:       kafkaSem,
		workers:        opt.Workers,
		maxRetry:       opt.MaxRetry,
		baseBackoff:    opt.BaseBackoff,
		maxBackoff:     opt.MaxBackoff,
		enqueueTimeout: opt.EnqueueTimeout,
		closed:         make(chan struct{}),
	}

	d.start()
	return d
}

// OnRevision 只发布 authority 提交的修订，客户端副本的本地/远端事件不归它发
func (d *KafkaDispatcher) OnRevision(ctx context.Context, ev Event) {
	if ev.Origin != OriginAuthority {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.enqueueTimeout)
	defer cancel()
	if err := d.Enqueue(ctx, NewRevisionEvent(ev, time.Now())); err != nil {
		metrics.EventsDropped.Inc()
		d.log.Warn("kafka queue full, drop event", "doc", ev.DocumentID, "rev", ev.RevisionID, "err", err)
	}
}

func (d *KafkaDispatcher) OnStatus(_ context.Context, ev StatusEvent) {
	d.log.Info("document status", "doc", ev.DocumentID, "status", ev.Status, "err", ev.Err)
}

// Enqueue：把事件放入本地队列。
// - 队列满时，等待直到 ctx 超时
// - ctx 超时返回错误 （kafka不要求强一致性，不是每个事件都必须送达）
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt RevisionEvent) error {
	select {
	case <-d.closed:
		return ErrClosed
	default:
	}
	select {
	case d.queue <- evt:
		return nil
	case <-d.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// Close 停止接收事件并等待队列排空
func (d *KafkaDispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.closed)
	})
	d.wg.Wait()
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for {
		select {
		case evt := <-d.queue:
			d.sendWithRetry(workerID, evt)
		case <-d.closed:
			// 关闭后把队列里剩下的发完
			for {
				select {
				case evt := <-d.queue:
					d.sendWithRetry(workerID, evt)
				default:
					return
				}
			}
		}
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt RevisionEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.kafkaSem != nil {
			// worker 允许一直等待（不会影响主链路）
			_ = d.kafkaSem.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.kafkaSem != nil {
			_ = d.kafkaSem.Release()
		}

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			metrics.EventsDropped.Inc()
			d.log.Error("kafka send failed, drop event",
				"doc", evt.DocID, "op", evt.OperationID, "rev", evt.Revision, "worker", workerID, "err", err)
			return
		}

		// 退避，每次退避时间X2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt RevisionEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
