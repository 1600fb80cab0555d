package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("notify: publisher closed")

// KafkaOptions tunes the dispatcher.
type KafkaOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Logger      *slog.Logger
}

func (o *KafkaOptions) defaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// KafkaPublisher queues changes locally and sends them from background
// workers, keyed by design id so one design stays on one partition.
// Publish only enqueues; a full queue waits until ctx is done.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	opt      KafkaOptions

	mu     sync.RWMutex
	closed bool
	queue  chan Change
	wg     sync.WaitGroup
}

// NewKafkaProducer dials brokers with a config suitable for SyncProducer.
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	// SyncProducer requires Return.Successes.
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	return sarama.NewSyncProducer(brokers, cfg)
}

// NewKafkaPublisher starts the workers.
func NewKafkaPublisher(producer sarama.SyncProducer, topic string, opt KafkaOptions) *KafkaPublisher {
	opt.defaults()
	p := &KafkaPublisher{
		producer: producer,
		topic:    topic,
		opt:      opt,
		queue:    make(chan Change, opt.QueueSize),
	}
	for i := range opt.Workers {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
	return p
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, c Change) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue, waits for the workers and closes the producer.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
	return p.producer.Close()
}

func (p *KafkaPublisher) workerLoop(workerID int) {
	defer p.wg.Done()
	for c := range p.queue {
		p.sendWithRetry(workerID, c)
	}
}

func (p *KafkaPublisher) sendWithRetry(workerID int, c Change) {
	for attempt := 0; attempt <= p.opt.MaxRetry; attempt++ {
		err := p.sendOnce(c)
		if err == nil {
			return
		}
		if attempt == p.opt.MaxRetry {
			p.opt.Logger.Warn("kafka send failed, dropping change",
				"design.id", c.DesignID, "kind", c.Kind, "version", c.Version, "worker", workerID, "err", err)
			return
		}
		backoff := p.opt.BaseBackoff * time.Duration(1<<attempt)
		if backoff > p.opt.MaxBackoff {
			backoff = p.opt.MaxBackoff
		}
		time.Sleep(backoff)
	}
}

func (p *KafkaPublisher) sendOnce(c Change) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(c.DesignID),
		Value: sarama.ByteEncoder(b),
	})
	return err
}
