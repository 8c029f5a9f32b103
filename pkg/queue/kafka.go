package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"taxflow-go/pkg/log"
)

// KafkaQueue 基于 Kafka 的 Enqueuer。队列名映射到主题，
// writer 惰性创建并复用。
type KafkaQueue struct {
	brokers      string
	defaultTopic string

	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// NewKafkaQueue 创建队列的生产方。
func NewKafkaQueue(brokers, defaultTopic string) *KafkaQueue {
	return &KafkaQueue{
		brokers:      brokers,
		defaultTopic: defaultTopic,
		writers:      make(map[string]*kafka.Writer),
	}
}

func (q *KafkaQueue) writer(topic string) *kafka.Writer {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w, ok := q.writers[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:     kafka.TCP(q.brokers),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}
	q.writers[topic] = w
	return w
}

// Enqueue 把 payload 序列化进 Job 信封并写入指定主题。
// 任务 id 兼作消息 key，同一上传的重试落在同一分区。
func (q *KafkaQueue) Enqueue(ctx context.Context, jobType string, payload interface{}, opts Options) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	job := Job{
		ID:             uuid.NewString(),
		Type:           jobType,
		Payload:        raw,
		MaxAttempts:    opts.MaxAttempts,
		TimeoutSeconds: opts.TimeoutSeconds,
		EnqueuedAt:     time.Now().UTC(),
	}
	jobBytes, err := json.Marshal(job)
	if err != nil {
		return "", err
	}

	topic := opts.Queue
	if topic == "" {
		topic = q.defaultTopic
	}

	err = q.writer(topic).WriteMessages(ctx, kafka.Message{
		Key:   []byte(job.ID),
		Value: jobBytes,
	})
	if err != nil {
		return "", err
	}

	log.Infow("job enqueued", "jobId", job.ID, "jobType", jobType, "queue", topic)
	return job.ID, nil
}

// Close 关闭全部 writer。
func (q *KafkaQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, w := range q.writers {
		if err := w.Close(); err != nil {
			return err
		}
	}
	return nil
}

// messageReader 消费循环用到的 kafka.Reader 子集。
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer 从一个主题读取任务并交给 coordinator。
// 未注册 handler 的任务类型记一条错误日志后直接提交丢弃，
// 避免错误发布卡死分区。
type Consumer struct {
	brokers     string
	topic       string
	group       string
	coordinator *Coordinator

	// fetch 失败后等待多久再请求 broker。
	fetchBackoff time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewConsumer 构建单主题的消费者。
func NewConsumer(brokers, topic, group string, coordinator *Coordinator) *Consumer {
	return &Consumer{
		brokers:      brokers,
		topic:        topic,
		group:        group,
		coordinator:  coordinator,
		fetchBackoff: 2 * time.Second,
		handlers:     make(map[string]Handler),
	}
}

// Register 为任务类型挂载 handler。
func (c *Consumer) Register(jobType string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[jobType] = handler
}

func (c *Consumer) handler(jobType string) (Handler, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handlers[jobType]
	return h, ok
}

// Start 运行消费循环直到 context 取消。消息只在 coordinator
// 到达终态后才提交，未提交时崩溃会触发重新投递，
// 尝试计数保证预算不被重置。
func (c *Consumer) Start(ctx context.Context) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{c.brokers},
		Topic:    c.topic,
		GroupID:  c.group,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Error("failed to close kafka reader", err)
		}
	}()

	log.Infof("queue consumer started, listening on topic '%s'", c.topic)
	c.run(ctx, r)
}

func (c *Consumer) run(ctx context.Context, r messageReader) {
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Infof("queue consumer for topic '%s' stopped", c.topic)
				return
			}
			// broker 抖动。退避后继续，不让 worker 退出。
			log.Error("failed to fetch message from kafka", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.fetchBackoff):
			}
			continue
		}

		var job Job
		if err := json.Unmarshal(m.Value, &job); err != nil {
			log.Errorf("undecodable job message, committing to skip: %v, value: %s", err, string(m.Value))
			if err := r.CommitMessages(ctx, m); err != nil {
				log.Errorf("failed to commit undecodable message: %v", err)
			}
			continue
		}

		handler, ok := c.handler(job.Type)
		if !ok {
			log.Errorf("no handler registered for job type '%s', committing to skip (jobId=%s)", job.Type, job.ID)
			if err := r.CommitMessages(ctx, m); err != nil {
				log.Errorf("failed to commit unhandled message: %v", err)
			}
			continue
		}

		res := c.coordinator.Run(ctx, job, handler)
		if res.Kind == KindRetryable {
			// 计数存储故障。不提交，等待重新投递。
			continue
		}
		if err := r.CommitMessages(ctx, m); err != nil {
			log.Errorf("failed to commit kafka message offset: %v", err)
		}
	}
}
