package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"

	"taxflow-go/pkg/log"
)

// KafkaPublisher 把事件写入 Kafka 主题，同时扇出到进程内 hub，
// 并在 Redis 中缓存每个上传的最新状态供看板轮询。
type KafkaPublisher struct {
	writer *kafka.Writer
	hub    *Hub
	rdb    *redis.Client
}

// NewKafkaPublisher 构建发布器。hub 与 rdb 可以为 nil。
func NewKafkaPublisher(brokers, topic string, hub *Hub, rdb *redis.Client) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		hub: hub,
		rdb: rdb,
	}
}

// PublishStatus 发出上传状态变更事件。
func (p *KafkaPublisher) PublishStatus(ev StatusEvent) {
	p.emit(TypeUploadStatus, ev)
	if p.hub != nil {
		p.hub.Broadcast(ev)
	}
	p.cacheStatus(ev)
}

// PublishPermanentFailure 发出终态的死信通知。
func (p *KafkaPublisher) PublishPermanentFailure(ev StatusEvent) {
	p.emit(TypePermanentFailure, ev)
	if p.hub != nil {
		p.hub.Broadcast(ev)
	}
	p.cacheStatus(ev)
}

// PublishJobLog 发出结构化任务日志事件。
func (p *KafkaPublisher) PublishJobLog(ev JobLogEvent) {
	p.emit(TypeJobLog, ev)
}

func (p *KafkaPublisher) emit(eventType string, data interface{}) {
	payload, err := json.Marshal(envelope{Type: eventType, Data: data})
	if err != nil {
		log.Errorf("event publisher: failed to marshal %s event: %v", eventType, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, kafka.Message{Value: payload}); err != nil {
		// 可观测性永远让位于状态迁移本身。
		log.Errorf("event publisher: failed to write %s event: %v", eventType, err)
	}
}

// cacheStatus 把每个上传的最新状态缓存一分钟，
// 看板轮询时不必打到 MySQL。
func (p *KafkaPublisher) cacheStatus(ev StatusEvent) {
	if p.rdb == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	key := fmt.Sprintf("upload:status:%d", ev.UploadID)
	if err := p.rdb.Set(context.Background(), key, payload, time.Minute).Err(); err != nil {
		log.Warnf("event publisher: failed to cache status for upload %d: %v", ev.UploadID, err)
	}
}

// LatestStatus 读取上传的缓存状态。缓存未命中返回 (nil, nil)，
// 调用方回落到数据库。
func LatestStatus(ctx context.Context, rdb *redis.Client, uploadID uint) (*StatusEvent, error) {
	if rdb == nil {
		return nil, nil
	}
	key := fmt.Sprintf("upload:status:%d", uploadID)
	payload, err := rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ev StatusEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Close 关闭 Kafka writer。
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
