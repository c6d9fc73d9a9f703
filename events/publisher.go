package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/agridoctor/agridoctor/utils"
)

// Catalog event types. The topic is "<prefix>.<type>".
const (
	CategoryCreated = "category.created"
	CategoryUpdated = "category.updated"
	CategoryDeleted = "category.deleted"
	DiseaseCreated  = "disease.created"
	DiseaseUpdated  = "disease.updated"
	DiseaseDeleted  = "disease.deleted"
	MessageCreated  = "message.created"
	MessageApproved = "message.approved"
)

// Event is the JSON payload written for every catalog change.
type Event struct {
	Type string      `json:"type"`
	ID   uint        `json:"id"`
	Data interface{} `json:"data,omitempty"`
	At   time.Time   `json:"at"`
}

// Publisher delivers catalog events. Publishing never blocks a request on failure;
// errors are returned for logging only.
type Publisher interface {
	Publish(ctx context.Context, eventType string, id uint, data interface{}) error
	Close() error
}

// Nop discards events. Used when no brokers are configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, uint, interface{}) error { return nil }
func (Nop) Close() error                                            { return nil }

// KafkaPublisher writes events with a synchronous producer.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	prefix   string
}

// NewKafkaPublisher connects to brokers.
func NewKafkaPublisher(brokers []string, topicPrefix string) (*KafkaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Timeout = 5 * time.Second
	cfg.Net.DialTimeout = 5 * time.Second

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return NewKafkaPublisherWith(producer, topicPrefix), nil
}

// NewKafkaPublisherWith wraps an existing producer.
func NewKafkaPublisherWith(producer sarama.SyncProducer, topicPrefix string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, prefix: topicPrefix}
}

// Topic returns the topic an event type is written to.
func (p *KafkaPublisher) Topic(eventType string) string {
	if p.prefix == "" {
		return eventType
	}
	return p.prefix + "." + eventType
}

func (p *KafkaPublisher) Publish(ctx context.Context, eventType string, id uint, data interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(Event{Type: eventType, ID: id, Data: data, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic:     p.Topic(eventType),
		Key:       sarama.StringEncoder(eventType),
		Value:     sarama.ByteEncoder(payload),
		Timestamp: time.Now(),
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return err
	}
	utils.Logger.Debug("event published",
		zap.String("topic", msg.Topic), zap.Uint("id", id),
		zap.Int32("partition", partition), zap.Int64("offset", offset))
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// Emit publishes in the background and logs failures. Request handlers use it
// after their transaction committed.
func Emit(p Publisher, eventType string, id uint, data interface{}) {
	if p == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.Publish(ctx, eventType, id, data); err != nil {
			utils.Logger.Warn("event publish failed", zap.String("type", eventType), zap.Uint("id", id), zap.Error(err))
		}
	}()
}
