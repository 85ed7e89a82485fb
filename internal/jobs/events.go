package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// Event is one job lifecycle transition on the wire.
type Event struct {
	JobID     string `json:"job_id"`
	Status    Status `json:"status"`
	OutputDir string `json:"output_dir,omitempty"`
	Error     string `json:"error,omitempty"`
	At        string `json:"at"`
}

// Publisher emits job lifecycle events. Publishing is best effort:
// callers log failures and move on, job state is authoritative.
type Publisher interface {
	Publish(ev Event) error
	Close() error
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) error { return nil }
func (NopPublisher) Close() error        { return nil }

type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	log      zerolog.Logger
}

func NewKafkaPublisher(brokers []string, topic string, log zerolog.Logger) (*KafkaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewKafkaPublisherWith(producer, topic, log), nil
}

// NewKafkaPublisherWith wraps an existing producer, used by tests.
func NewKafkaPublisherWith(producer sarama.SyncProducer, topic string, log zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		producer: producer,
		topic:    topic,
		log:      log.With().Str("component", "job-events").Logger(),
	}
}

func (p *KafkaPublisher) Publish(ev Event) error {
	if ev.At == "" {
		ev.At = time.Now().UTC().Format(time.RFC3339)
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(ev.JobID),
		Value: sarama.ByteEncoder(body),
	})
	if err != nil {
		return fmt.Errorf("publish job event: %w", err)
	}
	p.log.Debug().
		Str("job_id", ev.JobID).
		Str("status", string(ev.Status)).
		Int32("partition", partition).
		Int64("offset", offset).
		Msg("job event published")
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
