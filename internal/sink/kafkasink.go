package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	log "github.com/sirupsen/logrus"

	"github.com/shortontech/iptrace/internal/history"
)

const (
	defaultKafkaTopic = "iptrace.changes"
	changeSchema      = "iptrace.change.v1"
)

var errProducerNotStarted = errors.New("kafka producer not initialized")

// KafkaConfig holds configuration for the Kafka producer
type KafkaConfig struct {
	Brokers     []string
	Topic       string
	Acks        string
	Compression string

	// SASL config
	SASLMechanism string
	SASLUser      string
	SASLPassword  string

	// TLS config
	TLSCAPath     string
	TLSSkipVerify bool
}

// KafkaSink produces changes keyed by change id, so a replayed change lands
// on the same partition.
type KafkaSink struct {
	config   KafkaConfig
	producer *kafka.Producer
}

// NewKafkaSinkFromEnv creates a KafkaSink from environment variables
func NewKafkaSinkFromEnv() *KafkaSink {
	brokers := strings.Split(getEnvOr("KAFKA_BROKERS", "localhost:9092"), ",")
	for i, broker := range brokers {
		brokers[i] = strings.TrimSpace(broker)
	}

	return &KafkaSink{config: KafkaConfig{
		Brokers:       brokers,
		Topic:         getEnvOr("KAFKA_TOPIC", defaultKafkaTopic),
		Acks:          getEnvOr("KAFKA_ACKS", "all"),
		Compression:   os.Getenv("KAFKA_COMPRESSION"),
		SASLMechanism: os.Getenv("KAFKA_SASL_MECHANISM"),
		SASLUser:      os.Getenv("KAFKA_SASL_USER"),
		SASLPassword:  os.Getenv("KAFKA_SASL_PASSWORD"),
		TLSCAPath:     os.Getenv("KAFKA_TLS_CA"),
		TLSSkipVerify: getBoolEnv("KAFKA_TLS_SKIP_VERIFY", false),
	}}
}

// NewKafkaSink creates a KafkaSink with explicit configuration
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		config: KafkaConfig{
			Brokers: brokers,
			Topic:   topic,
			Acks:    "all",
		},
	}
}

func (s *KafkaSink) configMap() kafka.ConfigMap {
	cm := kafka.ConfigMap{
		"bootstrap.servers": strings.Join(s.config.Brokers, ","),
		"acks":              s.config.Acks,
		"retries":           10,
		"retry.backoff.ms":  100,
		"linger.ms":         10,
	}
	if s.config.Acks == "" {
		cm["acks"] = "all"
	}
	if s.config.Compression != "" {
		cm["compression.type"] = s.config.Compression
	}

	if s.config.SASLMechanism != "" {
		cm["security.protocol"] = "SASL_SSL"
		cm["sasl.mechanism"] = s.config.SASLMechanism
		if s.config.SASLUser != "" {
			cm["sasl.username"] = s.config.SASLUser
		}
		if s.config.SASLPassword != "" {
			cm["sasl.password"] = s.config.SASLPassword
		}
	}

	if s.config.TLSCAPath != "" {
		if s.config.SASLMechanism == "" {
			cm["security.protocol"] = "SSL"
		}
		cm["ssl.ca.location"] = s.config.TLSCAPath
	}
	if s.config.TLSSkipVerify {
		cm["ssl.endpoint.identification.algorithm"] = "none"
	}
	return cm
}

func (s *KafkaSink) Start(ctx context.Context) error {
	cm := s.configMap()
	producer, err := kafka.NewProducer(&cm)
	if err != nil {
		return fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	s.producer = producer

	go s.handleDeliveryReports(ctx)
	return nil
}

func (s *KafkaSink) message(c history.Change) (*kafka.Message, error) {
	value, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize change: %w", err)
	}
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &s.config.Topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(c.ID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "change_type", Value: []byte("ip_changed")},
			{Key: "schema", Value: []byte(changeSchema)},
		},
	}, nil
}

func (s *KafkaSink) Enqueue(c history.Change) error {
	if s.producer == nil {
		return errProducerNotStarted
	}
	msg, err := s.message(c)
	if err != nil {
		return err
	}
	if err := s.producer.Produce(msg, nil); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	if s.producer == nil {
		return nil
	}

	// wait up to 10 seconds for in-flight changes
	remaining := s.producer.Flush(10 * 1000)
	s.producer.Close()
	s.producer = nil
	if remaining > 0 {
		return fmt.Errorf("failed to flush %d remaining messages", remaining)
	}
	return nil
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) handleDeliveryReports(ctx context.Context) {
	events := s.producer.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case *kafka.Message:
				if e.TopicPartition.Error != nil {
					log.WithFields(log.Fields{
						"sink":  "kafka",
						"key":   string(e.Key),
						"topic": s.config.Topic,
					}).Errorf("delivery failed: %v", e.TopicPartition.Error)
				}
			case kafka.Error:
				log.WithField("sink", "kafka").Errorf("client error: %v", e)
			}
		}
	}
}

func getEnvOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "t", "true", "y", "yes":
		return true
	case "0", "f", "false", "n", "no":
		return false
	}
	return defaultValue
}
