// Package proxy stands up the broker-side infrastructure (Redis
// reachability, Kafka/Redpanda topics) before any service binds or
// connects, and tears it down last, matching spec.md §4.1's proxy
// bring-up/teardown ordering.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/aiperf/aiperf/internal/domain"
)

// Topics is the fixed set of Kafka/Redpanda topics the push/pull transport
// requires, one per logical address.
var Topics = []string{"aiperf.credit_drop", "aiperf.credit_return", "aiperf.inference_results", "aiperf.records", "aiperf.telemetry_records"}

// Manager brings up and tears down shared broker infrastructure.
type Manager struct {
	redisAddr string
	brokers   []string
	redis     *redis.Client
}

// New constructs a Manager for the given Redis address and Kafka brokers.
func New(redisAddr string, brokers []string) *Manager {
	return &Manager{redisAddr: redisAddr, brokers: brokers}
}

// Start verifies Redis connectivity and ensures every required Kafka topic
// exists, failing fast with a CommunicationCreateError-classed error if
// Redis is unreachable. A topic that cannot be ensured is logged and
// skipped, so an unreachable Kafka broker does not fail Start.
func (m *Manager) Start(ctx context.Context) error {
	m.redis = redis.NewClient(&redis.Options{Addr: m.redisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.redis.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("%w: redis proxy unreachable at %s: %v", domain.ErrCommunicationCreate, m.redisAddr, err)
	}

	client, err := kgo.NewClient(kgo.SeedBrokers(m.brokers...))
	if err != nil {
		return fmt.Errorf("%w: kafka client: %v", domain.ErrCommunicationCreate, err)
	}
	defer client.Close()

	for _, topic := range Topics {
		if err := ensureTopic(ctx, client, topic); err != nil {
			slog.Warn("proxy manager topic ensure failed, continuing", slog.String("topic", topic), slog.Any("error", err))
		}
	}
	slog.Info("proxy manager started", slog.String("redis", m.redisAddr), slog.Any("brokers", m.brokers))
	return nil
}

func ensureTopic(ctx context.Context, client *kgo.Client, topic string) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 10000
	t := kmsg.NewCreateTopicsRequestTopic()
	t.Topic = topic
	t.NumPartitions = 4
	t.ReplicationFactor = 1
	req.Topics = append(req.Topics, t)

	resp, err := req.RequestWith(ctx, client)
	if err != nil {
		return err
	}
	for _, t := range resp.Topics {
		if t.ErrorCode != 0 && t.ErrorMessage != nil && *t.ErrorMessage != "" {
			// "topic already exists" is expected on every restart.
			slog.Debug("create topic response", slog.String("topic", t.Topic), slog.String("detail", *t.ErrorMessage))
		}
	}
	return nil
}

// Stop is torn down last, after every service has stopped.
func (m *Manager) Stop(ctx context.Context) error {
	if m.redis != nil {
		return m.redis.Close()
	}
	return nil
}
