// Package notify implements a one-directional outbound notification
// producer: the core publishes run-completed and summary-changed events but
// never consumes Kafka itself. Grounded on internal/tools/kafka — the same
// Writer-interface-over-*kafka.Writer shape from producer.go, generalized
// from a tool-callable "send any message" surface to two fixed, typed event
// publishers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/rs/zerolog/log"

	"archivecore/internal/archive"
	"archivecore/internal/config"
)

// Writer is the subset of *kafka.Writer the notifier needs, narrowed for
// testability the same way internal/tools/kafka's Writer interface is.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter builds a *kafka.Writer targeting brokers, following the
// NewProducerFromBrokers constructor shape.
func NewWriter(brokers string) (Writer, error) {
	brokers = strings.TrimSpace(brokers)
	if brokers == "" {
		return nil, fmt.Errorf("kafka brokers cannot be empty")
	}
	brokerList := strings.Split(brokers, ",")
	for i, b := range brokerList {
		brokerList[i] = strings.TrimSpace(b)
	}
	return &kafka.Writer{
		Addr:     kafka.TCP(brokerList...),
		Balancer: &kafka.LeastBytes{},
	}, nil
}

// RunCompletedEvent is published whenever an AnalysisRun reaches a terminal
// state (completed or failed).
type RunCompletedEvent struct {
	RunID      string          `json:"run_id"`
	RoomID     string          `json:"room_id,omitempty"`
	Kind       archive.RunKind `json:"kind"`
	Status     archive.RunStatus `json:"status"`
	Error      string          `json:"error,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
}

// SummaryChangedEvent is published whenever a person's AI-derived summary is
// (re)generated, so downstream virtual-chat/profile-summary consumers can
// re-embed it without polling.
type SummaryChangedEvent struct {
	PersonID    string    `json:"person_id"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Notifier publishes both event kinds. A nil Notifier (no Kafka configured)
// is never constructed; callers instead skip wiring one, matching
// KafkaConfig's doc comment that absence simply means no notifications.
type Notifier struct {
	writer              Writer
	runCompletedTopic   string
	summaryChangedTopic string
}

// New builds a Notifier over writer, publishing to the topics in cfg.
func New(writer Writer, cfg config.KafkaConfig) *Notifier {
	return &Notifier{
		writer:              writer,
		runCompletedTopic:   cfg.RunCompletedTopic,
		summaryChangedTopic: cfg.SummaryChangedTopic,
	}
}

// RunCompleted publishes a RunCompletedEvent. Publish failures are logged,
// not returned — a dropped notification never fails the run itself, since
// the core's own state is already durably committed by this point.
func (n *Notifier) RunCompleted(ctx context.Context, evt RunCompletedEvent) {
	n.publish(ctx, n.runCompletedTopic, evt.RunID, evt)
}

// SummaryChanged publishes a SummaryChangedEvent.
func (n *Notifier) SummaryChanged(ctx context.Context, evt SummaryChangedEvent) {
	n.publish(ctx, n.summaryChangedTopic, evt.PersonID, evt)
}

func (n *Notifier) publish(ctx context.Context, topic, key string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("notify: marshal event failed")
		return
	}
	msg := kafka.Message{Topic: topic, Key: []byte(key), Value: body}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("notify: publish failed, continuing")
	}
}
