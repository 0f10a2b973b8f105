// Package messaging publishes fill events for downstream settlement
// submitters and audit consumers.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/unlockx/collateralswap/pkg/models"
)

// FillEvent is the message emitted after the matching engine produces a
// plan. It carries everything the settlement caller submits on-chain.
type FillEvent struct {
	TokenIn   string         `json:"tokenIn"`
	TokenOut  string         `json:"tokenOut"`
	TotalIn   string         `json:"totalIn"`
	TotalOut  string         `json:"totalOut"`
	OrderIDs  []string       `json:"orderIds"`
	Matches   []models.Match `json:"matches"`
	MatchedAt time.Time      `json:"matchedAt"`
}

// kafkaWriter is the subset of kafka.Writer the publisher uses.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// FillPublisher writes fill events to Kafka. A nil publisher is a no-op so
// callers need no enabled/disabled branching.
type FillPublisher struct {
	writer kafkaWriter
	logger *zap.Logger
}

// NewFillPublisher creates a publisher for the given brokers and topic.
func NewFillPublisher(brokers []string, topic string, logger *zap.Logger) *FillPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}
	return &FillPublisher{writer: writer, logger: logger}
}

// PublishFill emits one event per fill plan, keyed by the token pair so a
// pair's fills stay ordered within a partition.
func (p *FillPublisher) PublishFill(ctx context.Context, plan *models.FillPlan) error {
	if p == nil {
		return nil
	}
	event := FillEvent{
		TokenIn:   plan.TokenIn,
		TokenOut:  plan.TokenOut,
		TotalIn:   plan.TotalIn.String(),
		TotalOut:  plan.TotalOut.String(),
		OrderIDs:  plan.OrderIDs(),
		Matches:   plan.Matches,
		MatchedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal fill event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(plan.TokenIn + ":" + plan.TokenOut),
		Value: payload,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish fill event: %w", err)
	}
	p.logger.Debug("fill event published",
		zap.String("token_in", plan.TokenIn),
		zap.String("token_out", plan.TokenOut),
		zap.Int("orders", len(event.OrderIDs)))
	return nil
}

// Close flushes and closes the underlying writer.
func (p *FillPublisher) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
