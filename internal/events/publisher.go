// Package events publishes violation lifecycle events to SQS for
// downstream consumers (analytics, enforcement dashboards). Publishing is
// best effort: a failed publish is logged, never surfaced to the caller.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/rahulvn/vigil/internal/store"
)

// Event kinds carried on the stream.
const (
	KindViolationRecorded = "violation.recorded"
	KindPaymentCompleted  = "payment.completed"
	KindPaymentRefunded   = "payment.refunded"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// Event is the payload sent to SQS.
type Event struct {
	Kind          string  `json:"kind"`
	ViolationID   int64   `json:"violation_id"`
	Plate         *string `json:"plate,omitempty"`
	ViolationType string  `json:"violation_type,omitempty"`
	FineAmount    float64 `json:"fine_amount,omitempty"`
	PaymentID     int64   `json:"payment_id,omitempty"`
	EmittedAt     int64   `json:"emitted_at"`
}

// Publisher sends violation events to SQS. A nil *Publisher is a valid
// no-op, so wiring stays unconditional even when no queue is configured.
type Publisher struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewPublisher creates a new SQS event publisher.
func NewPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg)

	logger.Info("event publisher initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Publisher{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// ViolationRecorded emits an event for a newly stored violation.
func (p *Publisher) ViolationRecorded(ctx context.Context, v *store.Violation) {
	p.publish(ctx, Event{
		Kind:          KindViolationRecorded,
		ViolationID:   v.ID,
		Plate:         v.Plate,
		ViolationType: v.Type,
		FineAmount:    v.FineAmount,
	})
}

// PaymentCompleted emits an event for a settled fine.
func (p *Publisher) PaymentCompleted(ctx context.Context, violationID, paymentID int64) {
	p.publish(ctx, Event{
		Kind:        KindPaymentCompleted,
		ViolationID: violationID,
		PaymentID:   paymentID,
	})
}

// PaymentRefunded emits an event for a reversed payment.
func (p *Publisher) PaymentRefunded(ctx context.Context, violationID, paymentID int64) {
	p.publish(ctx, Event{
		Kind:        KindPaymentRefunded,
		ViolationID: violationID,
		PaymentID:   paymentID,
	})
}

func (p *Publisher) publish(ctx context.Context, ev Event) {
	if p == nil {
		return
	}

	ev.EmittedAt = time.Now().UnixNano()

	body, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("failed to marshal event", zap.Error(err))
		return
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		p.logger.Error("failed to publish event",
			zap.String("kind", ev.Kind),
			zap.Int64("violation_id", ev.ViolationID),
			zap.Error(err),
		)
	}
}
