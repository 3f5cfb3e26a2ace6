package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"

	"github.com/warp/affiliate-engine/affiliate"
)

// Inbound event types carried in Envelope.Type.
const (
	EventSaleCompleted     = "SaleCompleted"
	EventSaleReversed      = "SaleReversed"
	EventPurchaseCompleted = "PurchaseCompleted"
)

// Envelope is the JSON body of an inbound message.
type Envelope struct {
	Type      string              `json:"type"`
	EventID   string              `json:"event_id,omitempty"`
	AccountID affiliate.AccountID `json:"account_id"`
	Amount    string              `json:"amount"`
}

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// SaleHandler is implemented by affiliate.CommissionEngine.
type SaleHandler interface {
	OnSaleCompleted(ctx context.Context, ev affiliate.SaleEvent) (*affiliate.SaleResult, error)
	OnSaleReversed(ctx context.Context, ev affiliate.SaleEvent) (*affiliate.SaleResult, error)
	OnPurchaseCompleted(ctx context.Context, ev affiliate.PurchaseEvent) (*affiliate.SaleResult, error)
}

type SaleConsumer struct {
	reader  MessageReader
	handler SaleHandler
	logger  *slog.Logger

	// MaxRetryInterval caps the wait between attempts on a failing message.
	MaxRetryInterval time.Duration

	// MaxRetries bounds the extra attempts after a transient failure.
	// Other failures are not retried.
	MaxRetries int

	// DeadLetters, when set, receives every message committed without
	// being applied, on DeadLetterTopic with the reason in its headers.
	// Without it a transient failure that outlasts MaxRetries stops the
	// consumer uncommitted instead.
	DeadLetters     MessageWriter
	DeadLetterTopic string

	Instrumentation affiliate.Instrumentation
}

// NewSaleConsumer reads topic as a member of groupID.
func NewSaleConsumer(brokers []string, topic, groupID string, handler SaleHandler, logger *slog.Logger) *SaleConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10 * 1024 * 1024,
	})
	return NewSaleConsumerWithReader(r, handler, logger)
}

func NewSaleConsumerWithReader(r MessageReader, handler SaleHandler, logger *slog.Logger) *SaleConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SaleConsumer{
		reader:           r,
		handler:          handler,
		logger:           logger,
		MaxRetryInterval: 30 * time.Second,
		MaxRetries:       8,
		Instrumentation:  affiliate.NopInstrumentation{},
	}
}

// Start consumes until ctx is canceled.
func (c *SaleConsumer) Start(ctx context.Context) error {
	c.logger.Info("sale consumer starting")
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				c.logger.Info("sale consumer stopping")
				return nil
			}
			return fmt.Errorf("fetching message: %w", err)
		}

		if err := c.process(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.logger.Error("commit error",
				"topic", m.Topic, "partition", m.Partition, "offset", m.Offset, "error", err)
		}
	}
}

// process returns nil once m may be committed: it was applied, or it
// failed in a way a retry cannot fix and was set aside.
func (c *SaleConsumer) process(ctx context.Context, m kafka.Message) error {
	err := c.handleWithRetry(ctx, m)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	reason := skipReason(err)
	if reason == "transient" && c.DeadLetters == nil {
		return fmt.Errorf("message %s/%d@%d: %w", m.Topic, m.Partition, m.Offset, err)
	}

	var cv *affiliate.ConsistencyViolationError
	if errors.As(err, &cv) {
		c.Instrumentation.ConsistencyViolation(cv)
	}
	if reason == "rejected" {
		c.logger.Warn("dropping rejected message",
			"topic", m.Topic, "partition", m.Partition, "offset", m.Offset, "error", err)
	} else {
		c.logger.Error("skipping message that cannot be applied",
			"topic", m.Topic, "partition", m.Partition, "offset", m.Offset, "reason", reason, "error", err)
	}
	c.Instrumentation.EventSkipped(reason)
	return c.deadLetter(ctx, m, reason, err)
}

// handleWithRetry retries transient failures up to MaxRetries times.
func (c *SaleConsumer) handleWithRetry(ctx context.Context, m kafka.Message) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = c.MaxRetryInterval
	b.MaxElapsedTime = 0
	retries := backoff.WithMaxRetries(b, uint64(max(c.MaxRetries, 0)))

	return backoff.RetryNotify(func() error {
		err := c.Handle(ctx, m)
		if err == nil || isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(retries, ctx), func(err error, wait time.Duration) {
		c.logger.Warn("handler error, retrying",
			"topic", m.Topic, "partition", m.Partition, "offset", m.Offset, "wait", wait, "error", err)
	})
}

func (c *SaleConsumer) deadLetter(ctx context.Context, m kafka.Message, reason string, cause error) error {
	if c.DeadLetters == nil {
		return nil
	}
	headers := append(slices.Clone(m.Headers),
		kafka.Header{Key: "dead_letter_reason", Value: []byte(reason)},
		kafka.Header{Key: "dead_letter_error", Value: []byte(cause.Error())},
		kafka.Header{Key: "source", Value: []byte(fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset))},
	)
	dl := kafka.Message{Topic: c.DeadLetterTopic, Key: m.Key, Value: m.Value, Headers: headers}
	if err := c.DeadLetters.WriteMessages(ctx, dl); err != nil {
		return fmt.Errorf("dead-letter %s/%d@%d: %w", m.Topic, m.Partition, m.Offset, err)
	}
	return nil
}

func isTransient(err error) bool {
	return errors.Is(err, affiliate.ErrTransient) || errors.Is(err, affiliate.ErrTransientExhausted)
}

func skipReason(err error) string {
	switch {
	case affiliate.IsClientError(err) || affiliate.IsNotFound(err):
		return "rejected"
	case errors.Is(err, affiliate.ErrConsistencyViolation):
		return "consistency"
	case affiliate.IsConflict(err):
		return "conflict"
	case isTransient(err):
		return "transient"
	default:
		return "failed"
	}
}

// Handle decodes one message and dispatches it.
func (c *SaleConsumer) Handle(ctx context.Context, m kafka.Message) error {
	var env Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return &affiliate.ValidationError{Field: "message", Reason: err.Error()}
	}
	if env.EventID == "" {
		env.EventID = fmt.Sprintf("%s-%d-%d", m.Topic, m.Partition, m.Offset)
	}

	var err error
	switch env.Type {
	case EventSaleCompleted:
		_, err = c.handler.OnSaleCompleted(ctx, affiliate.SaleEvent{EventID: env.EventID, AccountID: env.AccountID, Amount: env.Amount})
	case EventSaleReversed:
		_, err = c.handler.OnSaleReversed(ctx, affiliate.SaleEvent{EventID: env.EventID, AccountID: env.AccountID, Amount: env.Amount})
	case EventPurchaseCompleted:
		_, err = c.handler.OnPurchaseCompleted(ctx, affiliate.PurchaseEvent{EventID: env.EventID, AccountID: env.AccountID, Amount: env.Amount})
	default:
		return &affiliate.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown event type %q", env.Type)}
	}
	return err
}

// Close closes the reader and, if set, the dead-letter writer.
func (c *SaleConsumer) Close() error {
	var errs []error
	if err := c.reader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing kafka reader: %w", err))
	}
	if c.DeadLetters != nil {
		if err := c.DeadLetters.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing dead-letter writer: %w", err))
		}
	}
	return errors.Join(errs...)
}
