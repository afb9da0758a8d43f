package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"votedispatch/internal/store"
)

type Consumer struct {
	SQS      API
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
	Logger            *slog.Logger
}

type Handler func(ctx context.Context, f store.Failure) error

func (c *Consumer) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Poll hands each failure report to handler until ctx ends. Messages are
// deleted only after handler succeeds.
func (c *Consumer) Poll(ctx context.Context, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            &c.QueueURL,
			MaxNumberOfMessages: c.MaxMessages,
			WaitTimeSeconds:     c.WaitTimeSeconds,
			VisibilityTimeout:   c.VisibilityTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger().Error("sqs receive message failed", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}

		for _, m := range out.Messages {
			var f store.Failure
			if m.Body == nil || json.Unmarshal([]byte(*m.Body), &f) != nil {
				// bad payload => delete to avoid endless redrive
				c.delete(ctx, m.ReceiptHandle)
				continue
			}
			if err := handler(ctx, f); err != nil {
				c.logger().Error("failure report handler error", "failure_id", f.ID, "err", err)
				continue
			}
			c.delete(ctx, m.ReceiptHandle)
		}
	}
}

func (c *Consumer) delete(ctx context.Context, receipt *string) {
	_, err := c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &c.QueueURL,
		ReceiptHandle: receipt,
	})
	if err != nil {
		c.logger().Warn("sqs delete message failed", "err", err)
	}
}
