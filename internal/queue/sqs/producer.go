package sqsqueue

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"votedispatch/internal/store"
)

// API is the subset of *sqs.Client the failure queue uses.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Producer publishes terminal failure reports to the operations queue.
type Producer struct {
	SQS      API
	QueueURL string
}

func (p *Producer) Publish(ctx context.Context, f store.Failure) error {
	body, err := json.Marshal(f)
	if err != nil {
		return err
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"kind": {DataType: str("String"), StringValue: str(string(f.Kind))},
		},
	}
	if strings.HasSuffix(p.QueueURL, ".fifo") {
		// one ordered stream per failure kind
		in.MessageGroupId = str(string(f.Kind))
		in.MessageDeduplicationId = str(f.ID)
	}
	_, err = p.SQS.SendMessage(ctx, in)
	return err
}

func str(s string) *string { return &s }
