package awsutil

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	configv2 "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

const localRegion = "us-east-1"

// NewSQSClient builds a client for region. A non-empty endpoint (LocalStack,
// e.g. http://localhost:4566) gets static dummy credentials and a default
// region when none is set.
func NewSQSClient(ctx context.Context, region, endpoint string) (*sqs.Client, error) {
	if region == "" && endpoint != "" {
		region = localRegion
	}
	var opts []func(*configv2.LoadOptions) error
	if region != "" {
		opts = append(opts, configv2.WithRegion(region))
	}
	if endpoint != "" {
		opts = append(opts, configv2.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", ""),
		))
	}

	cfg, err := configv2.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	if endpoint != "" {
		return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		}), nil
	}
	return sqs.NewFromConfig(cfg), nil
}
