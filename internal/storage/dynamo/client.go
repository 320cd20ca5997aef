package dynamo

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// ClientConfig selects the region and, optionally, a custom endpoint such as
// DynamoDB Local.
type ClientConfig struct {
	Region   string
	Endpoint string
}

// NewClient loads the default AWS credential chain and returns a DynamoDB
// client.
func NewClient(ctx context.Context, c ClientConfig) (*dyn.Client, error) {
	region := c.Region
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return dyn.NewFromConfig(cfg, func(o *dyn.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
		}
	}), nil
}
