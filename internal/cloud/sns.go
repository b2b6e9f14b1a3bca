package cloud

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// SNSClient sends operational alerts for the ingestion poller.
type SNSClient struct {
	svc      *sns.Client
	topicArn string
}

// NewSNSClient creates an SNS client publishing to topicArn.
func NewSNSClient(ctx context.Context, region, topicArn string) (*SNSClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	return &SNSClient{
		svc:      sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}, nil
}

// SendAlert publishes one alert message.
func (c *SNSClient) SendAlert(ctx context.Context, subject, message string) error {
	input := &sns.PublishInput{
		TopicArn: aws.String(c.topicArn),
		Subject:  aws.String(subject),
		Message:  aws.String(message),
	}

	if _, err := c.svc.Publish(ctx, input); err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}
	return nil
}

// SendRunFailureAlert reports a failed energy-log run for a device.
func (c *SNSClient) SendRunFailureAlert(ctx context.Context, deviceID string, runErr error) error {
	subject := fmt.Sprintf("Energy ingestion failed for device %s", deviceID)
	message := fmt.Sprintf(
		"Energy Log Run Failure\n\n"+
			"Device: %s\n"+
			"Error: %v\n"+
			"Time: %s\n\n"+
			"The run will be retried on the next poll cycle.",
		deviceID,
		runErr,
		time.Now().Format(time.RFC3339),
	)

	return c.SendAlert(ctx, subject, message)
}
