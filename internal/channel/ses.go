package channel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/camerpulse/pulsepipe/internal/util"
)

// sesAPI is the subset of the SES v2 client used by SESSender.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESOpts configures the SES sender.
type SESOpts struct {
	Region    string
	AccessKey string
	SecretKey string
	From      string
}

// SESSender sends emails via AWS SES using the SDK v2.
type SESSender struct {
	client sesAPI
	from   string
}

// NewSESSender creates an SES sender. Static credentials are used when both keys
// are set; otherwise the default AWS credential chain applies.
func NewSESSender(ctx context.Context, opts SESOpts) (*SESSender, error) {
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if opts.From == "" {
		return nil, fmt.Errorf("SES from address must be provided")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize AWS config: %w", err)
	}
	slog.Debug("SESSender initialized", "region", opts.Region, "static_credentials", opts.AccessKey != "")
	return &SESSender{client: sesv2.NewFromConfig(cfg), from: opts.From}, nil
}

// SendEmail delivers a single email through AWS SES.
func (s *SESSender) SendEmail(ctx context.Context, msg EmailMessage) (string, error) {
	from := msg.From
	if from == "" {
		from = s.from
	}
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.Body), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
	for name, value := range msg.Tags {
		if value == "" {
			continue
		}
		input.EmailTags = append(input.EmailTags, types.MessageTag{Name: aws.String(name), Value: aws.String(value)})
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		slog.Error("SESSender.SendEmail failed", "to", util.RedactEmail(msg.To), "error", err)
		return "", fmt.Errorf("ses send failed: %w", err)
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}
	slog.Debug("SESSender.SendEmail sent", "to", util.RedactEmail(msg.To), "id", messageID)
	return messageID, nil
}
