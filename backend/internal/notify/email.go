package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"

	"familynet/backend/pkg/logger"
)

// sesSender is the part of *sesv2.Client the notifier uses
type sesSender interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// EmailNotifier sends notifications through Amazon SES
type EmailNotifier struct {
	client     sesSender
	fromEmail  string
	fromName   string
	appBaseURL string
	logger     *zap.Logger
}

// NewEmailNotifier loads the default AWS configuration for region and
// creates an SES client
func NewEmailNotifier(ctx context.Context, awsRegion, fromEmail, fromName, appBaseURL string) (*EmailNotifier, error) {
	if fromEmail == "" {
		return nil, fmt.Errorf("email notifier needs a from address")
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(awsRegion))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &EmailNotifier{
		client:     sesv2.NewFromConfig(cfg),
		fromEmail:  fromEmail,
		fromName:   fromName,
		appBaseURL: appBaseURL,
		logger:     logger.Named("email"),
	}, nil
}

func (e *EmailNotifier) Notify(ctx context.Context, n Notification) error {
	if n.RecipientEmail == "" {
		e.logger.Debug("Skipping email notification without recipient address",
			zap.String("kind", string(n.Kind)),
			zap.String("request_id", n.RequestID),
		)
		return nil
	}

	subject, body := Render(n)
	textBody := fmt.Sprintf("%s\n\nReview your requests at %s/requests\n", body, e.appBaseURL)

	fromAddress := e.fromEmail
	if e.fromName != "" {
		fromAddress = fmt.Sprintf("%s <%s>", e.fromName, e.fromEmail)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{n.RecipientEmail},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(subject),
					Charset: aws.String("UTF-8"),
				},
				Body: &types.Body{
					Text: &types.Content{
						Data:    aws.String(textBody),
						Charset: aws.String("UTF-8"),
					},
				},
			},
		},
	}

	result, err := e.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to send email to %s: %w", n.RecipientEmail, err)
	}

	fields := []zap.Field{
		zap.String("to", n.RecipientEmail),
		zap.String("kind", string(n.Kind)),
	}
	if result.MessageId != nil {
		fields = append(fields, zap.String("message_id", *result.MessageId))
	}
	e.logger.Info("Email sent", fields...)
	return nil
}
