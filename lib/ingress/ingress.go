// Package ingress consumes the upstream record-of-truth mutation queues and
// translates delete/update events into revocation calls.
package ingress

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	awsSession "github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/gravitational/trace"
	"github.com/tidwall/gjson"

	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/credential"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/job"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/logger"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/revocation"
)

const (
	// receiveWaitSeconds enables SQS long polling.
	receiveWaitSeconds = 20
	// receiveBatchSize is the maximum number of messages per receive.
	receiveBatchSize = 10

	receiveRetryDelay = 5 * time.Second
)

// Config is the AWS section of the configuration file.
type Config struct {
	Region  string `toml:"region"`
	Profile string `toml:"profile"`

	ProgrammeDeleteQueue string `toml:"programme-delete-queue"`
	ProgrammeUpdateQueue string `toml:"programme-update-queue"`
	PlacementDeleteQueue string `toml:"placement-delete-queue"`
	PlacementUpdateQueue string `toml:"placement-update-queue"`

	// RevocationTopic is the SNS topic revocation events are published
	// on. Optional.
	RevocationTopic string `toml:"revocation-topic"`
}

// Enabled reports whether any queue is configured.
func (c *Config) Enabled() bool {
	return c.ProgrammeDeleteQueue != "" || c.ProgrammeUpdateQueue != "" ||
		c.PlacementDeleteQueue != "" || c.PlacementUpdateQueue != ""
}

// CheckAndSetDefaults validates the AWS config.
func (c *Config) CheckAndSetDefaults() error {
	if (c.Enabled() || c.RevocationTopic != "") && c.Region == "" {
		return trace.BadParameter("missing required value aws.region")
	}
	return nil
}

// NewSession builds an AWS session from the config.
func NewSession(c Config) (*awsSession.Session, error) {
	opts := awsSession.Options{
		Config: aws.Config{
			Region:                        aws.String(c.Region),
			CredentialsChainVerboseErrors: aws.Bool(true),
		},
	}
	// If the aws profile was set, set it in the aws session options.
	if c.Profile != "" {
		opts.Profile = c.Profile
		opts.SharedConfigState = awsSession.SharedConfigEnable
	}
	session, err := awsSession.NewSessionWithOptions(opts)
	return session, trace.Wrap(err)
}

// Revoker is the slice of the revocation engine the consumers need.
type Revoker interface {
	Revoke(ctx context.Context, tisID string, t credential.Type, at *time.Time, fingerprint, reason string) error
}

// HandlerFunc processes one raw queue message body.
type HandlerFunc func(ctx context.Context, body []byte) error

// Consumer polls one SQS queue and feeds messages to a handler. A message
// is acknowledged only after the handler returns without error, except for
// malformed messages, which can never succeed and are acknowledged to keep
// them from being redelivered forever.
type Consumer struct {
	client   sqsiface.SQSAPI
	queueURL string
	name     string
	handle   HandlerFunc
}

// NewConsumer creates a consumer of one queue.
func NewConsumer(client sqsiface.SQSAPI, queueURL, name string, handle HandlerFunc) *Consumer {
	return &Consumer{client: client, queueURL: queueURL, name: name, handle: handle}
}

// ServiceJob returns a job running the polling loop.
func (c *Consumer) ServiceJob() job.ServiceJob {
	var sj job.ServiceJob
	sj = job.NewServiceJob(func(ctx context.Context) error {
		sj.SetReady(true)
		return c.run(ctx)
	})
	return sj
}

func (c *Consumer) run(ctx context.Context) error {
	ctx, log := logger.WithField(ctx, "queue", c.name)
	log.Info("Starting queue consumer")

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		out, err := c.client.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: aws.Int64(receiveBatchSize),
			WaitTimeSeconds:     aws.Int64(receiveWaitSeconds),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WithError(err).Error("Failed to receive queue messages")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(receiveRetryDelay):
			}
			continue
		}

		for _, message := range out.Messages {
			c.processMessage(ctx, message)
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, message *sqs.Message) {
	log := logger.Get(ctx)

	err := c.handle(ctx, []byte(aws.StringValue(message.Body)))
	switch {
	case err == nil:
	case trace.IsBadParameter(err):
		// A malformed message can never succeed; drop it.
		log.WithError(err).Error("Dropping malformed queue message")
	default:
		// Leave the message for redelivery.
		log.WithError(err).Error("Failed to process queue message")
		return
	}

	if _, err := c.client.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: message.ReceiptHandle,
	}); err != nil {
		log.WithError(err).Error("Failed to acknowledge queue message")
	}
}

// DeleteHandler revokes all credentials of a deleted record.
func DeleteHandler(engine Revoker, t credential.Type) HandlerFunc {
	return func(ctx context.Context, body []byte) error {
		tisID := gjson.GetBytes(body, "tisId").String()
		if tisID == "" {
			return trace.BadParameter("delete event has no tisId")
		}
		return trace.Wrap(engine.Revoke(ctx, tisID, t, nil, "", revocation.ReasonDeleted))
	}
}

// UpdateHandler revokes all credentials of an updated record, attaching a
// content fingerprint to the modification record. Update semantics remain
// revoke-on-any-update; the fingerprint does not gate revocation yet.
func UpdateHandler(engine Revoker, t credential.Type) HandlerFunc {
	return func(ctx context.Context, body []byte) error {
		tisID := gjson.GetBytes(body, "tisId").String()
		if tisID == "" {
			return trace.BadParameter("update event has no tisId")
		}
		fingerprint, err := Fingerprint(t, gjson.GetBytes(body, "recrd.data"))
		if err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(engine.Revoke(ctx, tisID, t, nil, fingerprint, revocation.ReasonModified))
	}
}
