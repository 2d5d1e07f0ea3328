package revocation

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"github.com/gravitational/trace"
	jsoniter "github.com/json-iterator/go"
)

// Event describes one credential revocation for downstream consumers.
type Event struct {
	CredentialID   string    `json:"credentialId"`
	CredentialType string    `json:"credentialType"`
	TisID          string    `json:"tisId"`
	RevokedAt      time.Time `json:"revokedAt"`
	Reason         string    `json:"reason"`
}

// Publisher emits revocation events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// SNSPublisher publishes revocation events on an SNS topic.
type SNSPublisher struct {
	client   snsiface.SNSAPI
	topicARN string
}

// NewSNSPublisher creates a publisher on an existing AWS session.
func NewSNSPublisher(sess *session.Session, topicARN string) *SNSPublisher {
	return &SNSPublisher{client: sns.New(sess), topicARN: topicARN}
}

// Publish implements Publisher.
func (p *SNSPublisher) Publish(ctx context.Context, event Event) error {
	message, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(event)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = p.client.PublishWithContext(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(message)),
	})
	return trace.Wrap(err)
}
