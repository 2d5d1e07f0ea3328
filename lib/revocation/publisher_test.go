package revocation

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	awsrequest "github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"
)

type fakeSNS struct {
	snsiface.SNSAPI
	inputs []*sns.PublishInput
}

func (f *fakeSNS) PublishWithContext(_ aws.Context, input *sns.PublishInput, _ ...awsrequest.Option) (*sns.PublishOutput, error) {
	f.inputs = append(f.inputs, input)
	return &sns.PublishOutput{}, nil
}

func TestSNSPublisher(t *testing.T) {
	fake := &fakeSNS{}
	publisher := &SNSPublisher{client: fake, topicARN: "arn:aws:sns:eu-west-2:0000:credential-revoked"}

	revokedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, publisher.Publish(context.Background(), Event{
		CredentialID:   "CRED-1",
		CredentialType: "Training Placement",
		TisID:          "PL1",
		RevokedAt:      revokedAt,
		Reason:         ReasonDeleted,
	}))

	require.Len(t, fake.inputs, 1)
	require.Equal(t, "arn:aws:sns:eu-west-2:0000:credential-revoked", aws.StringValue(fake.inputs[0].TopicArn))

	var event Event
	require.NoError(t, jsoniter.ConfigCompatibleWithStandardLibrary.UnmarshalFromString(aws.StringValue(fake.inputs[0].Message), &event))
	require.Equal(t, "CRED-1", event.CredentialID)
	require.Equal(t, "PL1", event.TisID)
	require.Equal(t, revokedAt, event.RevokedAt)
}
