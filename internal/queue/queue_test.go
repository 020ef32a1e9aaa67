package queue

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dprod/internal/errdefs"
)

type fakeSQS struct {
	sendInput    *sqs.SendMessageInput
	sendErr      error
	receiveInput *sqs.ReceiveMessageInput
	receiveOut   *sqs.ReceiveMessageOutput
	receiveErr   error
	deleteInput  *sqs.DeleteMessageInput
	deleteErr    error
	visInput     *sqs.ChangeMessageVisibilityInput
	visErr       error
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sendInput = params
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.receiveInput = params
	if f.receiveErr != nil {
		return nil, f.receiveErr
	}
	if f.receiveOut != nil {
		return f.receiveOut, nil
	}
	return &sqs.ReceiveMessageOutput{}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleteInput = params
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.visInput = params
	if f.visErr != nil {
		return nil, f.visErr
	}
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func newTestQueue(fake *fakeSQS) *Queue {
	return NewFromClient(fake, Options{
		QueueURL:          "https://sqs.test/queue",
		VisibilityTimeout: 900 * time.Second,
	})
}

func TestSend(t *testing.T) {
	t.Parallel()

	fake := &fakeSQS{}
	q := newTestQueue(fake)

	id, err := q.Send(context.Background(), []byte(`{"deployment_id":"dep-1"}`), map[string]string{
		"deployment_id": "dep-1",
		"project_name":  "demo",
	})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)

	require.NotNil(t, fake.sendInput)
	assert.Equal(t, "https://sqs.test/queue", aws.ToString(fake.sendInput.QueueUrl))
	assert.Contains(t, aws.ToString(fake.sendInput.MessageBody), "dep-1")

	attr, ok := fake.sendInput.MessageAttributes["deployment_id"]
	require.True(t, ok)
	assert.Equal(t, "String", aws.ToString(attr.DataType))
	assert.Equal(t, "dep-1", aws.ToString(attr.StringValue))
}

func TestSendRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	q := newTestQueue(&fakeSQS{})
	_, err := q.Send(context.Background(), []byte(strings.Repeat("x", MaxMessageBytes+1)), nil)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindQueue, errdefs.KindOf(err))
}

func TestSendWrapsClientError(t *testing.T) {
	t.Parallel()

	q := newTestQueue(&fakeSQS{sendErr: errors.New("throttled")})
	_, err := q.Send(context.Background(), []byte("{}"), nil)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindQueue, errdefs.KindOf(err))
	assert.True(t, errdefs.IsRetryable(err))
}

func TestReceive(t *testing.T) {
	t.Parallel()

	fake := &fakeSQS{
		receiveOut: &sqs.ReceiveMessageOutput{
			Messages: []sqstypes.Message{
				{
					MessageId:     aws.String("m1"),
					Body:          aws.String(`{"deployment_id":"dep-1"}`),
					ReceiptHandle: aws.String("rh1"),
					MessageAttributes: map[string]sqstypes.MessageAttributeValue{
						"project_name": {DataType: aws.String("String"), StringValue: aws.String("demo")},
					},
				},
				{
					MessageId:     aws.String("m2"),
					Body:          aws.String(`{"deployment_id":"dep-2"}`),
					ReceiptHandle: aws.String("rh2"),
				},
			},
		},
	}
	q := newTestQueue(fake)

	msgs, err := q.Receive(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "rh1", msgs[0].ReceiptHandle)
	assert.Equal(t, "demo", msgs[0].Attributes["project_name"])
	assert.Contains(t, string(msgs[1].Body), "dep-2")

	require.NotNil(t, fake.receiveInput)
	assert.EqualValues(t, 3, fake.receiveInput.MaxNumberOfMessages)
	assert.EqualValues(t, 20, fake.receiveInput.WaitTimeSeconds)
	assert.EqualValues(t, 900, fake.receiveInput.VisibilityTimeout)
}

func TestReceiveClampsBatchSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		max  int
		want int32
	}{
		{"above sqs cap", 25, 10},
		{"zero", 0, 1},
		{"negative", -4, 1},
		{"in range", 7, 7},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fake := &fakeSQS{}
			q := newTestQueue(fake)

			_, err := q.Receive(context.Background(), tc.max)
			require.NoError(t, err)
			assert.Equal(t, tc.want, fake.receiveInput.MaxNumberOfMessages)
		})
	}
}

func TestReceiveEmptyPoll(t *testing.T) {
	t.Parallel()

	q := newTestQueue(&fakeSQS{})
	msgs, err := q.Receive(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDelete(t *testing.T) {
	t.Parallel()

	fake := &fakeSQS{}
	q := newTestQueue(fake)

	require.NoError(t, q.Delete(context.Background(), "rh1"))
	require.NotNil(t, fake.deleteInput)
	assert.Equal(t, "rh1", aws.ToString(fake.deleteInput.ReceiptHandle))

	fake.deleteErr = errors.New("gone")
	err := q.Delete(context.Background(), "rh1")
	assert.Equal(t, errdefs.KindQueue, errdefs.KindOf(err))
}

func TestExtendVisibility(t *testing.T) {
	t.Parallel()

	fake := &fakeSQS{}
	q := newTestQueue(fake)

	require.NoError(t, q.ExtendVisibility(context.Background(), "rh1", 15*time.Minute))
	require.NotNil(t, fake.visInput)
	assert.Equal(t, "rh1", aws.ToString(fake.visInput.ReceiptHandle))
	assert.EqualValues(t, 900, fake.visInput.VisibilityTimeout)
}
