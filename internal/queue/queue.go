// DPROD Job Queue
// SQS transport for deployment jobs. The orchestrator sends, workers
// long-poll. Delivery is at-least-once: a message is deleted only after
// the worker persists a terminal state, so every failure mode short of
// that redelivers.

// Package queue provides the SQS job transport.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"dprod/internal/errdefs"
)

// MaxMessageBytes is the SQS message size limit. Jobs whose encoded body
// exceeds it are rejected before sending.
const MaxMessageBytes = 256 * 1024

// defaultWaitTime is the long-poll duration, the SQS maximum.
const defaultWaitTime = 20 * time.Second

// maxReceiveBatch is the SQS per-receive message cap.
const maxReceiveBatch = 10

// api is the slice of the SQS client the queue needs. Tests substitute a
// fake.
type api interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Options configures the queue connection.
type Options struct {
	QueueURL string
	Region   string

	// EndpointURL overrides the SQS endpoint for local stacks.
	EndpointURL string

	// Static credentials. When empty the default AWS credential chain
	// applies.
	AccessKeyID     string
	SecretAccessKey string

	// VisibilityTimeout is how long a received message stays hidden from
	// other workers.
	VisibilityTimeout time.Duration

	// WaitTime is the long-poll duration, capped at the SQS maximum.
	WaitTime time.Duration
}

// Queue is an SQS-backed job queue.
type Queue struct {
	client     api
	url        string
	visibility time.Duration
	wait       time.Duration
}

// New builds a queue from the default AWS config chain plus any explicit
// overrides in opts.
func New(ctx context.Context, opts Options) (*Queue, error) {
	if opts.QueueURL == "" {
		return nil, errdefs.Queue(fmt.Errorf("queue URL is required"))
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errdefs.Queue(fmt.Errorf("load aws config: %w", err))
	}

	var clientOpts []func(*sqs.Options)
	if opts.EndpointURL != "" {
		clientOpts = append(clientOpts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(opts.EndpointURL)
		})
	}

	return newQueue(sqs.NewFromConfig(awsCfg, clientOpts...), opts), nil
}

// NewFromClient wires a queue over an existing client. Used by tests.
func NewFromClient(client api, opts Options) *Queue {
	return newQueue(client, opts)
}

func newQueue(client api, opts Options) *Queue {
	wait := opts.WaitTime
	if wait <= 0 || wait > defaultWaitTime {
		wait = defaultWaitTime
	}
	return &Queue{
		client:     client,
		url:        opts.QueueURL,
		visibility: opts.VisibilityTimeout,
		wait:       wait,
	}
}

// URL returns the queue URL.
func (q *Queue) URL() string {
	return q.url
}

// ReceivedMessage is one delivered job plus the handle needed to delete or
// extend it.
type ReceivedMessage struct {
	ID            string
	Body          []byte
	ReceiptHandle string
	Attributes    map[string]string
}

// Send publishes a job body with optional string message attributes and
// returns the message ID.
func (q *Queue) Send(ctx context.Context, body []byte, attrs map[string]string) (string, error) {
	if len(body) > MaxMessageBytes {
		return "", errdefs.Queue(fmt.Errorf("message body is %d bytes, exceeds SQS limit of %d", len(body), MaxMessageBytes))
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(string(body)),
	}
	if len(attrs) > 0 {
		input.MessageAttributes = make(map[string]sqstypes.MessageAttributeValue, len(attrs))
		for k, v := range attrs {
			input.MessageAttributes[k] = sqstypes.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(v),
			}
		}
	}

	out, err := q.client.SendMessage(ctx, input)
	if err != nil {
		return "", errdefs.Queue(fmt.Errorf("send message: %w", err))
	}
	return aws.ToString(out.MessageId), nil
}

// Receive long-polls for up to max messages. max is clamped to the SQS
// batch limit; a slow empty poll returns an empty slice, not an error.
func (q *Queue) Receive(ctx context.Context, max int) ([]ReceivedMessage, error) {
	if max < 1 {
		max = 1
	}
	if max > maxReceiveBatch {
		max = maxReceiveBatch
	}

	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.url),
		MaxNumberOfMessages:   int32(max),
		WaitTimeSeconds:       int32(q.wait.Seconds()),
		MessageAttributeNames: []string{"All"},
	}
	if q.visibility > 0 {
		input.VisibilityTimeout = int32(q.visibility.Seconds())
	}

	out, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, errdefs.Queue(fmt.Errorf("receive messages: %w", err))
	}

	msgs := make([]ReceivedMessage, 0, len(out.Messages))
	for _, m := range out.Messages {
		rm := ReceivedMessage{
			ID:            aws.ToString(m.MessageId),
			Body:          []byte(aws.ToString(m.Body)),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		}
		if len(m.MessageAttributes) > 0 {
			rm.Attributes = make(map[string]string, len(m.MessageAttributes))
			for k, v := range m.MessageAttributes {
				rm.Attributes[k] = aws.ToString(v.StringValue)
			}
		}
		msgs = append(msgs, rm)
	}
	return msgs, nil
}

// Delete acknowledges a message so it is never redelivered.
func (q *Queue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return errdefs.Queue(fmt.Errorf("delete message: %w", err))
	}
	return nil
}

// ExtendVisibility pushes a message's visibility timeout out by d, keeping
// long builds invisible to other workers.
func (q *Queue) ExtendVisibility(ctx context.Context, receiptHandle string, d time.Duration) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.url),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(d.Seconds()),
	})
	if err != nil {
		return errdefs.Queue(fmt.Errorf("change message visibility: %w", err))
	}
	return nil
}
