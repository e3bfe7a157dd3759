package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/uarflow/internal/metrics"
)

const defaultQueueSize = 256

// snsAPI is the part of the SNS client the sink uses.
type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSink publishes events to an SNS topic from a bounded background queue.
// Record never blocks: when the queue is full the event is dropped and logged.
type SNSSink struct {
	client   snsAPI
	topicARN string
	logger   *zap.Logger
	queue    chan Event
	timeout  time.Duration
	done     chan struct{}
}

// SNSConfig holds SNS audit publishing settings.
type SNSConfig struct {
	Region    string
	TopicARN  string
	QueueSize int
}

// NewSNSSink loads AWS config and creates a sink for the topic. Call Run to
// start publishing.
func NewSNSSink(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSink, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sns audit sink initialized", zap.String("topic_arn", cfg.TopicARN))

	return newSNSSink(sns.NewFromConfig(awsCfg), cfg.TopicARN, cfg.QueueSize, logger), nil
}

func newSNSSink(client snsAPI, topicARN string, queueSize int, logger *zap.Logger) *SNSSink {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &SNSSink{
		client:   client,
		topicARN: topicARN,
		logger:   logger,
		queue:    make(chan Event, queueSize),
		timeout:  5 * time.Second,
		done:     make(chan struct{}),
	}
}

// Record enqueues e for publishing.
func (s *SNSSink) Record(_ context.Context, e Event) {
	select {
	case s.queue <- stamp(e):
	default:
		metrics.RecordAuditDropped()
		s.logger.Warn("audit queue full, event dropped",
			zap.String("event_type", e.Type),
			zap.String("subject", e.Subject),
		)
	}
}

// Run publishes queued events until ctx is cancelled, then drains what is
// left with a fresh deadline.
func (s *SNSSink) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case e := <-s.queue:
			s.publish(ctx, e)
		case <-ctx.Done():
			s.drain()
			return
		}
	}
}

// Wait blocks until Run has returned.
func (s *SNSSink) Wait() {
	<-s.done
}

func (s *SNSSink) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	for {
		select {
		case e := <-s.queue:
			s.publish(ctx, e)
		default:
			return
		}
	}
}

func (s *SNSSink) publish(ctx context.Context, e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		s.logger.Warn("failed to marshal audit event", zap.Error(err), zap.String("event_type", e.Type))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err = s.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(e.Type),
			},
		},
	})
	if err != nil {
		s.logger.Warn("failed to publish audit event",
			zap.Error(err),
			zap.String("event_type", e.Type),
			zap.String("subject", e.Subject),
		)
	}
}
