package source

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/recivo/notifyd/internal/notify"
)

// SQSConfig holds SQS source settings.
type SQSConfig struct {
	Region   string
	QueueURL string

	// WaitTime is the long-poll duration per receive (max 20s).
	WaitTime time.Duration

	// Buffer is the event channel capacity.
	Buffer int
}

// SQSSource consumes change events from an SQS queue. SQS delivery is
// at-least-once and not ordered, which is exactly the contract the
// ingestion pipeline assumes; duplicates and out-of-order arrivals are the
// pipeline's problem, not this transport's. Messages are deleted only
// after hand-off to the event channel.
type SQSSource struct {
	client   *sqs.Client
	queueURL string
	cfg      SQSConfig
	logger   *zap.Logger
}

// NewSQSSource creates an SQS-backed source.
func NewSQSSource(ctx context.Context, cfg SQSConfig, logger *zap.Logger) (*SQSSource, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if cfg.WaitTime <= 0 || cfg.WaitTime > 20*time.Second {
		cfg.WaitTime = 20 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}

	logger.Info("sqs source initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &SQSSource{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Probe checks queue reachability with a single attribute fetch.
func (s *SQSSource) Probe(ctx context.Context) error {
	_, err := s.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(s.queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return fmt.Errorf("probe queue: %w", err)
	}
	return nil
}

// Subscribe starts the long-poll loop. The queue is expected to be
// per-recipient; the filter is applied client-side on top of it.
func (s *SQSSource) Subscribe(ctx context.Context, filter notify.Filter) (<-chan notify.Event, func(), error) {
	// Fail synchronously when the queue is unreachable at setup time.
	if err := s.Probe(ctx); err != nil {
		return nil, nil, err
	}

	pollCtx, cancel := context.WithCancel(ctx)
	events := make(chan notify.Event, s.cfg.Buffer)

	go func() {
		defer close(events)
		for {
			out, err := s.client.ReceiveMessage(pollCtx, &sqs.ReceiveMessageInput{
				QueueUrl:            aws.String(s.queueURL),
				MaxNumberOfMessages: 10,
				WaitTimeSeconds:     int32(s.cfg.WaitTime / time.Second),
			})
			if err != nil {
				if pollCtx.Err() == nil {
					s.logger.Warn("sqs receive failed", zap.Error(err))
				}
				return
			}

			for _, m := range out.Messages {
				ev, ok := s.decode(m)
				if ok && (filter.Empty() || filter.Match(ev.Record)) {
					select {
					case events <- ev:
					case <-pollCtx.Done():
						return
					}
				}

				// Delete regardless of filtering: a policy-filtered
				// message would otherwise redeliver forever.
				if _, err := s.client.DeleteMessage(pollCtx, &sqs.DeleteMessageInput{
					QueueUrl:      aws.String(s.queueURL),
					ReceiptHandle: m.ReceiptHandle,
				}); err != nil && pollCtx.Err() == nil {
					s.logger.Warn("sqs delete failed", zap.Error(err))
				}
			}
		}
	}()

	unsubscribe := func() { cancel() }
	return events, unsubscribe, nil
}

func (s *SQSSource) decode(m types.Message) (notify.Event, bool) {
	if m.Body == nil {
		return notify.Event{}, false
	}
	var frame wireEvent
	if err := json.Unmarshal([]byte(*m.Body), &frame); err != nil {
		s.logger.Warn("malformed sqs message dropped", zap.Error(err))
		return notify.Event{}, false
	}
	kind, ok := notify.ParseEventKind(frame.Kind)
	if !ok {
		s.logger.Warn("sqs message with unknown event kind dropped",
			zap.String("kind", frame.Kind),
		)
		return notify.Event{}, false
	}
	return notify.Event{Kind: kind, Record: frame.Record, ReceivedAt: time.Now()}, true
}
