// Package queue provides the SQS producer that announces sensor state
// transitions to downstream consumers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"momentwatch/internal/config"
	"momentwatch/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// TransitionPublisher serializes StateTransitions and sends them to the
// transitions queue. It satisfies scheduler.TransitionPublisher.
type TransitionPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewTransitionPublisher creates a TransitionPublisher for the queue named in
// awsCfg.TransitionQueue.
func NewTransitionPublisher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *TransitionPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransitionPublisher{
		client:   client,
		queueURL: awsCfg.TransitionQueue,
		logger:   logger,
	}
}

// PublishTransition sends one transition. Message attributes carry the region
// and the new instance so consumers can filter without decoding the body.
func (p *TransitionPublisher) PublishTransition(ctx context.Context, tr types.StateTransition) error {
	body, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal StateTransition: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"region": {
				DataType:    aws.String("String"),
				StringValue: aws.String(tr.Region),
			},
			"instance": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(tr.To)),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send StateTransition to %s: %w", p.queueURL, err)
	}

	p.logger.InfoContext(ctx, "state transition sent",
		"queue_url", p.queueURL,
		"transition_id", tr.ID,
		"cycle_id", tr.CycleID,
		"region", tr.Region,
		"from", string(tr.From),
		"to", string(tr.To),
	)

	return nil
}
