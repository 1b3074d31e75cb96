/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package interruption watches a queue of spot interruption warnings for
// pool instances. Warnings are advisory: the dispatcher logs and counts
// them, and the interrupted task is re-observed through its status object
// like any other failure.
package interruption

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/samber/lo"

	"github.com/cloudburst-labs/cloudburst/pkg/aws/sdk"
	"github.com/cloudburst-labs/cloudburst/pkg/errors"
	"github.com/cloudburst-labs/cloudburst/pkg/logging"
	"github.com/cloudburst-labs/cloudburst/pkg/metrics"
)

const (
	// DefaultQueueName is where the event bridge rule for spot warnings is
	// expected to deliver.
	DefaultQueueName = "cloudburst-interruptions"

	spotWarningSource     = "aws.ec2"
	spotWarningDetailType = "EC2 Spot Instance Interruption Warning"
)

// Warning is one spot interruption notice for a pool instance.
type Warning struct {
	InstanceID string
	Action     string
	Time       time.Time
}

// metadata carries the event bridge envelope fields needed to recognize a
// spot warning. Schema aws.ec2@EC2SpotInstanceInterruptionWarning v0.
type metadata struct {
	Source     string    `json:"source"`
	DetailType string    `json:"detail-type"`
	Time       time.Time `json:"time"`
	Detail     struct {
		InstanceID     string `json:"instance-id"`
		InstanceAction string `json:"instance-action"`
	} `json:"detail"`
}

type Provider struct {
	sqsapi    sdk.SQSAPI
	queueName string
	queueURL  string
}

func NewProvider(sqsapi sdk.SQSAPI, queueName string) *Provider {
	return &Provider{
		sqsapi:    sqsapi,
		queueName: lo.Ternary(queueName != "", queueName, DefaultQueueName),
	}
}

// QueueExists reports whether the warning queue is provisioned. Watching is
// skipped entirely when it is not.
func (p *Provider) QueueExists(ctx context.Context) (bool, error) {
	if _, err := p.discoverQueueURL(ctx); err != nil {
		if errors.IsAWSNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *Provider) discoverQueueURL(ctx context.Context) (string, error) {
	if p.queueURL != "" {
		return p.queueURL, nil
	}
	out, err := p.sqsapi.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(p.queueName)})
	if err != nil {
		return "", fmt.Errorf("fetching queue url for %q, %w", p.queueName, err)
	}
	p.queueURL = aws.ToString(out.QueueUrl)
	return p.queueURL, nil
}

// Poll long-polls one batch of messages, deletes everything it consumed,
// and returns the spot warnings found among them.
func (p *Provider) Poll(ctx context.Context) ([]Warning, error) {
	queueURL, err := p.discoverQueueURL(ctx)
	if err != nil {
		return nil, err
	}
	out, err := p.sqsapi.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(queueURL),
		MaxNumberOfMessages: 10,
		VisibilityTimeout:   20,
		WaitTimeSeconds:     20,
	})
	if err != nil {
		return nil, fmt.Errorf("receiving queue messages, %w", err)
	}
	var warnings []Warning
	for _, msg := range out.Messages {
		if warning, ok := parse(msg); ok {
			warnings = append(warnings, warning)
		}
		// Non-warning traffic on the queue is dropped, not redelivered.
		if _, err := p.sqsapi.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(queueURL),
			ReceiptHandle: msg.ReceiptHandle,
		}); err != nil {
			return warnings, fmt.Errorf("deleting queue message, %w", err)
		}
	}
	return warnings, nil
}

// Watch polls until ctx is done, invoking handle for each warning. Poll
// failures are logged and retried on the next cycle.
func (p *Provider) Watch(ctx context.Context, handle func(Warning)) {
	log := logging.FromContext(ctx).With("queue-name", p.queueName)
	for ctx.Err() == nil {
		warnings, err := p.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			log.Warnf("polling interruption queue, %s", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		for _, warning := range warnings {
			metrics.SpotInterruptions.Inc()
			log.With("instance-id", warning.InstanceID, "action", warning.Action).
				Infof("received spot interruption warning")
			handle(warning)
		}
	}
}

func parse(msg sqstypes.Message) (Warning, bool) {
	body := aws.ToString(msg.Body)
	if body == "" {
		return Warning{}, false
	}
	md := metadata{}
	if err := json.Unmarshal([]byte(body), &md); err != nil {
		return Warning{}, false
	}
	if md.Source != spotWarningSource || md.DetailType != spotWarningDetailType {
		return Warning{}, false
	}
	return Warning{
		InstanceID: md.Detail.InstanceID,
		Action:     md.Detail.InstanceAction,
		Time:       md.Time,
	}, true
}
