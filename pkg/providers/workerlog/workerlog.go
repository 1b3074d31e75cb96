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

// Package workerlog reads worker container output back from the log service.
// The awslogs driver names each stream "<family>/worker/<ecs-task-id>", so a
// task id is enough to locate the stream without knowing which task
// definition revision launched it.
package workerlog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/samber/lo"

	"github.com/cloudburst-labs/cloudburst/pkg/aws/sdk"
	"github.com/cloudburst-labs/cloudburst/pkg/backoff"
	"github.com/cloudburst-labs/cloudburst/pkg/errors"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/taskdef"
)

// maxStreamPages bounds the search for a task's stream. Streams are listed
// most-recently-written first, so a live or recently stopped worker is found
// within the first page almost always.
const maxStreamPages = 5

// Line is one log event from a worker container.
type Line struct {
	Timestamp time.Time
	Message   string
}

// Provider locates and reads a worker's container log stream.
type Provider interface {
	Tail(ctx context.Context, ecsTaskID string, max int) ([]Line, error)
}

type DefaultProvider struct {
	logsapi sdk.LogsAPI
	policy  backoff.Policy
}

func NewDefaultProvider(logsapi sdk.LogsAPI) *DefaultProvider {
	return &DefaultProvider{
		logsapi: logsapi,
		policy:  backoff.ContainerService,
	}
}

// Tail returns up to max of the newest events from the stream belonging to
// ecsTaskID, oldest first. A worker that never wrote anything has no stream
// yet, which reports as not found.
func (p *DefaultProvider) Tail(ctx context.Context, ecsTaskID string, max int) ([]Line, error) {
	streamName, err := p.findStream(ctx, ecsTaskID)
	if err != nil {
		return nil, err
	}
	var out *cloudwatchlogs.GetLogEventsOutput
	if err := p.policy.Do(ctx, func() error {
		var err error
		if out, err = p.logsapi.GetLogEvents(ctx, &cloudwatchlogs.GetLogEventsInput{
			LogGroupName:  aws.String(taskdef.LogGroup),
			LogStreamName: aws.String(streamName),
			Limit:         aws.Int32(int32(max)), //nolint:gosec
			StartFromHead: aws.Bool(false),
		}); err != nil {
			return fmt.Errorf("getting log events for stream %q, %w", streamName, err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	lines := lo.Map(out.Events, func(event types.OutputLogEvent, _ int) Line {
		return Line{
			Timestamp: time.UnixMilli(lo.FromPtr(event.Timestamp)),
			Message:   lo.FromPtr(event.Message),
		}
	})
	return lines, nil
}

// findStream pages through the group's streams newest-first until one ends in
// the task id.
func (p *DefaultProvider) findStream(ctx context.Context, ecsTaskID string) (string, error) {
	var nextToken *string
	for page := 0; page < maxStreamPages; page++ {
		var out *cloudwatchlogs.DescribeLogStreamsOutput
		if err := p.policy.Do(ctx, func() error {
			var err error
			if out, err = p.logsapi.DescribeLogStreams(ctx, &cloudwatchlogs.DescribeLogStreamsInput{
				LogGroupName: aws.String(taskdef.LogGroup),
				OrderBy:      types.OrderByLastEventTime,
				Descending:   aws.Bool(true),
				NextToken:    nextToken,
			}); err != nil {
				return fmt.Errorf("describing log streams, %w", err)
			}
			return nil
		}); err != nil {
			return "", err
		}
		for _, stream := range out.LogStreams {
			if strings.HasSuffix(lo.FromPtr(stream.LogStreamName), ecsTaskID) {
				return lo.FromPtr(stream.LogStreamName), nil
			}
		}
		if nextToken = out.NextToken; nextToken == nil {
			break
		}
	}
	return "", errors.NewNotFound(fmt.Errorf("no log stream for task %s", ecsTaskID))
}
