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

package fake

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	logstypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"

	"github.com/cloudburst-labs/cloudburst/pkg/aws/sdk"
)

// LogsBehavior exposes per-call overrides for the log service double.
type LogsBehavior struct {
	CreateLogGroupBehavior     MockedFunction[cloudwatchlogs.CreateLogGroupInput, cloudwatchlogs.CreateLogGroupOutput]
	PutRetentionPolicyBehavior MockedFunction[cloudwatchlogs.PutRetentionPolicyInput, cloudwatchlogs.PutRetentionPolicyOutput]
	DescribeLogStreamsBehavior MockedFunction[cloudwatchlogs.DescribeLogStreamsInput, cloudwatchlogs.DescribeLogStreamsOutput]
	GetLogEventsBehavior       MockedFunction[cloudwatchlogs.GetLogEventsInput, cloudwatchlogs.GetLogEventsOutput]
}

// LogsAPI is an in-memory log service: groups with retention, streams, and
// ordered events that tests append with AddLogEvents.
type LogsAPI struct {
	sdk.LogsAPI
	LogsBehavior

	mu        sync.Mutex
	retention map[string]int32
	streams   map[string]map[string][]logstypes.OutputLogEvent
}

func NewLogsAPI() *LogsAPI {
	l := &LogsAPI{}
	l.resetState()
	return l
}

// Reset must be called between tests.
func (l *LogsAPI) Reset() {
	l.CreateLogGroupBehavior.Reset()
	l.PutRetentionPolicyBehavior.Reset()
	l.DescribeLogStreamsBehavior.Reset()
	l.GetLogEventsBehavior.Reset()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetState()
}

func (l *LogsAPI) resetState() {
	l.retention = map[string]int32{}
	l.streams = map[string]map[string][]logstypes.OutputLogEvent{}
}

// Retention returns a group's retention in days, zero when unset.
func (l *LogsAPI) Retention(group string) int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retention[group]
}

// AddLogEvents appends messages to a stream, creating the group and stream
// as the log driver would.
func (l *LogsAPI) AddLogEvents(group, stream string, messages ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.streams[group]; !ok {
		l.streams[group] = map[string][]logstypes.OutputLogEvent{}
	}
	now := time.Now().UnixMilli()
	for i, message := range messages {
		l.streams[group][stream] = append(l.streams[group][stream], logstypes.OutputLogEvent{
			Timestamp:     aws.Int64(now + int64(i)),
			IngestionTime: aws.Int64(now + int64(i)),
			Message:       aws.String(message),
		})
	}
}

func (l *LogsAPI) CreateLogGroup(_ context.Context, input *cloudwatchlogs.CreateLogGroupInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error) {
	return l.CreateLogGroupBehavior.Invoke(input, func(input *cloudwatchlogs.CreateLogGroupInput) (*cloudwatchlogs.CreateLogGroupOutput, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		group := aws.ToString(input.LogGroupName)
		if _, ok := l.streams[group]; ok {
			return nil, apiError("ResourceAlreadyExistsException", fmt.Sprintf("The specified log group already exists: %s", group))
		}
		l.streams[group] = map[string][]logstypes.OutputLogEvent{}
		return &cloudwatchlogs.CreateLogGroupOutput{}, nil
	})
}

func (l *LogsAPI) PutRetentionPolicy(_ context.Context, input *cloudwatchlogs.PutRetentionPolicyInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutRetentionPolicyOutput, error) {
	return l.PutRetentionPolicyBehavior.Invoke(input, func(input *cloudwatchlogs.PutRetentionPolicyInput) (*cloudwatchlogs.PutRetentionPolicyOutput, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		group := aws.ToString(input.LogGroupName)
		if _, ok := l.streams[group]; !ok {
			return nil, apiError("ResourceNotFoundException", fmt.Sprintf("The specified log group does not exist: %s", group))
		}
		l.retention[group] = aws.ToInt32(input.RetentionInDays)
		return &cloudwatchlogs.PutRetentionPolicyOutput{}, nil
	})
}

func (l *LogsAPI) DescribeLogStreams(_ context.Context, input *cloudwatchlogs.DescribeLogStreamsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogStreamsOutput, error) {
	return l.DescribeLogStreamsBehavior.Invoke(input, func(input *cloudwatchlogs.DescribeLogStreamsInput) (*cloudwatchlogs.DescribeLogStreamsOutput, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		group, ok := l.streams[aws.ToString(input.LogGroupName)]
		if !ok {
			return nil, apiError("ResourceNotFoundException", "The specified log group does not exist.")
		}
		var names []string
		for name := range group {
			if prefix := aws.ToString(input.LogStreamNamePrefix); prefix != "" && !strings.HasPrefix(name, prefix) {
				continue
			}
			names = append(names, name)
		}
		sort.Strings(names)
		out := &cloudwatchlogs.DescribeLogStreamsOutput{}
		for _, name := range names {
			stream := logstypes.LogStream{LogStreamName: aws.String(name)}
			if events := group[name]; len(events) > 0 {
				stream.FirstEventTimestamp = events[0].Timestamp
				stream.LastEventTimestamp = events[len(events)-1].Timestamp
			}
			out.LogStreams = append(out.LogStreams, stream)
		}
		return out, nil
	})
}

func (l *LogsAPI) GetLogEvents(_ context.Context, input *cloudwatchlogs.GetLogEventsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.GetLogEventsOutput, error) {
	return l.GetLogEventsBehavior.Invoke(input, func(input *cloudwatchlogs.GetLogEventsInput) (*cloudwatchlogs.GetLogEventsOutput, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		group, ok := l.streams[aws.ToString(input.LogGroupName)]
		if !ok {
			return nil, apiError("ResourceNotFoundException", "The specified log group does not exist.")
		}
		events, ok := group[aws.ToString(input.LogStreamName)]
		if !ok {
			return nil, apiError("ResourceNotFoundException", "The specified log stream does not exist.")
		}
		// One page; the forward token stabilizes at the stream end so readers
		// polling for completion terminate.
		start := 0
		if token := aws.ToString(input.NextToken); strings.HasPrefix(token, "f/") {
			start, _ = strconv.Atoi(strings.TrimPrefix(token, "f/"))
		}
		if start > len(events) {
			start = len(events)
		}
		return &cloudwatchlogs.GetLogEventsOutput{
			Events:            events[start:],
			NextForwardToken:  aws.String("f/" + strconv.Itoa(len(events))),
			NextBackwardToken: aws.String("b/0"),
		}, nil
	})
}
