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
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/cloudburst-labs/cloudburst/pkg/aws/sdk"
)

// SQSBehavior exposes per-call overrides for the queue double.
type SQSBehavior struct {
	GetQueueURLBehavior    MockedFunction[sqs.GetQueueUrlInput, sqs.GetQueueUrlOutput]
	ReceiveMessageBehavior MockedFunction[sqs.ReceiveMessageInput, sqs.ReceiveMessageOutput]
	DeleteMessageBehavior  MockedFunction[sqs.DeleteMessageInput, sqs.DeleteMessageOutput]
}

// SQSAPI is an in-memory queue. Tests create queues and enqueue bodies;
// received messages move in flight until deleted by receipt handle.
type SQSAPI struct {
	sdk.SQSAPI
	SQSBehavior

	mu       sync.Mutex
	queues   map[string]string
	visible  map[string][]sqstypes.Message
	inflight map[string]string
}

func NewSQSAPI() *SQSAPI {
	s := &SQSAPI{}
	s.resetState()
	return s
}

// Reset must be called between tests.
func (s *SQSAPI) Reset() {
	s.GetQueueURLBehavior.Reset()
	s.ReceiveMessageBehavior.Reset()
	s.DeleteMessageBehavior.Reset()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetState()
}

func (s *SQSAPI) resetState() {
	s.queues = map[string]string{}
	s.visible = map[string][]sqstypes.Message{}
	s.inflight = map[string]string{}
}

// CreateQueue provisions a queue and returns its URL.
func (s *SQSAPI) CreateQueue(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	url := QueueURL(name)
	s.queues[name] = url
	return url
}

// SendMessage enqueues one body on a queue created with CreateQueue.
func (s *SQSAPI) SendMessage(name, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	url := s.queues[name]
	s.visible[url] = append(s.visible[url], sqstypes.Message{
		MessageId:     aws.String(randomHex(32)),
		ReceiptHandle: aws.String(randomHex(48)),
		Body:          aws.String(body),
	})
}

// SendSpotWarning enqueues an event bridge spot interruption warning for an
// instance.
func (s *SQSAPI) SendSpotWarning(name, instanceID string) {
	s.SendMessage(name, fmt.Sprintf(
		`{"source":"aws.ec2","detail-type":"EC2 Spot Instance Interruption Warning","time":%q,"detail":{"instance-id":%q,"instance-action":"terminate"}}`,
		time.Now().UTC().Format(time.RFC3339), instanceID))
}

// MessageCount returns how many messages remain visible on a queue.
func (s *SQSAPI) MessageCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.visible[s.queues[name]])
}

// InFlightCount returns how many received messages await deletion.
func (s *SQSAPI) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

//nolint:revive,stylecheck
func (s *SQSAPI) GetQueueUrl(_ context.Context, input *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	return s.GetQueueURLBehavior.Invoke(input, func(input *sqs.GetQueueUrlInput) (*sqs.GetQueueUrlOutput, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		url, ok := s.queues[aws.ToString(input.QueueName)]
		if !ok {
			return nil, apiError("AWS.SimpleQueueService.NonExistentQueue", "The specified queue does not exist.")
		}
		return &sqs.GetQueueUrlOutput{QueueUrl: aws.String(url)}, nil
	})
}

func (s *SQSAPI) ReceiveMessage(_ context.Context, input *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	return s.ReceiveMessageBehavior.Invoke(input, func(input *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		url := aws.ToString(input.QueueUrl)
		max := int(input.MaxNumberOfMessages)
		if max <= 0 {
			max = 1
		}
		if max > len(s.visible[url]) {
			max = len(s.visible[url])
		}
		out := &sqs.ReceiveMessageOutput{Messages: s.visible[url][:max]}
		s.visible[url] = s.visible[url][max:]
		for _, msg := range out.Messages {
			s.inflight[aws.ToString(msg.ReceiptHandle)] = url
		}
		return out, nil
	})
}

func (s *SQSAPI) DeleteMessage(_ context.Context, input *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	return s.DeleteMessageBehavior.Invoke(input, func(input *sqs.DeleteMessageInput) (*sqs.DeleteMessageOutput, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		handle := aws.ToString(input.ReceiptHandle)
		if _, ok := s.inflight[handle]; !ok {
			return nil, apiError("ReceiptHandleIsInvalid", "The input receipt handle is invalid.")
		}
		delete(s.inflight, handle)
		return &sqs.DeleteMessageOutput{}, nil
	})
}
