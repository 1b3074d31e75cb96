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

// Package backoff is the retry policy applied to every cloud call:
// exponential backoff with jitter and a pluggable retryable-error predicate.
// Only faults the predicate accepts are retried; everything else surfaces
// immediately.
package backoff

import (
	"context"
	"time"

	"github.com/avast/retry-go"

	"github.com/cloudburst-labs/cloudburst/pkg/errors"
)

// Policy bounds the retries of one class of operation.
type Policy struct {
	Attempts  uint
	Delay     time.Duration
	MaxDelay  time.Duration
	MaxJitter time.Duration
	// Retryable decides whether a fault is worth another attempt. A nil
	// predicate retries nothing.
	Retryable func(error) bool
}

var (
	// ObjectStore covers bucket operations, whose retryable set includes the
	// store's SlowDown throttle.
	ObjectStore = Policy{
		Attempts:  5,
		Delay:     200 * time.Millisecond,
		MaxDelay:  5 * time.Second,
		MaxJitter: 200 * time.Millisecond,
		Retryable: errors.IsAWSTransient,
	}
	// ContainerService covers task launches and describe lookups.
	ContainerService = Policy{
		Attempts:  4,
		Delay:     500 * time.Millisecond,
		MaxDelay:  10 * time.Second,
		MaxJitter: 500 * time.Millisecond,
		Retryable: errors.IsAWSTransient,
	}
	// Manifest spaces out compare-and-swap reattempts after lost races.
	Manifest = Policy{
		Attempts:  8,
		Delay:     100 * time.Millisecond,
		MaxDelay:  2 * time.Second,
		MaxJitter: 150 * time.Millisecond,
		Retryable: errors.IsPreconditionFailed,
	}
)

// Do runs fn under the policy, stopping early when ctx is done or when the
// predicate rejects the observed error. On exhaustion the last observed
// error is returned.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = func(error) bool { return false }
	}
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(p.Attempts),
		retry.Delay(p.Delay),
		retry.MaxDelay(p.MaxDelay),
		retry.MaxJitter(p.MaxJitter),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(retryable),
		retry.LastErrorOnly(true),
	)
}
