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

package backoff_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cloudburst-labs/cloudburst/pkg/backoff"
	"github.com/cloudburst-labs/cloudburst/pkg/errors"
)

var ctx context.Context

func TestBackoff(t *testing.T) {
	ctx = context.Background()
	RegisterFailHandler(Fail)
	RunSpecs(t, "Backoff")
}

// fast keeps suite wall time negligible while preserving the retry shape.
func fast(attempts uint, retryable func(error) bool) backoff.Policy {
	return backoff.Policy{
		Attempts:  attempts,
		Delay:     time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
		MaxJitter: time.Millisecond,
		Retryable: retryable,
	}
}

var _ = Describe("Policy", func() {
	It("should return nil on first success without retrying", func() {
		calls := 0
		Expect(fast(5, errors.IsAWSTransient).Do(ctx, func() error {
			calls++
			return nil
		})).To(Succeed())
		Expect(calls).To(Equal(1))
	})
	It("should retry retryable faults until success", func() {
		calls := 0
		Expect(fast(5, errors.IsAWSTransient).Do(ctx, func() error {
			calls++
			if calls < 3 {
				return &smithy.GenericAPIError{Code: "SlowDown", Message: "slow down"}
			}
			return nil
		})).To(Succeed())
		Expect(calls).To(Equal(3))
	})
	It("should surface non-retryable faults immediately", func() {
		calls := 0
		err := fast(5, errors.IsAWSTransient).Do(ctx, func() error {
			calls++
			return &smithy.GenericAPIError{Code: "NoSuchKey", Message: "missing"}
		})
		Expect(err).To(HaveOccurred())
		Expect(calls).To(Equal(1))
	})
	It("should return the last observed error on exhaustion", func() {
		calls := 0
		err := fast(3, errors.IsAWSTransient).Do(ctx, func() error {
			calls++
			return fmt.Errorf("attempt %d, %w", calls, &smithy.GenericAPIError{Code: "ServiceUnavailable"})
		})
		Expect(calls).To(Equal(3))
		Expect(err).To(MatchError(ContainSubstring("attempt 3")))
	})
	It("should retry nothing under a nil predicate", func() {
		calls := 0
		err := fast(5, nil).Do(ctx, func() error {
			calls++
			return &smithy.GenericAPIError{Code: "SlowDown"}
		})
		Expect(err).To(HaveOccurred())
		Expect(calls).To(Equal(1))
	})
	It("should stop when the context is canceled", func() {
		cancelable, cancel := context.WithCancel(ctx)
		calls := 0
		err := fast(100, errors.IsAWSTransient).Do(cancelable, func() error {
			calls++
			if calls == 2 {
				cancel()
			}
			return &smithy.GenericAPIError{Code: "SlowDown"}
		})
		Expect(err).To(HaveOccurred())
		Expect(calls).To(BeNumerically("<", 100))
	})
})

var _ = Describe("Shared Policies", func() {
	It("should retry transient faults through the object store policy", func() {
		calls := 0
		Expect(backoff.ObjectStore.Retryable(&smithy.GenericAPIError{Code: "SlowDown"})).To(BeTrue())
		policy := backoff.ObjectStore
		policy.Delay = time.Millisecond
		policy.MaxDelay = 2 * time.Millisecond
		Expect(policy.Do(ctx, func() error {
			calls++
			if calls == 1 {
				return &smithy.GenericAPIError{Code: "InternalError"}
			}
			return nil
		})).To(Succeed())
		Expect(calls).To(Equal(2))
	})
	It("should retry only lost races through the manifest policy", func() {
		Expect(backoff.Manifest.Retryable(errors.NewPreconditionFailed(fmt.Errorf("stale")))).To(BeTrue())
		Expect(backoff.Manifest.Retryable(errors.NewNotFound(fmt.Errorf("gone")))).To(BeFalse())
		Expect(backoff.Manifest.Retryable(&smithy.GenericAPIError{Code: "SlowDown"})).To(BeFalse())
	})
	It("should not retry lost races through the container service policy", func() {
		Expect(backoff.ContainerService.Retryable(errors.NewPreconditionFailed(fmt.Errorf("stale")))).To(BeFalse())
		Expect(backoff.ContainerService.Retryable(&smithy.GenericAPIError{Code: "ThrottlingException"})).To(BeTrue())
	})
})
