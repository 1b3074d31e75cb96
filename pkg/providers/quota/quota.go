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

// Package quota observes the serverless vCPU quota that wave scheduling
// respects. The observation is advisory: when the quota service cannot be
// reached the account default is assumed rather than failing the run.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/servicequotas"
	cache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	"github.com/cloudburst-labs/cloudburst/pkg/aws/sdk"
	"github.com/cloudburst-labs/cloudburst/pkg/backoff"
	"github.com/cloudburst-labs/cloudburst/pkg/logging"
)

const (
	// serviceCode and vcpuQuotaCode identify the serverless on-demand vCPU
	// quota in the quota service.
	serviceCode   = "fargate"
	vcpuQuotaCode = "L-3032A538"
	// DefaultVCPUQuota is the account default assumed when the quota service
	// is unreachable.
	DefaultVCPUQuota = 4000
)

// Provider observes and raises the serverless vCPU quota.
type Provider interface {
	ObservedVCPUQuota(ctx context.Context) (float64, error)
	RequestIncrease(ctx context.Context, desired float64) (string, error)
}

type DefaultProvider struct {
	sync.Mutex
	quotasapi sdk.QuotasAPI
	cache     *cache.Cache
	policy    backoff.Policy
}

func NewDefaultProvider(quotasapi sdk.QuotasAPI) *DefaultProvider {
	return &DefaultProvider{
		quotasapi: quotasapi,
		cache:     cache.New(time.Hour, 10*time.Minute),
		policy:    backoff.ContainerService,
	}
}

// ObservedVCPUQuota returns the account's serverless vCPU quota. Lookups are
// cached for an hour; an unreachable quota service degrades to
// DefaultVCPUQuota without caching, so a later call can observe the real
// value.
func (p *DefaultProvider) ObservedVCPUQuota(ctx context.Context) (float64, error) {
	p.Lock()
	defer p.Unlock()
	if quota, ok := p.cache.Get(vcpuQuotaCode); ok {
		return quota.(float64), nil
	}
	var out *servicequotas.GetServiceQuotaOutput
	if err := p.policy.Do(ctx, func() error {
		var err error
		if out, err = p.quotasapi.GetServiceQuota(ctx, &servicequotas.GetServiceQuotaInput{
			ServiceCode: aws.String(serviceCode),
			QuotaCode:   aws.String(vcpuQuotaCode),
		}); err != nil {
			return fmt.Errorf("getting service quota %s/%s, %w", serviceCode, vcpuQuotaCode, err)
		}
		return nil
	}); err != nil {
		if ctx.Err() != nil {
			return 0, err
		}
		logging.FromContext(ctx).With("quota-code", vcpuQuotaCode, "default", DefaultVCPUQuota).
			Warnf("quota service unreachable, assuming account default, %s", err)
		return DefaultVCPUQuota, nil
	}
	quota := lo.FromPtr(out.Quota.Value)
	p.cache.SetDefault(vcpuQuotaCode, quota)
	logging.FromContext(ctx).With("quota-code", vcpuQuotaCode, "vcpus", quota).
		Debugf("observed vcpu quota")
	return quota, nil
}

// RequestIncrease files a quota increase to desired vCPUs and returns the
// request id. The increase is asynchronous on the service side.
func (p *DefaultProvider) RequestIncrease(ctx context.Context, desired float64) (string, error) {
	var out *servicequotas.RequestServiceQuotaIncreaseOutput
	if err := p.policy.Do(ctx, func() error {
		var err error
		if out, err = p.quotasapi.RequestServiceQuotaIncrease(ctx, &servicequotas.RequestServiceQuotaIncreaseInput{
			ServiceCode:  aws.String(serviceCode),
			QuotaCode:    aws.String(vcpuQuotaCode),
			DesiredValue: aws.Float64(desired),
		}); err != nil {
			return fmt.Errorf("requesting quota increase to %g vcpus, %w", desired, err)
		}
		return nil
	}); err != nil {
		return "", err
	}
	return lo.FromPtr(out.RequestedQuota.Id), nil
}
