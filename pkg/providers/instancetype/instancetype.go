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

// Package instancetype looks up the hardware shape of an EC2 instance type.
// Instance-backed clusters size their workers from this shape rather than
// from user-supplied cpu and memory values.
package instancetype

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	cache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	"github.com/cloudburst-labs/cloudburst/pkg/apis/config"
	"github.com/cloudburst-labs/cloudburst/pkg/aws/sdk"
	"github.com/cloudburst-labs/cloudburst/pkg/backoff"
	"github.com/cloudburst-labs/cloudburst/pkg/errors"
)

// Spec is the subset of an instance type's hardware description that worker
// sizing depends on.
type Spec struct {
	Name          string
	VCPUs         int
	MemoryGiB     float64
	Architecture  config.Architecture
	SpotSupported bool
}

// Provider resolves instance type names to hardware specs.
type Provider interface {
	Get(ctx context.Context, name string) (*Spec, error)
}

type DefaultProvider struct {
	sync.Mutex
	ec2api sdk.EC2API
	cache  *cache.Cache
	policy backoff.Policy
}

func NewDefaultProvider(ec2api sdk.EC2API) *DefaultProvider {
	return &DefaultProvider{
		ec2api: ec2api,
		cache:  cache.New(24*time.Hour, time.Hour),
		policy: backoff.ContainerService,
	}
}

// Get returns the hardware spec for name. Specs are immutable per type, so
// results are cached for a day.
func (p *DefaultProvider) Get(ctx context.Context, name string) (*Spec, error) {
	p.Lock()
	defer p.Unlock()
	if spec, ok := p.cache.Get(name); ok {
		return spec.(*Spec), nil
	}
	var out *ec2.DescribeInstanceTypesOutput
	if err := p.policy.Do(ctx, func() error {
		var err error
		if out, err = p.ec2api.DescribeInstanceTypes(ctx, &ec2.DescribeInstanceTypesInput{
			InstanceTypes: []ec2types.InstanceType{ec2types.InstanceType(name)},
		}); err != nil {
			return fmt.Errorf("describing instance type %q, %w", name, err)
		}
		return nil
	}); err != nil {
		if errors.IsAWSNotFound(err) {
			return nil, errors.NewNotFound(fmt.Errorf("instance type %q does not exist", name))
		}
		return nil, err
	}
	if len(out.InstanceTypes) == 0 {
		return nil, errors.NewNotFound(fmt.Errorf("instance type %q does not exist", name))
	}
	spec, err := specOf(out.InstanceTypes[0])
	if err != nil {
		return nil, err
	}
	p.cache.SetDefault(name, spec)
	return spec, nil
}

func specOf(info ec2types.InstanceTypeInfo) (*Spec, error) {
	arch, err := architectureOf(info)
	if err != nil {
		return nil, err
	}
	return &Spec{
		Name:          string(info.InstanceType),
		VCPUs:         int(lo.FromPtr(info.VCpuInfo.DefaultVCpus)),
		MemoryGiB:     float64(lo.FromPtr(info.MemoryInfo.SizeInMiB)) / 1024,
		Architecture:  arch,
		SpotSupported: lo.Contains(info.SupportedUsageClasses, ec2types.UsageClassTypeSpot),
	}, nil
}

func architectureOf(info ec2types.InstanceTypeInfo) (config.Architecture, error) {
	for _, arch := range info.ProcessorInfo.SupportedArchitectures {
		switch arch {
		case ec2types.ArchitectureTypeX8664:
			return config.ArchitectureX8664, nil
		case ec2types.ArchitectureTypeArm64:
			return config.ArchitectureARM64, nil
		}
	}
	return "", fmt.Errorf("instance type %q supports no compatible architecture, %v",
		string(info.InstanceType), info.ProcessorInfo.SupportedArchitectures)
}
