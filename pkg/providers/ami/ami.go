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

// Package ami resolves the ECS-optimized machine image for pool instances
// through the public SSM parameters published for each region.
package ami

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	cache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	"github.com/cloudburst-labs/cloudburst/pkg/apis/config"
	"github.com/cloudburst-labs/cloudburst/pkg/aws/sdk"
	"github.com/cloudburst-labs/cloudburst/pkg/backoff"
	"github.com/cloudburst-labs/cloudburst/pkg/logging"
)

const (
	parameterX8664 = "/aws/service/ecs/optimized-ami/amazon-linux-2023/recommended/image_id"
	parameterARM64 = "/aws/service/ecs/optimized-ami/amazon-linux-2023/arm64/recommended/image_id"
)

// Provider resolves the pool machine image for an architecture.
type Provider interface {
	Resolve(ctx context.Context, arch config.Architecture) (string, error)
}

type DefaultProvider struct {
	sync.Mutex
	ssmapi sdk.SSMAPI
	cache  *cache.Cache
	policy backoff.Policy
}

func NewDefaultProvider(ssmapi sdk.SSMAPI) *DefaultProvider {
	return &DefaultProvider{
		ssmapi: ssmapi,
		cache:  cache.New(24*time.Hour, time.Hour),
		policy: backoff.ContainerService,
	}
}

// Resolve returns the current ECS-optimized AMI id for arch. The published
// parameter moves when a new image ships, so resolutions are cached for a
// day rather than forever.
func (p *DefaultProvider) Resolve(ctx context.Context, arch config.Architecture) (string, error) {
	p.Lock()
	defer p.Unlock()
	parameter := lo.Ternary(arch == config.ArchitectureARM64, parameterARM64, parameterX8664)
	if entry, ok := p.cache.Get(parameter); ok {
		return entry.(string), nil
	}
	var out *ssm.GetParameterOutput
	if err := p.policy.Do(ctx, func() error {
		var err error
		if out, err = p.ssmapi.GetParameter(ctx, &ssm.GetParameterInput{
			Name: aws.String(parameter),
		}); err != nil {
			return fmt.Errorf("getting ssm parameter %q, %w", parameter, err)
		}
		return nil
	}); err != nil {
		return "", err
	}
	imageID := lo.FromPtr(out.Parameter.Value)
	p.cache.SetDefault(parameter, imageID)
	logging.FromContext(ctx).With("parameter", parameter, "image-id", imageID).
		Debugf("discovered ECS-optimized AMI")
	return imageID, nil
}
