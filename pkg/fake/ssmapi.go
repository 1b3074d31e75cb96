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
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/cloudburst-labs/cloudburst/pkg/aws/sdk"
)

// Machine image ids the public recommended-image parameters resolve to.
const (
	DefaultImageX8664 = "ami-x8664-test"
	DefaultImageARM64 = "ami-arm64-test"
)

// SSMBehavior exposes per-call overrides for the parameter store double.
type SSMBehavior struct {
	GetParameterBehavior MockedFunction[ssm.GetParameterInput, ssm.GetParameterOutput]
}

// SSMAPI serves the public ECS-optimized image parameters plus anything a
// test stores explicitly.
type SSMAPI struct {
	sdk.SSMAPI
	SSMBehavior

	mu         sync.Mutex
	parameters map[string]string
}

func NewSSMAPI() *SSMAPI {
	return &SSMAPI{parameters: map[string]string{}}
}

// Reset must be called between tests.
func (s *SSMAPI) Reset() {
	s.GetParameterBehavior.Reset()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.parameters = map[string]string{}
}

// SetParameter stores an explicit parameter value, overriding the built-in
// image resolution for that name.
func (s *SSMAPI) SetParameter(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parameters[name] = value
}

func (s *SSMAPI) GetParameter(_ context.Context, input *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	return s.GetParameterBehavior.Invoke(input, func(input *ssm.GetParameterInput) (*ssm.GetParameterOutput, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		name := aws.ToString(input.Name)
		value, ok := s.parameters[name]
		if !ok {
			switch {
			case strings.HasSuffix(name, "/image_id") && strings.Contains(name, "arm64"):
				value = DefaultImageARM64
			case strings.HasSuffix(name, "/image_id"):
				value = DefaultImageX8664
			default:
				return nil, apiError("ParameterNotFound", fmt.Sprintf("Parameter %s not found.", name))
			}
		}
		return &ssm.GetParameterOutput{
			Parameter: &ssmtypes.Parameter{
				Name:  aws.String(name),
				Value: aws.String(value),
				Type:  ssmtypes.ParameterTypeString,
			},
		}, nil
	})
}
