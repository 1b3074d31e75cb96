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

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/cloudburst-labs/cloudburst/pkg/aws/sdk"
)

// STSBehavior exposes per-call overrides for the identity double.
type STSBehavior struct {
	GetCallerIdentityBehavior MockedFunction[sts.GetCallerIdentityInput, sts.GetCallerIdentityOutput]
}

// STSAPI answers identity lookups with the default test account.
type STSAPI struct {
	sdk.STSAPI
	STSBehavior
}

func NewSTSAPI() *STSAPI {
	return &STSAPI{}
}

// Reset must be called between tests.
func (s *STSAPI) Reset() {
	s.GetCallerIdentityBehavior.Reset()
}

func (s *STSAPI) GetCallerIdentity(_ context.Context, input *sts.GetCallerIdentityInput, _ ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	return s.GetCallerIdentityBehavior.Invoke(input, func(*sts.GetCallerIdentityInput) (*sts.GetCallerIdentityOutput, error) {
		return &sts.GetCallerIdentityOutput{
			Account: aws.String(DefaultAccount),
			Arn:     aws.String(fmt.Sprintf("arn:aws:iam::%s:user/test", DefaultAccount)),
			UserId:  aws.String("AIDA" + randomHex(16)),
		}, nil
	})
}
