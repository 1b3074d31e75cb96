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

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/servicequotas"
	quotastypes "github.com/aws/aws-sdk-go-v2/service/servicequotas/types"

	"github.com/cloudburst-labs/cloudburst/pkg/aws/sdk"
)

// DefaultFargateVCPUQuota is the serverless vCPU quota a fresh test account
// reports.
const DefaultFargateVCPUQuota = 4000

// QuotasBehavior exposes per-call overrides for the quota service double.
type QuotasBehavior struct {
	GetServiceQuotaBehavior             MockedFunction[servicequotas.GetServiceQuotaInput, servicequotas.GetServiceQuotaOutput]
	RequestServiceQuotaIncreaseBehavior MockedFunction[servicequotas.RequestServiceQuotaIncreaseInput, servicequotas.RequestServiceQuotaIncreaseOutput]
}

// QuotasAPI serves per-service quota values and records increase requests.
type QuotasAPI struct {
	sdk.QuotasAPI
	QuotasBehavior

	mu     sync.Mutex
	quotas map[string]float64
}

func NewQuotasAPI() *QuotasAPI {
	q := &QuotasAPI{}
	q.resetState()
	return q
}

// Reset must be called between tests.
func (q *QuotasAPI) Reset() {
	q.GetServiceQuotaBehavior.Reset()
	q.RequestServiceQuotaIncreaseBehavior.Reset()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.resetState()
}

func (q *QuotasAPI) resetState() {
	q.quotas = map[string]float64{
		quotaKey("fargate", "L-3032A538"): DefaultFargateVCPUQuota,
	}
}

// SetQuota overrides one quota value.
func (q *QuotasAPI) SetQuota(serviceCode, quotaCode string, value float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.quotas[quotaKey(serviceCode, quotaCode)] = value
}

func (q *QuotasAPI) GetServiceQuota(_ context.Context, input *servicequotas.GetServiceQuotaInput, _ ...func(*servicequotas.Options)) (*servicequotas.GetServiceQuotaOutput, error) {
	return q.GetServiceQuotaBehavior.Invoke(input, func(input *servicequotas.GetServiceQuotaInput) (*servicequotas.GetServiceQuotaOutput, error) {
		q.mu.Lock()
		defer q.mu.Unlock()
		value, ok := q.quotas[quotaKey(aws.ToString(input.ServiceCode), aws.ToString(input.QuotaCode))]
		if !ok {
			return nil, apiError("NoSuchResourceException", "The requested resource does not exist.")
		}
		return &servicequotas.GetServiceQuotaOutput{
			Quota: &quotastypes.ServiceQuota{
				ServiceCode: input.ServiceCode,
				QuotaCode:   input.QuotaCode,
				Value:       aws.Float64(value),
			},
		}, nil
	})
}

func (q *QuotasAPI) RequestServiceQuotaIncrease(_ context.Context, input *servicequotas.RequestServiceQuotaIncreaseInput, _ ...func(*servicequotas.Options)) (*servicequotas.RequestServiceQuotaIncreaseOutput, error) {
	return q.RequestServiceQuotaIncreaseBehavior.Invoke(input, func(input *servicequotas.RequestServiceQuotaIncreaseInput) (*servicequotas.RequestServiceQuotaIncreaseOutput, error) {
		return &servicequotas.RequestServiceQuotaIncreaseOutput{
			RequestedQuota: &quotastypes.RequestedServiceQuotaChange{
				Id:           aws.String(randomHex(12)),
				ServiceCode:  input.ServiceCode,
				QuotaCode:    input.QuotaCode,
				DesiredValue: input.DesiredValue,
				Status:       quotastypes.RequestStatusPending,
			},
		}, nil
	})
}

func quotaKey(serviceCode, quotaCode string) string {
	return fmt.Sprintf("%s/%s", serviceCode, quotaCode)
}
