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

// Package test bundles every service double and provider into one
// environment so suites exercise real provider code against in-memory
// services.
package test

import (
	awsclients "github.com/cloudburst-labs/cloudburst/pkg/aws"
	"github.com/cloudburst-labs/cloudburst/pkg/fake"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/ami"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/computepool"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/containerservice"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/instancetype"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/interruption"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/objectstore"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/quota"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/taskdef"
	"github.com/cloudburst-labs/cloudburst/pkg/session"
)

type Environment struct {
	// API doubles
	S3API          *fake.S3API
	ECSAPI         *fake.ECSAPI
	AutoScalingAPI *fake.AutoScalingAPI
	EC2API         *fake.EC2API
	SSMAPI         *fake.SSMAPI
	LogsAPI        *fake.LogsAPI
	QuotasAPI      *fake.QuotasAPI
	STSAPI         *fake.STSAPI
	IAMAPI         *fake.IAMAPI
	SQSAPI         *fake.SQSAPI
	ECRAPI         *fake.ECRAPI

	// Providers
	Store                *objectstore.DefaultProvider
	ContainerService     *containerservice.DefaultProvider
	TaskDefProvider      *taskdef.DefaultProvider
	AMIProvider          *ami.DefaultProvider
	InstanceTypeProvider *instancetype.DefaultProvider
	QuotaProvider        *quota.DefaultProvider
	InterruptionProvider *interruption.Provider
	SessionClient        *session.Client
}

func NewEnvironment() *Environment {
	// API doubles
	s3api := fake.NewS3API()
	ecsapi := fake.NewECSAPI()
	asgapi := fake.NewAutoScalingAPI()
	ec2api := fake.NewEC2API()
	ssmapi := fake.NewSSMAPI()
	logsapi := fake.NewLogsAPI()
	quotasapi := fake.NewQuotasAPI()
	stsapi := fake.NewSTSAPI()
	iamapi := fake.NewIAMAPI()
	sqsapi := fake.NewSQSAPI()
	ecrapi := fake.NewECRAPI()

	// Providers
	store := objectstore.NewDefaultProvider(s3api, fake.DefaultBucket)
	runner := containerservice.NewDefaultProvider(ecsapi)
	taskdefProvider := taskdef.NewDefaultProvider(ecsapi, logsapi, fake.DefaultRegion,
		fake.RoleARN("cloudburst-execution"), fake.RoleARN("cloudburst-task"))
	amiProvider := ami.NewDefaultProvider(ssmapi)
	instancetypeProvider := instancetype.NewDefaultProvider(ec2api)
	quotaProvider := quota.NewDefaultProvider(quotasapi)
	interruptionProvider := interruption.NewProvider(sqsapi, "")

	return &Environment{
		S3API:          s3api,
		ECSAPI:         ecsapi,
		AutoScalingAPI: asgapi,
		EC2API:         ec2api,
		SSMAPI:         ssmapi,
		LogsAPI:        logsapi,
		QuotasAPI:      quotasapi,
		STSAPI:         stsapi,
		IAMAPI:         iamapi,
		SQSAPI:         sqsapi,
		ECRAPI:         ecrapi,

		Store:                store,
		ContainerService:     runner,
		TaskDefProvider:      taskdefProvider,
		AMIProvider:          amiProvider,
		InstanceTypeProvider: instancetypeProvider,
		QuotaProvider:        quotaProvider,
		InterruptionProvider: interruptionProvider,
		SessionClient:        session.NewClient(store, runner),
	}
}

// Reset clears every double's state and recorded calls. Providers holding
// TTL caches must be reconstructed per test where staleness matters; suites
// do that with fresh environments in BeforeEach.
func (env *Environment) Reset() {
	env.S3API.Reset()
	env.ECSAPI.Reset()
	env.AutoScalingAPI.Reset()
	env.EC2API.Reset()
	env.SSMAPI.Reset()
	env.LogsAPI.Reset()
	env.QuotasAPI.Reset()
	env.STSAPI.Reset()
	env.IAMAPI.Reset()
	env.SQSAPI.Reset()
	env.ECRAPI.Reset()
}

// ComputePool builds a pool provider over the environment's doubles for the
// given settings. Pools pin their settings at construction, so suites make
// one per scenario rather than sharing a field.
func (env *Environment) ComputePool(settings computepool.Settings) *computepool.DefaultProvider {
	return computepool.NewDefaultProvider(env.EC2API, env.AutoScalingAPI, env.ECSAPI, env.AMIProvider, settings)
}

// Clients bundles the environment's doubles as a service client set, for
// code that is constructed from clients rather than individual providers.
func (env *Environment) Clients() *awsclients.Clients {
	return &awsclients.Clients{
		S3:          env.S3API,
		ECS:         env.ECSAPI,
		AutoScaling: env.AutoScalingAPI,
		EC2:         env.EC2API,
		SSM:         env.SSMAPI,
		Logs:        env.LogsAPI,
		Quotas:      env.QuotasAPI,
		STS:         env.STSAPI,
		IAM:         env.IAMAPI,
		SQS:         env.SQSAPI,
		ECR:         env.ECRAPI,
		Region:      fake.DefaultRegion,
	}
}
