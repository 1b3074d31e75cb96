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
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/samber/lo"

	"github.com/cloudburst-labs/cloudburst/pkg/aws/sdk"
)

// ECRBehavior exposes per-call overrides for the registry double.
type ECRBehavior struct {
	CreateRepositoryBehavior     MockedFunction[ecr.CreateRepositoryInput, ecr.CreateRepositoryOutput]
	DescribeRepositoriesBehavior MockedFunction[ecr.DescribeRepositoriesInput, ecr.DescribeRepositoriesOutput]
}

// ECRAPI is an in-memory container registry.
type ECRAPI struct {
	sdk.ECRAPI
	ECRBehavior

	mu           sync.Mutex
	repositories map[string]ecrtypes.Repository
}

func NewECRAPI() *ECRAPI {
	return &ECRAPI{repositories: map[string]ecrtypes.Repository{}}
}

// Reset must be called between tests.
func (e *ECRAPI) Reset() {
	e.CreateRepositoryBehavior.Reset()
	e.DescribeRepositoriesBehavior.Reset()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.repositories = map[string]ecrtypes.Repository{}
}

func (e *ECRAPI) CreateRepository(_ context.Context, input *ecr.CreateRepositoryInput, _ ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error) {
	return e.CreateRepositoryBehavior.Invoke(input, func(input *ecr.CreateRepositoryInput) (*ecr.CreateRepositoryOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		name := aws.ToString(input.RepositoryName)
		if _, ok := e.repositories[name]; ok {
			return nil, apiError("RepositoryAlreadyExistsException",
				fmt.Sprintf("The repository with name '%s' already exists in the registry", name))
		}
		repository := ecrtypes.Repository{
			RepositoryName: aws.String(name),
			RepositoryArn:  aws.String(fmt.Sprintf("arn:aws:ecr:%s:%s:repository/%s", DefaultRegion, DefaultAccount, name)),
			RepositoryUri:  aws.String(RepositoryURI(name)),
			RegistryId:     aws.String(DefaultAccount),
			CreatedAt:      aws.Time(time.Now()),
		}
		e.repositories[name] = repository
		created := repository
		return &ecr.CreateRepositoryOutput{Repository: &created}, nil
	})
}

func (e *ECRAPI) DescribeRepositories(_ context.Context, input *ecr.DescribeRepositoriesInput, _ ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error) {
	return e.DescribeRepositoriesBehavior.Invoke(input, func(input *ecr.DescribeRepositoriesInput) (*ecr.DescribeRepositoriesOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		names := input.RepositoryNames
		if len(names) == 0 {
			names = lo.Keys(e.repositories)
			sort.Strings(names)
		}
		out := &ecr.DescribeRepositoriesOutput{}
		// Describing explicit names fails the whole call when any is missing.
		for _, name := range names {
			repository, ok := e.repositories[name]
			if !ok {
				return nil, apiError("RepositoryNotFoundException",
					fmt.Sprintf("The repository with name '%s' does not exist in the registry", name))
			}
			out.Repositories = append(out.Repositories, repository)
		}
		return out, nil
	})
}
