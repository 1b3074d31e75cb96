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

package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/cloudburst-labs/cloudburst/pkg/dispatch"
	"github.com/cloudburst-labs/cloudburst/pkg/errors"
	"github.com/cloudburst-labs/cloudburst/pkg/worker"
)

// taskSpec is one entry of a task file: a registered function, its arguments,
// and how many copies to submit.
type taskSpec struct {
	Fn    string `yaml:"fn"`
	Args  []any  `yaml:"args"`
	Count int    `yaml:"count"`
}

type taskFile struct {
	Tasks []taskSpec `yaml:"tasks"`
}

// resolveInputs builds the submission list from --file or --fn/--args.
func resolveInputs(v *viper.Viper) ([]dispatch.Input, error) {
	file := v.GetString("file")
	fn := v.GetString("fn")
	switch {
	case file != "" && fn != "":
		return nil, errors.NewConfigInvalid(fmt.Errorf("--file and --fn are mutually exclusive"))
	case file != "":
		return inputsFromFile(file)
	case fn != "":
		return inputsFromFlags(v, fn)
	default:
		return nil, errors.NewConfigInvalid(fmt.Errorf("one of --file or --fn is required"))
	}
}

func inputsFromFlags(v *viper.Viper, fn string) ([]dispatch.Input, error) {
	var args []any
	if raw := v.GetString("args"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return nil, errors.NewConfigInvalid(fmt.Errorf("parsing --args %q, %w", raw, err))
		}
	}
	count := v.GetInt("count")
	if count < 1 {
		return nil, errors.NewConfigInvalid(fmt.Errorf("count must be positive, got %d", count))
	}
	expr, err := worker.NewExpr(fn, args...)
	if err != nil {
		return nil, err
	}
	inputs := make([]dispatch.Input, count)
	for i := range inputs {
		inputs[i] = dispatch.Input{Expr: expr}
	}
	return inputs, nil
}

func inputsFromFile(path string) ([]dispatch.Input, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task file %q, %w", path, err)
	}
	var tf taskFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, errors.NewConfigInvalid(fmt.Errorf("parsing task file %q, %w", path, err))
	}
	if len(tf.Tasks) == 0 {
		return nil, errors.NewConfigInvalid(fmt.Errorf("task file %q declares no tasks", path))
	}
	var inputs []dispatch.Input
	for i, spec := range tf.Tasks {
		if spec.Fn == "" {
			return nil, errors.NewConfigInvalid(fmt.Errorf("task %d of %q names no fn", i, path))
		}
		if spec.Count < 0 {
			return nil, errors.NewConfigInvalid(fmt.Errorf("task %d of %q has negative count %d", i, path, spec.Count))
		}
		expr, err := worker.NewExpr(spec.Fn, spec.Args...)
		if err != nil {
			return nil, err
		}
		count := spec.Count
		if count == 0 {
			count = 1
		}
		for j := 0; j < count; j++ {
			inputs = append(inputs, dispatch.Input{Expr: expr})
		}
	}
	return inputs, nil
}
