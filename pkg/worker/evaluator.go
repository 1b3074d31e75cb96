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

package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sync"

	"github.com/cloudburst-labs/cloudburst/pkg/blob"
	"github.com/cloudburst-labs/cloudburst/pkg/task"
)

// Evaluator turns one envelope into a result envelope. Implementations never
// return an error: evaluation failures travel inside the result, and panics
// are converted to failure results. A worker crash is reserved for
// infrastructure faults.
type Evaluator interface {
	Evaluate(ctx context.Context, envelope *task.Envelope) *task.Result
}

// Func is one registered operation. Args arrive decoded from the envelope
// expression.
type Func func(ctx context.Context, args []any) (any, error)

// Registry is the default evaluator: a table of named functions. An envelope
// expression decodes to a call of the form {fn, args}; calls naming an
// unregistered function produce a failure result, not a crash.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]Func
}

type call struct {
	Fn   string `cbor:"fn"`
	Args []any  `cbor:"args,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{fns: map[string]Func{}}
}

// NewExpr encodes a named-function call into a submittable expression. Both
// sides of the exchange use it: clients to build envelopes, tests to assert
// on them.
func NewExpr(fn string, args ...any) (blob.Raw, error) {
	data, err := blob.Encode(call{Fn: fn, Args: args})
	if err != nil {
		return nil, fmt.Errorf("encoding call of %q, %w", fn, err)
	}
	return data, nil
}

// Register adds fn under name, replacing any previous registration.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[name] = fn
}

// Evaluate decodes the call, runs the named function, and packages the
// outcome. Standard output written during the call is captured into the
// result.
func (r *Registry) Evaluate(ctx context.Context, envelope *task.Envelope) (result *task.Result) {
	defer func() {
		if rec := recover(); rec != nil {
			result = task.Failed(fmt.Sprintf("panic: %v", rec), "", string(debug.Stack()))
		}
	}()
	var c call
	if err := blob.Decode(envelope.Expr, &c); err != nil {
		return task.Failed(fmt.Sprintf("decoding expression of task %s, %s", envelope.TaskID, err), "", "")
	}
	r.mu.RLock()
	fn, ok := r.fns[c.Fn]
	r.mu.RUnlock()
	if !ok {
		return task.Failed(fmt.Sprintf("unknown function %q", c.Fn), "", "")
	}
	value, stdout, err := capture(func() (any, error) { return fn(ctx, c.Args) })
	if err != nil {
		return task.Failed(err.Error(), stdout, "")
	}
	encoded, err := blob.Encode(value)
	if err != nil {
		return task.Failed(fmt.Sprintf("encoding value of task %s, %s", envelope.TaskID, err), stdout, "")
	}
	return task.OK(encoded, stdout)
}

// capture runs fn with the process stdout swapped for a pipe and returns
// whatever was printed. The worker runtime is single-threaded per container,
// so the swap cannot race another evaluation; loggers write to stderr and
// pass through untouched.
func capture(fn func() (any, error)) (value any, stdout string, err error) {
	reader, writer, perr := os.Pipe()
	if perr != nil {
		value, err = fn()
		return
	}
	orig := os.Stdout
	os.Stdout = writer
	collected := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(reader)
		collected <- string(data)
	}()
	defer func() {
		os.Stdout = orig
		_ = writer.Close()
		stdout = <-collected
		_ = reader.Close()
	}()
	value, err = fn()
	return
}
