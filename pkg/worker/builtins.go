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
	"time"
)

// RegisterBuiltins adds the stock functions every worker image answers:
// enough to smoke-test a cluster before any application code ships.
func RegisterBuiltins(r *Registry) {
	r.Register("echo", builtinEcho)
	r.Register("sleep", builtinSleep)
}

// builtinEcho returns its arguments: the single argument bare, several as a
// list.
func builtinEcho(_ context.Context, args []any) (any, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	return args, nil
}

// builtinSleep pauses for args[0] seconds and returns how long it slept. It
// wakes on cancellation so a stopping worker is not pinned by a long pause.
func builtinSleep(ctx context.Context, args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("sleep takes one argument, got %d", len(args))
	}
	seconds, err := asFloat(args[0])
	if err != nil {
		return nil, fmt.Errorf("sleep duration, %w", err)
	}
	if seconds < 0 {
		return nil, fmt.Errorf("sleep duration must not be negative, got %g", seconds)
	}
	started := time.Now()
	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return time.Since(started).Seconds(), nil
}

// asFloat widens the numeric types the envelope codec produces. Integers
// decode as uint64 or int64 depending on sign, fractions as float64.
func asFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}
