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

package task

import (
	"fmt"

	"github.com/cloudburst-labs/cloudburst/pkg/blob"
)

// Envelope is the unit of work uploaded to tasks/<tid>.blob. The expression
// and globals are opaque to every component except the worker runtime that
// evaluates them.
type Envelope struct {
	TaskID    string   `cbor:"task_id"`
	Expr      blob.Raw `cbor:"expr"`
	Globals   blob.Raw `cbor:"globals,omitempty"`
	Packages  []string `cbor:"packages,omitempty"`
	Seed      blob.Raw `cbor:"seed,omitempty"`
	SessionID string   `cbor:"session_id,omitempty"`
}

// BootstrapEnvelope returns the zero-work envelope that delivers a session
// identifier to a freshly launched worker container.
func BootstrapEnvelope(sessionID string, index int) *Envelope {
	return &Envelope{
		TaskID:    BootstrapID(sessionID, index),
		SessionID: sessionID,
	}
}

// IsBootstrap reports whether the envelope exists only to hand a worker its
// session identifier.
func (e *Envelope) IsBootstrap() bool {
	return IsBootstrapID(e.TaskID)
}

// Result is the outcome uploaded to results/<tid>.blob. Exactly one of the
// two shapes is populated: a success carries Value/Stdout, a failure carries
// Message/Stdout/Traceback with Error set. Worker containers exit zero either
// way; the envelope is the error channel.
type Result struct {
	Error      bool     `cbor:"error"`
	Value      blob.Raw `cbor:"value,omitempty"`
	Stdout     string   `cbor:"stdout,omitempty"`
	Visible    bool     `cbor:"visible,omitempty"`
	Conditions []string `cbor:"conditions,omitempty"`
	Message    string   `cbor:"message,omitempty"`
	Traceback  string   `cbor:"traceback,omitempty"`
}

// OK builds a success result from an already-encoded value and any captured
// standard output.
func OK(value blob.Raw, stdout string) *Result {
	return &Result{
		Error:      false,
		Value:      value,
		Stdout:     stdout,
		Visible:    true,
		Conditions: []string{},
	}
}

// Failed builds a failure result. The traceback may be empty.
func Failed(message, stdout, traceback string) *Result {
	return &Result{
		Error:     true,
		Message:   message,
		Stdout:    stdout,
		Traceback: traceback,
	}
}

// IsError reports whether the evaluation failed.
func (r *Result) IsError() bool {
	return r.Error
}

// DecodeValue decodes the success value into the supplied pointer.
func (r *Result) DecodeValue(into any) error {
	if r.Error {
		return fmt.Errorf("decoding value of failed result, %s", r.Message)
	}
	return blob.Decode(r.Value, into)
}
