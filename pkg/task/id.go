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

// Package task defines the wire records of the execution protocol: task
// identifiers, the lifecycle state machine, envelopes, status records,
// session manifests, and the bucket key layout they live under.
package task

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// BootstrapPrefix is a reserved identifier namespace for worker-launch
// envelopes. Status tallies must exclude it.
const BootstrapPrefix = "bootstrap-"

var (
	idPattern        = regexp.MustCompile(`^task-[0-9a-f]{32}$`)
	sessionIDPattern = regexp.MustCompile(`^session-[0-9a-f]{16}$`)
)

// NewID returns a fresh task identifier of the form task-<32 hex>.
func NewID() string {
	return fmt.Sprintf("task-%s", strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// NewSessionID returns a fresh detached-session identifier.
func NewSessionID() string {
	return fmt.Sprintf("session-%s", strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
}

// BootstrapID names the envelope that delivers the session identifier to
// the index-th worker container of a session.
func BootstrapID(sessionID string, index int) string {
	return fmt.Sprintf("%s%s-%d", BootstrapPrefix, sessionID, index)
}

// IsBootstrapID reports whether id belongs to the reserved bootstrap
// namespace.
func IsBootstrapID(id string) bool {
	return strings.HasPrefix(id, BootstrapPrefix)
}

// IsValidID reports whether id is a well-formed task or bootstrap
// identifier.
func IsValidID(id string) bool {
	return idPattern.MatchString(id) || IsBootstrapID(id)
}

// IsValidSessionID reports whether id is a well-formed session identifier.
func IsValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}
