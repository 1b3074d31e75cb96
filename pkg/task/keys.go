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
	"strings"
)

// Bucket key layout. Envelopes and results share a flat namespace keyed by
// task id; per-session records nest under sessions/<sid>/.
//
//	tasks/<tid>.blob
//	results/<tid>.blob
//	sessions/<sid>/manifest.blob
//	sessions/<sid>/tasks/<tid>/status.blob

const (
	envelopePrefix = "tasks/"
	resultPrefix   = "results/"
	sessionPrefix  = "sessions/"
	blobSuffix     = ".blob"
)

// SessionsPrefix is the root prefix under which every session's records
// live; listing it yields one manifest key per session.
const SessionsPrefix = sessionPrefix

// Environment contract: a worker container is invoked with exactly these
// three variables, and nothing else is communicated out of band. The alias
// spellings are accepted on read for compatibility with existing images.
const (
	EnvTaskID      = "TASK_ID"
	EnvBucket      = "BUCKET"
	EnvBucketAlias = "S3_BUCKET"
	EnvRegion      = "REGION"
	EnvRegionAlias = "AWS_DEFAULT_REGION"
)

// EnvelopeKey returns the bucket key of a task envelope.
func EnvelopeKey(taskID string) string {
	return fmt.Sprintf("%s%s%s", envelopePrefix, taskID, blobSuffix)
}

// BootstrapEnvelopePrefix returns the key prefix under which a session's
// bootstrap envelopes live, for enumeration at cleanup.
func BootstrapEnvelopePrefix(sessionID string) string {
	return fmt.Sprintf("%s%s%s-", envelopePrefix, BootstrapPrefix, sessionID)
}

// ResultKey returns the bucket key of a task result.
func ResultKey(taskID string) string {
	return fmt.Sprintf("%s%s%s", resultPrefix, taskID, blobSuffix)
}

// ManifestKey returns the bucket key of a session manifest.
func ManifestKey(sessionID string) string {
	return fmt.Sprintf("%s%s/manifest%s", sessionPrefix, sessionID, blobSuffix)
}

// SessionPrefix returns the key prefix holding everything owned by a session.
func SessionPrefix(sessionID string) string {
	return fmt.Sprintf("%s%s/", sessionPrefix, sessionID)
}

// StatusKey returns the bucket key of a per-task status record.
func StatusKey(sessionID, taskID string) string {
	return fmt.Sprintf("%s%s/tasks/%s/status%s", sessionPrefix, sessionID, taskID, blobSuffix)
}

// StatusPrefix returns the key prefix under which a session's status records
// are enumerated.
func StatusPrefix(sessionID string) string {
	return fmt.Sprintf("%s%s/tasks/", sessionPrefix, sessionID)
}

// TaskIDFromStatusKey extracts the task id from a status key. It returns
// false for keys outside the status layout.
func TaskIDFromStatusKey(key string) (string, bool) {
	if !strings.HasPrefix(key, sessionPrefix) || !strings.HasSuffix(key, "/status"+blobSuffix) {
		return "", false
	}
	parts := strings.Split(key, "/")
	// sessions/<sid>/tasks/<tid>/status.blob
	if len(parts) != 5 || parts[2] != "tasks" {
		return "", false
	}
	return parts[3], true
}

// SessionIDFromManifestKey extracts the session id from a manifest key. It
// returns false for keys outside the manifest layout.
func SessionIDFromManifestKey(key string) (string, bool) {
	if !strings.HasPrefix(key, sessionPrefix) || !strings.HasSuffix(key, "/manifest"+blobSuffix) {
		return "", false
	}
	parts := strings.Split(key, "/")
	if len(parts) != 3 {
		return "", false
	}
	return parts[1], true
}
