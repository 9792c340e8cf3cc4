/*
Copyright 2026 The Sandboxd Authors

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

package artifact

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no metadata row exists for the id.
	ErrNotFound = errors.New("artifact not found")

	// ErrCorruptStore is returned when a metadata row exists but its file is
	// gone. The row is kept for investigation.
	ErrCorruptStore = errors.New("artifact file missing from store")

	// ErrInvalidRange is returned for an out-of-range limit or offset.
	ErrInvalidRange = errors.New("limit must be in [1,1000] and offset >= 0")
)

// IntegrityError reports stored bytes that no longer hash to the recorded
// digest.
type IntegrityError struct {
	ID       string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("artifact %s: content hash %s does not match recorded %s", e.ID, e.Actual, e.Expected)
}
