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

package broker

import "errors"

var (
	// ErrUnavailable marks a transient broker failure. Callers treat it as a
	// skip and retry on their next tick.
	ErrUnavailable = errors.New("broker unavailable")
	// ErrProtocol marks a non-retryable protocol-level failure.
	ErrProtocol = errors.New("broker protocol error")
)

// IsUnavailable reports whether err is a transient broker failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsProtocol reports whether err is a non-retryable protocol failure.
func IsProtocol(err error) bool {
	return errors.Is(err, ErrProtocol)
}
