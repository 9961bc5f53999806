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

// Package test holds shared test doubles for the coordinator suites.
package test

import (
	"context"
	"sync"

	"github.com/dexfleet/coordinator/pkg/alerts"
)

// AlertRecorder captures published alerts for assertions.
type AlertRecorder struct {
	mu     sync.Mutex
	alerts []alerts.Alert
}

func NewAlertRecorder() *AlertRecorder {
	return &AlertRecorder{}
}

func (r *AlertRecorder) Publish(_ context.Context, alert alerts.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
}

// Calls returns how many alerts of the given type have been published.
func (r *AlertRecorder) Calls(alertType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, a := range r.alerts {
		if a.Type == alertType {
			n++
		}
	}
	return n
}

// Alerts returns a copy of everything published so far.
func (r *AlertRecorder) Alerts() []alerts.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]alerts.Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

func (r *AlertRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = nil
}
