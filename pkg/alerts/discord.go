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

package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DiscordNotifier delivers alerts to a Discord webhook. The webhook surface
// is a single JSON POST, so a plain http.Client suffices.
type DiscordNotifier struct {
	webhookURL string
	client     *http.Client
}

func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string { return "discord" }

func (d *DiscordNotifier) Notify(ctx context.Context, alert Alert) error {
	payload := map[string]any{
		"embeds": []map[string]any{{
			"title":       alert.Type,
			"description": alert.Message,
			"color":       severityColorCode(alert.Severity),
			"fields":      detailFields(alert),
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling discord payload, %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building discord request, %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting discord webhook, %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("discord webhook returned %d", resp.StatusCode)
	}
	return nil
}

func detailFields(alert Alert) []map[string]any {
	fields := make([]map[string]any, 0, len(alert.Details)+1)
	if alert.Service != "" {
		fields = append(fields, map[string]any{"name": "service", "value": alert.Service, "inline": true})
	}
	for k, v := range alert.Details {
		fields = append(fields, map[string]any{"name": k, "value": fmt.Sprint(v), "inline": true})
	}
	return fields
}

func severityColorCode(s Severity) int {
	switch s {
	case SeverityCritical:
		return 0xE01E5A
	case SeverityHigh:
		return 0xECB22E
	default:
		return 0x439FE0
	}
}
