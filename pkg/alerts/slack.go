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
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackNotifier delivers alerts to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
}

func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{webhookURL: webhookURL}
}

func (s *SlackNotifier) Name() string { return "slack" }

func (s *SlackNotifier) Notify(ctx context.Context, alert Alert) error {
	fields := make([]slack.AttachmentField, 0, len(alert.Details)+1)
	if alert.Service != "" {
		fields = append(fields, slack.AttachmentField{Title: "service", Value: alert.Service, Short: true})
	}
	for k, v := range alert.Details {
		fields = append(fields, slack.AttachmentField{Title: k, Value: fmt.Sprint(v), Short: true})
	}
	msg := &slack.WebhookMessage{
		Attachments: []slack.Attachment{{
			Color:  severityColor(alert.Severity),
			Title:  alert.Type,
			Text:   alert.Message,
			Fields: fields,
		}},
	}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		return fmt.Errorf("posting slack webhook, %w", err)
	}
	return nil
}

func severityColor(s Severity) string {
	switch s {
	case SeverityCritical:
		return "danger"
	case SeverityHigh:
		return "warning"
	default:
		return "#439FE0"
	}
}
