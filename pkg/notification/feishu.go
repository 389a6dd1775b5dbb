package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"loadmesh/pkg/config"
	"loadmesh/pkg/logger"
)

// FeishuNotifier sends run lifecycle notifications to Feishu (Lark)
type FeishuNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewFeishuNotifier creates a new Feishu notifier
func NewFeishuNotifier() *FeishuNotifier {
	// Priority: config file > environment variable
	var webhookURL string
	if config.GlobalConfig != nil && config.GlobalConfig.Notification.FeishuWebhookURL != "" {
		webhookURL = config.GlobalConfig.Notification.FeishuWebhookURL
	} else {
		webhookURL = os.Getenv("FEISHU_WEBHOOK_URL")
	}

	if webhookURL == "" {
		logger.Warn("Feishu webhook URL not configured, run notifications will be disabled")
	}

	return &FeishuNotifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// RunCompletedNotification represents a finished run
type RunCompletedNotification struct {
	RunID           string
	Status          string
	TotalWorkers    int
	BestConcurrency int
	BestQPS         float64
	Message         string
	CompletedAt     time.Time
}

// SendRunCompleted sends a run completion card to Feishu
func (f *FeishuNotifier) SendRunCompleted(ctx context.Context, n *RunCompletedNotification) error {
	if f.webhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(f.buildRunCompletedMessage(n))
	if err != nil {
		return fmt.Errorf("failed to marshal Feishu message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", f.webhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send Feishu notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Feishu API returned status code: %d", resp.StatusCode)
	}

	logger.InfoCtx(ctx, "Feishu notification sent for run: %s", n.RunID)
	return nil
}

// buildRunCompletedMessage builds a Feishu message card for a finished run
func (f *FeishuNotifier) buildRunCompletedMessage(n *RunCompletedNotification) map[string]interface{} {
	template := "green"
	if n.Status != "COMPLETED" {
		template = "red"
	}

	return map[string]interface{}{
		"msg_type": "interactive",
		"card": map[string]interface{}{
			"header": map[string]interface{}{
				"template": template,
				"title": map[string]interface{}{
					"content": fmt.Sprintf("Load Test Run %s", n.Status),
					"tag":     "plain_text",
				},
			},
			"elements": []interface{}{
				map[string]interface{}{
					"tag": "div",
					"text": map[string]interface{}{
						"content": fmt.Sprintf("**Run**: %s", n.RunID),
						"tag":     "lark_md",
					},
				},
				map[string]interface{}{
					"tag": "hr",
				},
				map[string]interface{}{
					"tag": "div",
					"fields": []interface{}{
						map[string]interface{}{
							"is_short": true,
							"text": map[string]interface{}{
								"content": fmt.Sprintf("**Best Concurrency**\n%d", n.BestConcurrency),
								"tag":     "lark_md",
							},
						},
						map[string]interface{}{
							"is_short": true,
							"text": map[string]interface{}{
								"content": fmt.Sprintf("**Best QPS**\n%.1f", n.BestQPS),
								"tag":     "lark_md",
							},
						},
						map[string]interface{}{
							"is_short": true,
							"text": map[string]interface{}{
								"content": fmt.Sprintf("**Workers**\n%d", n.TotalWorkers),
								"tag":     "lark_md",
							},
						},
						map[string]interface{}{
							"is_short": true,
							"text": map[string]interface{}{
								"content": fmt.Sprintf("**Completed At**\n%s", n.CompletedAt.Format("2006-01-02 15:04:05")),
								"tag":     "lark_md",
							},
						},
					},
				},
				map[string]interface{}{
					"tag": "div",
					"text": map[string]interface{}{
						"content": fmt.Sprintf("**Detail**: %s", n.Message),
						"tag":     "lark_md",
					},
				},
			},
		},
	}
}
