// Package notify posts the outcome of a run to a generic webhook and/or a
// Slack incoming webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"monthlyload/internal/pipeline"
	"monthlyload/internal/schedule"
	"monthlyload/pkg/errors"
	"monthlyload/pkg/models"
)

// When a notification is sent.
const (
	OnFailure = "failure"
	OnAlways  = "always"
	OnNever   = "never"
)

// Payload is the body posted to the generic webhook.
type Payload struct {
	Event       string        `json:"event"`
	Timestamp   time.Time     `json:"timestamp"`
	Graph       string        `json:"graph"`
	RunID       string        `json:"run_id"`
	LogicalDate string        `json:"logical_date"`
	TargetMonth string        `json:"target_month"`
	Success     bool          `json:"success"`
	Milestone   string        `json:"milestone,omitempty"`
	FailedTask  string        `json:"failed_task,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    string        `json:"duration,omitempty"`
	Tasks       []TaskPayload `json:"tasks"`
}

// TaskPayload is one task of Payload.
type TaskPayload struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Rows  int64  `json:"rows"` // -1 when the warehouse reported no count
}

// SlackMessage is an incoming-webhook message.
type SlackMessage struct {
	Channel string       `json:"channel,omitempty"`
	Text    string       `json:"text"`
	Blocks  []SlackBlock `json:"blocks,omitempty"`
}

type SlackBlock struct {
	Type   string      `json:"type"`
	Text   *SlackText  `json:"text,omitempty"`
	Fields []SlackText `json:"fields,omitempty"`
}

type SlackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Notifier sends run outcomes.
type Notifier struct {
	cfg    models.Notify
	client *http.Client
	retry  *errors.RetryConfig
	log    *logrus.Entry
}

// New validates cfg. A notifier without URLs sends nothing.
func New(cfg models.Notify, log *logrus.Entry) (*Notifier, error) {
	if cfg.On == "" {
		cfg.On = OnFailure
	}
	switch cfg.On {
	case OnFailure, OnAlways, OnNever:
	default:
		return nil, errors.ConfigError(fmt.Sprintf("notify.on must be %s, %s or %s", OnFailure, OnAlways, OnNever), "notify.on")
	}

	timeout := 10 * time.Second
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil || d <= 0 {
			return nil, errors.ConfigError("notify.timeout must be a positive duration", "notify.timeout")
		}
		timeout = d
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	retry := errors.DefaultRetryConfig()
	retry.MaxRetries = 2

	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		retry:  retry,
		log:    log.WithField("component", "notify"),
	}, nil
}

// Enabled reports whether any destination is configured.
func (n *Notifier) Enabled() bool {
	return n.cfg.On != OnNever && (n.cfg.WebhookURL != "" || n.cfg.SlackWebhookURL != "")
}

// Notify sends result to every configured destination when notify.on asks
// for it. Dry runs are never sent.
func (n *Notifier) Notify(ctx context.Context, result *pipeline.RunResult) error {
	if !n.Enabled() || result == nil || result.DryRun {
		return nil
	}
	if n.cfg.On == OnFailure && result.State == pipeline.RunSuccess {
		return nil
	}

	payload := NewPayload(result)
	var firstErr error
	if n.cfg.WebhookURL != "" {
		if err := n.post(ctx, n.cfg.WebhookURL, payload); err != nil {
			firstErr = err
		}
	}
	if n.cfg.SlackWebhookURL != "" {
		if err := n.post(ctx, n.cfg.SlackWebhookURL, slackMessage(n.cfg.SlackChannel, payload)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		n.log.WithField("event", payload.Event).Debug("notification sent")
	}
	return firstErr
}

// NewPayload summarises result.
func NewPayload(result *pipeline.RunResult) Payload {
	p := Payload{
		Event:       "run_" + string(result.State),
		Timestamp:   time.Now().UTC(),
		Graph:       pipeline.GraphID,
		RunID:       result.Run.ID,
		LogicalDate: result.Run.LogicalDate.UTC().Format(schedule.DateLayout),
		TargetMonth: result.Run.TargetMonth.UTC().Format(schedule.MonthLayout),
		Success:     result.State == pipeline.RunSuccess,
		Milestone:   result.Milestone,
	}

	var start, end time.Time
	for _, t := range result.Tasks {
		p.Tasks = append(p.Tasks, TaskPayload{ID: t.TaskID, State: string(t.State), Rows: t.Rows})
		if !t.Start.IsZero() && (start.IsZero() || t.Start.Before(start)) {
			start = t.Start
		}
		if t.End.After(end) {
			end = t.End
		}
	}
	if !start.IsZero() && !end.IsZero() {
		p.Duration = end.Sub(start).Round(time.Millisecond).String()
	}

	if failed, ok := result.Failed(); ok {
		p.FailedTask = failed.TaskID
	}
	if result.Err != nil {
		p.Error = firstLine(result.Err.Error())
	}
	return p
}

func slackMessage(channel string, p Payload) SlackMessage {
	status := ":white_check_mark: *Monthly load succeeded*"
	if !p.Success {
		status = ":x: *Monthly load failed*"
	}

	text := fmt.Sprintf("%s\n*Target month:* %s\n*Logical date:* %s", status, p.TargetMonth, p.LogicalDate)
	if p.FailedTask != "" {
		text += fmt.Sprintf("\n*Failed task:* `%s`\n*Last milestone:* %s", p.FailedTask, p.Milestone)
	}
	if p.Error != "" {
		text += fmt.Sprintf("\n*Error:* %s", p.Error)
	}

	var fields []SlackText
	for _, t := range p.Tasks {
		if t.ID == pipeline.TaskStart || t.ID == pipeline.TaskEnd {
			continue
		}
		fields = append(fields, SlackText{Type: "mrkdwn", Text: fmt.Sprintf("*%s*\n%s, %s", t.ID, t.State, rowsText(t.Rows))})
	}

	msg := SlackMessage{
		Channel: channel,
		Text:    fmt.Sprintf("Monthly load %s: %s", p.TargetMonth, strings.TrimPrefix(p.Event, "run_")),
		Blocks:  []SlackBlock{{Type: "section", Text: &SlackText{Type: "mrkdwn", Text: text}}},
	}
	if len(fields) > 0 {
		msg.Blocks = append(msg.Blocks, SlackBlock{Type: "section", Fields: fields})
	}
	return msg
}

func rowsText(rows int64) string {
	if rows < 0 {
		return "rows unknown"
	}
	return fmt.Sprintf("%d rows", rows)
}

// post sends body as JSON. Server errors are retried, client errors are not.
func (n *Notifier) post(ctx context.Context, url string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "Failed to encode notification")
	}

	return errors.Retry(ctx, n.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeConfigInvalid, "Invalid notification URL")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeNetworkUnavailable, "Failed to send notification").AsRecoverable()
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		appErr := errors.New(errors.ErrCodeServiceUnavailable,
			fmt.Sprintf("notification endpoint returned status %d", resp.StatusCode)).
			WithContext("status", resp.StatusCode)
		if resp.StatusCode >= 500 {
			return appErr.AsRecoverable()
		}
		appErr.Code = errors.ErrCodeInvalidInput
		return appErr
	})
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
