package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-waterfall/internal/config"
)

// AlertType identifies the condition an alert reports.
type AlertType string

const (
	AlertFailureRate    AlertType = "failure_rate"
	AlertSpendOverrun   AlertType = "spend_overrun"
	AlertRequeueBacklog AlertType = "requeue_backlog"
	AlertBudgetHalts    AlertType = "budget_halts"
)

// Severity ranks alerts for the receiving channel.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
)

// minFinished is the smallest sample the failure-rate rule trusts.
const minFinished = 5

// Alert is one breached threshold.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// rule returns an alert when snap breaches its threshold, or nil.
type rule func(cfg config.MonitoringConfig, snap *MetricsSnapshot) *Alert

var rules = []rule{failureRateRule, spendRule, requeueRule, budgetHaltRule}

func failureRateRule(cfg config.MonitoringConfig, snap *MetricsSnapshot) *Alert {
	if snap.Finished < minFinished || snap.FailRate <= cfg.FailureRateThreshold {
		return nil
	}
	return &Alert{
		Type:     AlertFailureRate,
		Severity: SeverityHigh,
		Message: fmt.Sprintf("%.1f%% of finished records aborted or timed out (%d of %d in %dh, threshold %.1f%%)",
			snap.FailRate*100, snap.Failed, snap.Finished, snap.LookbackHours, cfg.FailureRateThreshold*100),
		Details: map[string]any{
			"failure_rate": snap.FailRate,
			"threshold":    cfg.FailureRateThreshold,
			"failed":       snap.Failed,
			"finished":     snap.Finished,
		},
	}
}

func spendRule(cfg config.MonitoringConfig, snap *MetricsSnapshot) *Alert {
	if cfg.SpendThresholdUSD <= 0 || snap.SpendUSD <= cfg.SpendThresholdUSD {
		return nil
	}
	return &Alert{
		Type:     AlertSpendOverrun,
		Severity: SeverityHigh,
		Message: fmt.Sprintf("committed provider spend $%.2f over %dh is above $%.2f",
			snap.SpendUSD, snap.LookbackHours, cfg.SpendThresholdUSD),
		Details: map[string]any{
			"spend_usd":     snap.SpendUSD,
			"threshold_usd": cfg.SpendThresholdUSD,
			"charges":       snap.Charges,
		},
	}
}

func requeueRule(cfg config.MonitoringConfig, snap *MetricsSnapshot) *Alert {
	if cfg.RequeueDepthThreshold <= 0 || snap.RequeueDepth <= cfg.RequeueDepthThreshold {
		return nil
	}
	return &Alert{
		Type:     AlertRequeueBacklog,
		Severity: SeverityMedium,
		Message:  fmt.Sprintf("%d tier attempts parked for requeue (threshold %d)", snap.RequeueDepth, cfg.RequeueDepthThreshold),
		Details: map[string]any{
			"requeue_depth": snap.RequeueDepth,
			"threshold":     cfg.RequeueDepthThreshold,
		},
	}
}

func budgetHaltRule(cfg config.MonitoringConfig, snap *MetricsSnapshot) *Alert {
	if cfg.BudgetSkipThreshold <= 0 || snap.SkippedBudget <= cfg.BudgetSkipThreshold {
		return nil
	}
	return &Alert{
		Type:     AlertBudgetHalts,
		Severity: SeverityMedium,
		Message: fmt.Sprintf("%d tiers skipped for exhausted budgets in %dh (threshold %d)",
			snap.SkippedBudget, snap.LookbackHours, cfg.BudgetSkipThreshold),
		Details: map[string]any{
			"skipped_budget": snap.SkippedBudget,
			"threshold":      cfg.BudgetSkipThreshold,
		},
	}
}

// Alerter checks metrics against the configured thresholds and posts
// breaches to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	now    func() time.Time
}

// NewAlerter creates an Alerter.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

// Evaluate returns one alert per breached threshold.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	now := a.now().UTC()
	var alerts []Alert
	for _, r := range rules {
		if al := r(a.cfg, snap); al != nil {
			al.Timestamp = now
			alerts = append(alerts, *al)
		}
	}
	return alerts
}

type webhookPayload struct {
	Source string  `json:"source"`
	Alerts []Alert `json:"alerts"`
}

// Notify posts alerts to the webhook in a single request. It is a no-op
// without a webhook URL or alerts.
func (a *Alerter) Notify(ctx context.Context, alerts []Alert) error {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return nil
	}

	payload, err := json.Marshal(webhookPayload{Source: "prospect-waterfall", Alerts: alerts})
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alerts")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
