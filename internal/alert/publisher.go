package alert

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/sgerhart/flowguard/internal/metrics"
	"github.com/sgerhart/flowguard/internal/model"
)

// Subject is the NATS subject threat alerts are published to.
const Subject = "alerts.threats"

// EscalationSubject carries actions that exhausted their retries and
// need a human.
const EscalationSubject = "alerts.escalations"

// Event is the structured alert emitted for DENY-triggering verdicts
// at or above the configured severity.
type Event struct {
	ThreatCategory model.ThreatCategory `json:"threat_category"`
	Confidence     float64              `json:"confidence"`
	Severity       model.Severity       `json:"severity"`
	Target         string               `json:"target"`
	ActionTaken    model.ActionType     `json:"action_taken"`
	Timestamp      time.Time            `json:"timestamp"`
}

// NATSPublisher is the slice of a NATS connection the publisher
// needs.
type NATSPublisher interface {
	Publish(subject string, data []byte) error
}

// Publisher delivers alerts to NATS and an optional webhook. Delivery
// failures are logged and counted, never propagated back into the
// decision path.
type Publisher struct {
	nc          NATSPublisher
	webhookURL  string
	httpc       *http.Client
	minSeverity model.Severity
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewPublisher creates a publisher. nc may be nil (no NATS) and
// webhookURL may be empty (no webhook).
func NewPublisher(nc NATSPublisher, webhookURL string, minSeverity model.Severity, m *metrics.Metrics, logger *slog.Logger) *Publisher {
	return &Publisher{
		nc:          nc,
		webhookURL:  webhookURL,
		httpc:       &http.Client{Timeout: 5 * time.Second},
		minSeverity: minSeverity,
		logger:      logger,
		metrics:     m,
	}
}

// Notify emits an alert for a verdict and the mitigation taken,
// honoring the severity floor.
func (p *Publisher) Notify(v model.ThreatVerdict, a model.ResponseAction) {
	if v.Severity < p.minSeverity {
		return
	}
	ev := Event{
		ThreatCategory: v.Category,
		Confidence:     v.Confidence,
		Severity:       v.Severity,
		Target:         a.Target,
		ActionTaken:    a.Type,
		Timestamp:      time.Now(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("Failed to marshal alert event", "error", err)
		return
	}

	p.logger.Info("Threat alert",
		"category", string(ev.ThreatCategory),
		"severity", ev.Severity.String(),
		"confidence", ev.Confidence,
		"target", ev.Target,
		"action", string(ev.ActionTaken))

	if p.nc != nil {
		if err := p.nc.Publish(Subject, data); err != nil {
			p.logger.Warn("Failed to publish alert to NATS", "error", err)
			p.countError()
		} else {
			p.countPublished()
		}
	}
	if p.webhookURL != "" {
		resp, err := p.httpc.Post(p.webhookURL, "application/json", bytes.NewReader(data))
		if err != nil {
			p.logger.Warn("Failed to deliver alert webhook", "url", p.webhookURL, "error", err)
			p.countError()
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			p.logger.Warn("Alert webhook returned non-success status", "url", p.webhookURL, "status", resp.StatusCode)
			p.countError()
			return
		}
		p.countPublished()
	}
}

// Escalate reports a mitigation that failed all attempts. Escalations
// ignore the severity floor; an unapplied mitigation always needs
// eyes.
func (p *Publisher) Escalate(a model.ResponseAction) {
	payload := map[string]any{
		"action_id":  a.ID,
		"verdict_id": a.VerdictID,
		"type":       a.Type,
		"target":     a.Target,
		"attempts":   a.Attempts,
		"error":      a.Error,
		"timestamp":  time.Now(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("Failed to marshal escalation", "error", err)
		return
	}

	p.logger.Error("Mitigation escalated for manual intervention",
		"action_id", a.ID, "type", string(a.Type), "target", a.Target, "attempts", a.Attempts)

	if p.nc != nil {
		if err := p.nc.Publish(EscalationSubject, data); err != nil {
			p.logger.Warn("Failed to publish escalation to NATS", "error", err)
			p.countError()
		} else {
			p.countPublished()
		}
	}
	if p.webhookURL != "" {
		resp, err := p.httpc.Post(p.webhookURL, "application/json", bytes.NewReader(data))
		if err != nil {
			p.logger.Warn("Failed to deliver escalation webhook", "url", p.webhookURL, "error", err)
			p.countError()
			return
		}
		resp.Body.Close()
	}
}

func (p *Publisher) countPublished() {
	if p.metrics != nil {
		p.metrics.AlertsPublished.Inc()
	}
}

func (p *Publisher) countError() {
	if p.metrics != nil {
		p.metrics.AlertErrors.Inc()
	}
}
