package smartlog

import (
	"bytes"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/ledgerstack/resilience/internal/platform"
)

// ChannelFilter gates which alerts a channel receives. All filters of a
// channel must pass.
type ChannelFilter struct {
	// Field addresses an alert attribute: type, severity, title, message.
	Field string `json:"field"`

	// Comparison is eq, ne, contains, or regex.
	Comparison Comparison `json:"comparison"`

	// Value is the comparison operand.
	Value string `json:"value"`
}

// Channel delivers alerts.
type Channel interface {
	// Name identifies the channel.
	Name() string

	// Send delivers one alert.
	Send(alert Alert) error
}

// ConsoleChannel writes alerts through the structured logger, colorized by
// logrus according to severity. It is the default enabled channel.
type ConsoleChannel struct{}

// Name identifies the channel.
func (ConsoleChannel) Name() string { return "console" }

// Send logs the alert at a level matching its severity.
func (ConsoleChannel) Send(alert Alert) error {
	fields := log.Fields{
		"alert_id": alert.ID,
		"type":     alert.Type,
		"severity": string(alert.Severity),
	}
	entry := log.WithFields(fields)
	msg := fmt.Sprintf("ALERT %s: %s", alert.Title, alert.Message)

	switch alert.Severity {
	case AlertCritical, AlertError:
		entry.Error(msg)
	case AlertWarning:
		entry.Warn(msg)
	default:
		entry.Info(msg)
	}
	return nil
}

// WebhookChannel POSTs alerts as JSON to a configured endpoint. The body
// starts from a caller-supplied template with alert fields injected, so
// receivers with fixed payload schemas (chat hooks, paging systems) can be
// targeted without a bespoke channel type.
type WebhookChannel struct {
	// URL is the destination endpoint.
	URL string

	// BodyTemplate is the JSON document alert fields are injected into.
	// Empty means a bare JSON object.
	BodyTemplate string

	// Client is the HTTP client; http.DefaultClient when nil.
	Client *http.Client
}

// Name identifies the channel.
func (c *WebhookChannel) Name() string { return "webhook" }

// Send POSTs the templated alert payload.
func (c *WebhookChannel) Send(alert Alert) error {
	body := c.BodyTemplate
	if body == "" {
		body = "{}"
	}

	var err error
	for field, value := range map[string]interface{}{
		"alert.id":       alert.ID,
		"alert.type":     alert.Type,
		"alert.severity": string(alert.Severity),
		"alert.title":    alert.Title,
		"alert.message":  alert.Message,
		"alert.time":     alert.Timestamp.Format(time.RFC3339),
	} {
		if body, err = sjson.Set(body, field, value); err != nil {
			return fmt.Errorf("failed to build webhook payload: %w", err)
		}
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Post(c.URL, "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// EmailChannel is declared but not yet wired to a mail relay; Send records
// the intent in the log.
// TODO: connect to the notification service once its SMTP relay is available.
type EmailChannel struct {
	// Recipients receive the alert.
	Recipients []string
}

// Name identifies the channel.
func (c *EmailChannel) Name() string { return "email" }

// Send logs the would-be delivery.
func (c *EmailChannel) Send(alert Alert) error {
	log.Infof("email alert to %s: [%s] %s", strings.Join(c.Recipients, ","), alert.Severity, alert.Title)
	return nil
}

// EscalationActionKind enumerates escalation follow-ups.
type EscalationActionKind string

const (
	EscalateNotify      EscalationActionKind = "notify"
	EscalateLevel       EscalationActionKind = "escalate"
	EscalateAutoResolve EscalationActionKind = "auto_resolve"
	EscalateTicket      EscalationActionKind = "create_ticket"
)

// EscalationAction is one delayed follow-up of a rule.
type EscalationAction struct {
	Kind  EscalationActionKind `json:"kind"`
	Delay time.Duration        `json:"delay"`
}

// EscalationRule fires follow-up actions when alert aggregates cross a
// threshold. Conditions reference the aggregate fields alertCount and
// criticalAlertCount; the schema stays generic but no other fields are
// defined.
type EscalationRule struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Conditions []AnomalyCondition `json:"conditions"`
	Actions    []EscalationAction `json:"actions"`
	Enabled    bool               `json:"enabled"`
	Cooldown   time.Duration      `json:"cooldown"`
	lastFired  time.Time
}

// channelEntry pairs a channel with its filters and enabled flag.
type channelEntry struct {
	channel Channel
	filters []ChannelFilter
	enabled bool
	regexes map[int]*regexp.Regexp
}

// AlertManager creates, retains, and dispatches alerts, and evaluates
// escalation rules on each processing tick.
type AlertManager struct {
	mu        sync.Mutex
	clock     platform.Clock
	channels  []*channelEntry
	rules     []*EscalationRule
	alerts    []Alert
	maxAlerts int

	rateLimit   int
	windowStart time.Time
	windowCount int
}

// NewAlertManager creates a manager with the console channel enabled and
// email/webhook absent until configured. rateLimit caps alerts per hour.
func NewAlertManager(clock platform.Clock, rateLimit int) *AlertManager {
	am := &AlertManager{
		clock:     clock,
		maxAlerts: 500,
		rateLimit: rateLimit,
	}
	am.AddChannel(ConsoleChannel{}, nil, true)
	return am
}

// AddChannel registers a delivery channel with its filters.
func (am *AlertManager) AddChannel(ch Channel, filters []ChannelFilter, enabled bool) error {
	entry := &channelEntry{
		channel: ch,
		filters: filters,
		enabled: enabled,
		regexes: make(map[int]*regexp.Regexp),
	}
	for i, f := range filters {
		if f.Comparison == CmpRegex {
			re, err := regexp.Compile(f.Value)
			if err != nil {
				return fmt.Errorf("channel %s filter %d: invalid regex: %w", ch.Name(), i, err)
			}
			entry.regexes[i] = re
		}
	}

	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, entry)
	return nil
}

// AddRule registers an escalation rule.
func (am *AlertManager) AddRule(rule EscalationRule) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.rules = append(am.rules, &rule)
}

// Raise creates an alert and dispatches it to every enabled channel whose
// filters pass. Returns the created alert, or nil when rate-limited.
func (am *AlertManager) Raise(alertType string, severity AlertSeverity, title, message string, payload map[string]interface{}) *Alert {
	now := am.clock.Now()

	am.mu.Lock()
	if am.rateLimit > 0 {
		if now.Sub(am.windowStart) >= time.Hour {
			am.windowStart = now
			am.windowCount = 0
		}
		if am.windowCount >= am.rateLimit {
			am.mu.Unlock()
			log.Debugf("alert rate limit reached, dropping alert %q", title)
			return nil
		}
		am.windowCount++
	}

	alert := Alert{
		ID:        uuid.NewString(),
		Type:      alertType,
		Severity:  severity,
		Title:     title,
		Message:   message,
		Timestamp: now,
		Payload:   payload,
	}
	am.alerts = append(am.alerts, alert)
	if len(am.alerts) > am.maxAlerts {
		am.alerts = am.alerts[len(am.alerts)-am.maxAlerts:]
	}

	channels := make([]*channelEntry, len(am.channels))
	copy(channels, am.channels)
	am.mu.Unlock()

	for _, entry := range channels {
		if !entry.enabled || !entry.passes(alert) {
			continue
		}
		if err := entry.channel.Send(alert); err != nil {
			log.Warnf("alert channel %s failed: %v", entry.channel.Name(), err)
		}
	}
	return &alert
}

func (ce *channelEntry) passes(alert Alert) bool {
	for i, f := range ce.filters {
		value := alertField(alert, f.Field)
		switch f.Comparison {
		case CmpEQ:
			if value != f.Value {
				return false
			}
		case CmpNE:
			if value == f.Value {
				return false
			}
		case CmpContains:
			if !strings.Contains(strings.ToLower(value), strings.ToLower(f.Value)) {
				return false
			}
		case CmpRegex:
			if re := ce.regexes[i]; re == nil || !re.MatchString(value) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func alertField(alert Alert, field string) string {
	switch field {
	case "type":
		return alert.Type
	case "severity":
		return string(alert.Severity)
	case "title":
		return alert.Title
	case "message":
		return alert.Message
	default:
		return ""
	}
}

// Acknowledge marks an alert acknowledged by actor.
func (am *AlertManager) Acknowledge(id, actor string) error {
	am.mu.Lock()
	defer am.mu.Unlock()

	for i := range am.alerts {
		if am.alerts[i].ID == id {
			am.alerts[i].Acknowledged = true
			am.alerts[i].AckBy = actor
			am.alerts[i].AckAt = am.clock.Now()
			return nil
		}
	}
	return fmt.Errorf("alert %s not found", id)
}

// Resolve marks an alert resolved by actor.
func (am *AlertManager) Resolve(id, actor string) error {
	am.mu.Lock()
	defer am.mu.Unlock()

	for i := range am.alerts {
		if am.alerts[i].ID == id {
			am.alerts[i].Resolved = true
			am.alerts[i].ResolvedBy = actor
			am.alerts[i].ResolvedAt = am.clock.Now()
			return nil
		}
	}
	return fmt.Errorf("alert %s not found", id)
}

// Alerts returns a copy of retained alerts, oldest first.
func (am *AlertManager) Alerts() []Alert {
	am.mu.Lock()
	defer am.mu.Unlock()

	out := make([]Alert, len(am.alerts))
	copy(out, am.alerts)
	return out
}

// OpenCount returns alerts that are neither acknowledged nor resolved,
// and how many of those are critical.
func (am *AlertManager) OpenCount() (open, critical int) {
	am.mu.Lock()
	defer am.mu.Unlock()

	for _, a := range am.alerts {
		if a.Acknowledged || a.Resolved {
			continue
		}
		open++
		if a.Severity == AlertCritical {
			critical++
		}
	}
	return open, critical
}

// CheckEscalations evaluates every enabled rule against the open-alert
// aggregates and schedules matching actions after their delays.
func (am *AlertManager) CheckEscalations() {
	open, critical := am.OpenCount()
	now := am.clock.Now()

	am.mu.Lock()
	var due []*EscalationRule
	for _, rule := range am.rules {
		if !rule.Enabled {
			continue
		}
		if !rule.lastFired.IsZero() && now.Sub(rule.lastFired) < rule.Cooldown {
			continue
		}
		if ruleMatches(rule, open, critical) {
			rule.lastFired = now
			due = append(due, rule)
		}
	}
	am.mu.Unlock()

	for _, rule := range due {
		for _, action := range rule.Actions {
			go am.runEscalation(rule.ID, action)
		}
	}
}

// ruleMatches evaluates a rule's conditions against the two defined
// aggregate fields. Unknown fields never match.
func ruleMatches(rule *EscalationRule, open, critical int) bool {
	for _, cond := range rule.Conditions {
		var value float64
		switch cond.Field {
		case "alertCount":
			value = float64(open)
		case "criticalAlertCount":
			value = float64(critical)
		default:
			return false
		}

		var ok bool
		switch cond.Comparison {
		case CmpGT:
			ok = value > cond.Threshold
		case CmpLT:
			ok = value < cond.Threshold
		case CmpEQ:
			ok = value == cond.Threshold
		case CmpNE:
			ok = value != cond.Threshold
		default:
			ok = false
		}
		if !ok {
			return false
		}
	}
	return len(rule.Conditions) > 0
}

func (am *AlertManager) runEscalation(ruleID string, action EscalationAction) {
	if action.Delay > 0 {
		am.clock.Sleep(action.Delay)
	}

	switch action.Kind {
	case EscalateLevel:
		am.mu.Lock()
		for i := range am.alerts {
			if !am.alerts[i].Acknowledged && !am.alerts[i].Resolved {
				am.alerts[i].EscalationLvl++
			}
		}
		am.mu.Unlock()
		log.Warnf("escalation rule %s: raised escalation level of open alerts", ruleID)
	case EscalateAutoResolve:
		am.mu.Lock()
		now := am.clock.Now()
		for i := range am.alerts {
			if !am.alerts[i].Resolved {
				am.alerts[i].Resolved = true
				am.alerts[i].ResolvedBy = "escalation:" + ruleID
				am.alerts[i].ResolvedAt = now
			}
		}
		am.mu.Unlock()
		log.Infof("escalation rule %s: auto-resolved open alerts", ruleID)
	case EscalateNotify:
		log.Warnf("escalation rule %s: notification requested", ruleID)
	case EscalateTicket:
		log.Warnf("escalation rule %s: ticket creation requested", ruleID)
	default:
		log.Debugf("escalation rule %s: unknown action %q", ruleID, action.Kind)
	}
}
