package services

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Wikid82/bookguard/internal/config"
	"github.com/Wikid82/bookguard/internal/models"
)

// Rule is a detection rule. The set of implementations is closed: ThresholdRule
// and StatisticalRule.
type Rule interface {
	RuleName() string
	validate() error
}

// ThresholdRule fires when at least Threshold events of EventType share the same
// GroupBy attribute (ip, userId or userAgent) within Window.
type ThresholdRule struct {
	Name      string           `yaml:"name" json:"name"`
	EventType models.EventType `yaml:"event_type" json:"event_type"`
	GroupBy   string           `yaml:"group_by" json:"group_by"`
	Window    time.Duration    `yaml:"window" json:"window"`
	Threshold int              `yaml:"threshold" json:"threshold"`
	AlertType string           `yaml:"alert_type" json:"alert_type"`
	Severity  models.Severity  `yaml:"severity" json:"severity"`
}

func (r ThresholdRule) RuleName() string { return r.Name }

func (r ThresholdRule) validate() error {
	switch {
	case r.Name == "":
		return fmt.Errorf("%w: threshold rule without name", ErrInvalidRule)
	case r.EventType == "":
		return fmt.Errorf("%w: %s: event_type is required", ErrInvalidRule, r.Name)
	case groupField(r.GroupBy) == "":
		return fmt.Errorf("%w: %s: group_by %q must be ip, userId or userAgent", ErrInvalidRule, r.Name, r.GroupBy)
	case r.Window <= 0 || r.Threshold < 1:
		return fmt.Errorf("%w: %s: window and threshold must be positive", ErrInvalidRule, r.Name)
	case !r.Severity.Valid():
		return fmt.Errorf("%w: %s: unknown severity %q", ErrInvalidRule, r.Name, r.Severity)
	}
	return nil
}

// StatisticalKind selects the baseline comparison a StatisticalRule performs.
type StatisticalKind string

const (
	KindUnusualLoginTimes StatisticalKind = "unusual_login_times"
	KindGeographic        StatisticalKind = "geographic_anomaly"
)

// StatisticalRule compares an event to the entity's BehaviorBaseline. Entities
// with fewer than MinSamples observations are never flagged.
type StatisticalRule struct {
	Name               string             `yaml:"name" json:"name"`
	Kind               StatisticalKind    `yaml:"kind" json:"kind"`
	EventTypes         []models.EventType `yaml:"event_types" json:"event_types"`
	DeviationThreshold float64            `yaml:"deviation_threshold" json:"deviation_threshold,omitempty"`
	MinSamples         int                `yaml:"min_samples" json:"min_samples"`
	AlertType          string             `yaml:"alert_type" json:"alert_type"`
	Severity           models.Severity    `yaml:"severity" json:"severity"`
}

func (r StatisticalRule) RuleName() string { return r.Name }

func (r StatisticalRule) validate() error {
	switch {
	case r.Name == "":
		return fmt.Errorf("%w: statistical rule without name", ErrInvalidRule)
	case r.Kind != KindUnusualLoginTimes && r.Kind != KindGeographic:
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidRule, r.Name, r.Kind)
	case r.MinSamples < 1:
		return fmt.Errorf("%w: %s: min_samples must be positive", ErrInvalidRule, r.Name)
	case r.Kind == KindUnusualLoginTimes && r.DeviationThreshold <= 0:
		return fmt.Errorf("%w: %s: deviation_threshold must be positive", ErrInvalidRule, r.Name)
	case !r.Severity.Valid():
		return fmt.Errorf("%w: %s: unknown severity %q", ErrInvalidRule, r.Name, r.Severity)
	}
	return nil
}

func (r StatisticalRule) matches(t models.EventType) bool {
	if len(r.EventTypes) == 0 {
		return t == models.EventLoginSuccess
	}
	for _, et := range r.EventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// groupField maps a rule group_by value onto an event index field.
func groupField(groupBy string) string {
	switch groupBy {
	case "ip":
		return FieldIP
	case "userId", "user_id", "user":
		return FieldUser
	case "userAgent", "user_agent":
		return FieldUserAgent
	}
	return ""
}

// DefaultRules is the built-in rule set.
func DefaultRules(cfg config.AnomalyConfig) []Rule {
	return []Rule{
		ThresholdRule{Name: "failed_logins_by_ip", EventType: models.EventLoginFailed, GroupBy: "ip", Window: 15 * time.Minute, Threshold: 5, AlertType: "brute_force_attempt", Severity: models.SeverityHigh},
		ThresholdRule{Name: "failed_logins_by_user", EventType: models.EventLoginFailed, GroupBy: "userId", Window: 15 * time.Minute, Threshold: 5, AlertType: "credential_stuffing", Severity: models.SeverityHigh},
		ThresholdRule{Name: "failed_mfa_by_user", EventType: models.EventMFAFailed, GroupBy: "userId", Window: 15 * time.Minute, Threshold: 5, AlertType: "mfa_bruteforce", Severity: models.SeverityHigh},
		ThresholdRule{Name: "password_reset_burst", EventType: models.EventPasswordReset, GroupBy: "ip", Window: time.Hour, Threshold: 5, AlertType: "password_reset_abuse", Severity: models.SeverityMedium},
		ThresholdRule{Name: "rate_limit_violations", EventType: models.EventRateLimitExceeded, GroupBy: "ip", Window: time.Hour, Threshold: 10, AlertType: "persistent_rate_limit_violation", Severity: models.SeverityMedium},
		ThresholdRule{Name: "excessive_data_access", EventType: models.EventDataAccess, GroupBy: "userId", Window: time.Hour, Threshold: 100, AlertType: "excessive_data_access", Severity: models.SeverityHigh},
		ThresholdRule{Name: "upload_burst", EventType: models.EventFileUpload, GroupBy: "userId", Window: time.Hour, Threshold: 50, AlertType: "upload_abuse", Severity: models.SeverityMedium},
		StatisticalRule{Name: "unusual_login_times", Kind: KindUnusualLoginTimes, DeviationThreshold: cfg.DeviationThreshold, MinSamples: cfg.TimingMinSamples, AlertType: "unusual_login_time", Severity: models.SeverityMedium},
		StatisticalRule{Name: "geographic_anomaly", Kind: KindGeographic, MinSamples: cfg.GeoMinSamples, AlertType: "new_location", Severity: models.SeverityMedium},
	}
}

// ruleFile is the YAML layout of a rules file.
type ruleFile struct {
	ThresholdRules   []ThresholdRule   `yaml:"threshold_rules"`
	StatisticalRules []StatisticalRule `yaml:"statistical_rules"`
}

// LoadRulesFile parses and validates a YAML rules file.
func LoadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules parses and validates YAML rule definitions.
func ParseRules(data []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	rules := make([]Rule, 0, len(f.ThresholdRules)+len(f.StatisticalRules))
	seen := make(map[string]bool)
	for _, r := range f.ThresholdRules {
		rules = append(rules, r)
	}
	for _, r := range f.StatisticalRules {
		rules = append(rules, r)
	}
	for _, r := range rules {
		if err := r.validate(); err != nil {
			return nil, err
		}
		if seen[r.RuleName()] {
			return nil, fmt.Errorf("%w: duplicate rule name %q", ErrInvalidRule, r.RuleName())
		}
		seen[r.RuleName()] = true
	}
	return rules, nil
}
