package freshness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultDuration applies to unrecognised categories and windows
const DefaultDuration = 24 * time.Hour

// Rule holds the freshness hours of one category
type Rule struct {
	// Windows maps an exact window name to hours
	Windows map[string]int `yaml:"windows"`
	// Historical and Current apply to windows of that class without an explicit entry
	Historical int `yaml:"historical"`
	Current    int `yaml:"current"`
}

// Policy maps (category, window) to a freshness duration
type Policy struct {
	DefaultHours int             `yaml:"default_hours"`
	Categories   map[string]Rule `yaml:"categories"`
}

// DefaultPolicy returns the built-in rule table
func DefaultPolicy() *Policy {
	return &Policy{
		DefaultHours: 24,
		Categories: map[string]Rule{
			"quotas": {
				Windows: map[string]int{
					"last_month": 24, "last_quarter": 24, "last_year": 48, "all_time": 168,
					"current_month": 2, "current_quarter": 4, "current_year": 6,
				},
				Historical: 24,
				Current:    4,
			},
			"reaction_times": {
				Windows: map[string]int{
					"last_month": 12, "last_quarter": 12, "last_year": 24, "all_time": 72,
					"current_month": 1, "current_quarter": 2, "current_year": 3,
				},
				Historical: 12,
				Current:    2,
			},
			"problematic_stays": {
				Windows: map[string]int{
					"last_month": 24, "last_quarter": 24, "last_year": 48, "all_time": 168,
					"current_month": 4, "current_quarter": 6, "current_year": 8,
				},
				Historical: 24,
				Current:    6,
			},
		},
	}
}

// DurationFor returns how long a dataset stays fresh. It never fails:
// unknown categories and windows fall back to the class default, then to
// DefaultHours.
func (p *Policy) DurationFor(category string, w Window) time.Duration {
	fallback := DefaultDuration
	if p == nil {
		return fallback
	}
	if p.DefaultHours > 0 {
		fallback = hours(p.DefaultHours)
	}

	rule, ok := p.Categories[category]
	if !ok {
		return fallback
	}
	if h, ok := rule.Windows[w.Name]; ok && h > 0 {
		return hours(h)
	}
	switch {
	case w.Class == ClassHistorical && rule.Historical > 0:
		return hours(rule.Historical)
	case w.Class == ClassCurrent && rule.Current > 0:
		return hours(rule.Current)
	}
	return fallback
}

// Validate rejects negative hours
func (p *Policy) Validate() error {
	if p.DefaultHours < 0 {
		return fmt.Errorf("default_hours must not be negative, got %d", p.DefaultHours)
	}
	for category, rule := range p.Categories {
		if rule.Historical < 0 || rule.Current < 0 {
			return fmt.Errorf("category %s: class hours must not be negative", category)
		}
		for window, h := range rule.Windows {
			if h < 0 {
				return fmt.Errorf("category %s window %s: hours must not be negative, got %d", category, window, h)
			}
		}
	}
	return nil
}

// ParsePolicy decodes a YAML rules document
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse freshness rules: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadPolicy reads a YAML rules file
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read freshness rules: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("freshness rules file %s is empty", path)
	}
	return ParsePolicy(data)
}

// LoadPolicyWithDefault is LoadPolicy with defaultHours applied when the file
// leaves default_hours unset
func LoadPolicyWithDefault(path string, defaultHours int) (*Policy, error) {
	p, err := LoadPolicy(path)
	if err != nil {
		return nil, err
	}
	if p.DefaultHours == 0 {
		p.DefaultHours = defaultHours
	}
	return p, nil
}

func hours(h int) time.Duration {
	return time.Duration(h) * time.Hour
}
