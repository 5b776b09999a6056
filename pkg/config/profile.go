package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/synod-labs/synod/pkg/contracts"
)

// Profile tunes the ritual surface of one conclave deployment. Zero
// fields keep their defaults, so a profile only names what it changes.
type Profile struct {
	Name                 string                   `yaml:"name"`
	Thresholds           contracts.ThresholdTable `yaml:"thresholds"`
	QuorumFraction       float64                  `yaml:"quorum_fraction"`
	SuppressionGrace     int                      `yaml:"suppression_grace"`
	WitnessMin           int                      `yaml:"witness_min"`
	OverrideDefaultHours int                      `yaml:"override_default_hours"`
	LeaseTTLSeconds      int                      `yaml:"lease_ttl_seconds"`
	Intake               *IntakeSettings          `yaml:"intake"`
}

// LoadProfile reads and validates a profile YAML.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: parse profile %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate rejects profiles whose named fields are out of range. A
// partial threshold table is rejected too: adoption rules only make
// sense as a complete, monotone set.
func (p *Profile) Validate() error {
	if p.Thresholds != nil {
		if err := p.Thresholds.Validate(); err != nil {
			return fmt.Errorf("config: profile %q: %w", p.Name, err)
		}
	}
	if p.QuorumFraction < 0 || p.QuorumFraction >= 1 {
		return fmt.Errorf("config: profile %q: quorum fraction %v outside [0,1)", p.Name, p.QuorumFraction)
	}
	if p.SuppressionGrace < 0 {
		return fmt.Errorf("config: profile %q: negative suppression grace", p.Name)
	}
	if p.WitnessMin < 0 || p.OverrideDefaultHours < 0 || p.LeaseTTLSeconds < 0 {
		return fmt.Errorf("config: profile %q: negative tunable", p.Name)
	}
	if p.Intake != nil && (p.Intake.Capacity < 0 || p.Intake.Rate < 0 || p.Intake.Burst < 0) {
		return fmt.Errorf("config: profile %q: negative intake setting", p.Name)
	}
	return nil
}

func (c *Config) applyProfile(p *Profile) {
	if p.Thresholds != nil {
		c.Thresholds = p.Thresholds
	}
	if p.QuorumFraction > 0 {
		c.QuorumFraction = p.QuorumFraction
	}
	if p.SuppressionGrace > 0 {
		c.SuppressionGrace = p.SuppressionGrace
	}
	if p.WitnessMin > 0 {
		c.WitnessMin = p.WitnessMin
	}
	if p.OverrideDefaultHours > 0 {
		c.OverrideDefault = time.Duration(p.OverrideDefaultHours) * time.Hour
	}
	if p.LeaseTTLSeconds > 0 {
		c.LeaseTTL = time.Duration(p.LeaseTTLSeconds) * time.Second
	}
	if p.Intake != nil {
		if p.Intake.Capacity > 0 {
			c.Intake.Capacity = p.Intake.Capacity
		}
		if p.Intake.Rate > 0 {
			c.Intake.Rate = p.Intake.Rate
		}
		if p.Intake.Burst > 0 {
			c.Intake.Burst = p.Intake.Burst
		}
	}
}
