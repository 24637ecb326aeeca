package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/fiscalpilot/core/pkg/actions"
)

// profileSchemaConstraint is the range of profile schema versions this build
// understands. Profiles written for a newer major schema are rejected rather
// than half-applied.
const profileSchemaConstraint = ">= 1.0.0, < 2.0.0"

// ErrProfileVersion is returned for profiles outside the supported schema
// range.
var ErrProfileVersion = errors.New("config: unsupported profile schema version")

// AutonomyProfile is the operator-editable policy document: rule overrides,
// the global default tier, the approver roster, and decision parameters.
type AutonomyProfile struct {
	Version      string                           `yaml:"version" json:"version"`
	Name         string                           `yaml:"name,omitempty" json:"name,omitempty"`
	Rules        []actions.ApprovalRule           `yaml:"rules,omitempty" json:"rules,omitempty"`
	DefaultLevel actions.ApprovalLevel            `yaml:"default_level,omitempty" json:"default_level,omitempty"`
	Approvers    map[string]actions.ApprovalLevel `yaml:"approvers,omitempty" json:"approvers,omitempty"`
	Quorum       int                              `yaml:"quorum,omitempty" json:"quorum,omitempty"`
	TimeoutHours int                              `yaml:"timeout_hours,omitempty" json:"timeout_hours,omitempty"`
}

// LoadProfile reads and validates an autonomy profile from a YAML file.
func LoadProfile(path string) (*AutonomyProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load profile %q: %w", path, err)
	}
	return ParseProfile(data)
}

// ParseProfile parses and validates profile YAML.
func ParseProfile(data []byte) (*AutonomyProfile, error) {
	var p AutonomyProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: parse profile: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *AutonomyProfile) validate() error {
	if p.Version == "" {
		return fmt.Errorf("%w: version missing", ErrProfileVersion)
	}
	v, err := semver.NewVersion(p.Version)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrProfileVersion, p.Version, err)
	}
	constraint, err := semver.NewConstraint(profileSchemaConstraint)
	if err != nil {
		return fmt.Errorf("config: schema constraint: %w", err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("%w: %s (supported: %s)", ErrProfileVersion, p.Version, profileSchemaConstraint)
	}

	if p.DefaultLevel != "" && !p.DefaultLevel.Valid() {
		return fmt.Errorf("config: profile default_level %q is not a tier", p.DefaultLevel)
	}
	for i, rule := range p.Rules {
		if !rule.Level.Valid() {
			return fmt.Errorf("config: profile rule %d: level %q is not a tier", i, rule.Level)
		}
		if rule.ActionType == "" && rule.Pattern == "" {
			return fmt.Errorf("config: profile rule %d: needs action_type or pattern", i)
		}
	}
	for actor, level := range p.Approvers {
		if !level.Valid() {
			return fmt.Errorf("config: profile approver %q: level %q is not a tier", actor, level)
		}
	}
	if p.Quorum < 0 {
		return fmt.Errorf("config: profile quorum must not be negative")
	}
	return nil
}
