// Package profiles manages named consensus weighting profiles: the
// per-analyst base weights the consensus engine starts from. Profiles
// are versioned documents that can be exported, edited, re-imported,
// and migrated across schema revisions.
package profiles

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the current profile document schema
const SchemaVersion = "1.0"

// SupportedSchemaVersions lists the schema versions this build can
// read, oldest first.
var SupportedSchemaVersions = []string{"1.0"}

// Builtin profile names. These are always present and cannot be
// deleted or overwritten.
const (
	ProfileBalanced       = "balanced"
	ProfileFundamentalist = "fundamentalist"
	ProfileMomentum       = "momentum"
)

// Metadata describes a profile document
type Metadata struct {
	ID            string    `json:"id" yaml:"id"`
	Name          string    `json:"name" yaml:"name"`
	Description   string    `json:"description,omitempty" yaml:"description,omitempty"`
	Version       string    `json:"version,omitempty" yaml:"version,omitempty"`
	SchemaVersion string    `json:"schema_version" yaml:"schema_version"`
	Builtin       bool      `json:"builtin,omitempty" yaml:"builtin,omitempty"`
	CreatedAt     time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" yaml:"updated_at"`
}

// Profile is one named weighting scheme. Weights map agent ids to
// base weights in (0, 1]; analysts not named keep the engine default.
type Profile struct {
	Metadata Metadata           `json:"metadata" yaml:"metadata"`
	Weights  map[string]float64 `json:"weights" yaml:"weights"`
}

// New creates an empty custom profile
func New(name string) *Profile {
	now := time.Now().UTC()
	return &Profile{
		Metadata: Metadata{
			ID:            uuid.New().String(),
			Name:          name,
			Version:       "1.0.0",
			SchemaVersion: SchemaVersion,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		Weights: make(map[string]float64),
	}
}

// Validate checks the profile document
func (p *Profile) Validate() error {
	if p == nil {
		return fmt.Errorf("profile cannot be nil")
	}
	if strings.TrimSpace(p.Metadata.Name) == "" {
		return fmt.Errorf("profile requires a name")
	}
	if len(p.Weights) == 0 {
		return fmt.Errorf("profile %s has no weights", p.Metadata.Name)
	}
	for agentID, w := range p.Weights {
		if agentID == "" {
			return fmt.Errorf("profile %s has a weight with no agent id", p.Metadata.Name)
		}
		if w <= 0 || w > 1 {
			return fmt.Errorf("profile %s: weight %.3f for %s outside (0, 1]", p.Metadata.Name, w, agentID)
		}
	}
	return nil
}

// Clone returns an independent copy
func (p *Profile) Clone() *Profile {
	weights := make(map[string]float64, len(p.Weights))
	for k, v := range p.Weights {
		weights[k] = v
	}
	clone := *p
	clone.Weights = weights
	return &clone
}

// builtins returns the standard profile set. Balanced mirrors the
// consensus engine defaults; the others tilt toward a school of
// analysis.
func builtins() []*Profile {
	now := time.Now().UTC()
	meta := func(name, description string) Metadata {
		return Metadata{
			ID:            "builtin-" + name,
			Name:          name,
			Description:   description,
			Version:       "1.0.0",
			SchemaVersion: SchemaVersion,
			Builtin:       true,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	}
	return []*Profile{
		{
			Metadata: meta(ProfileBalanced, "Default weighting across all analyst schools"),
			Weights: map[string]float64{
				"fundamental":      0.35,
				"valuation":        0.30,
				"technical":        0.25,
				"risk":             0.20,
				"news":             0.15,
				"sentiment":        0.10,
				"macro":            0.10,
				"peer_comparison":  0.08,
				"insider_activity": 0.07,
				"catalyst":         0.05,
			},
		},
		{
			Metadata: meta(ProfileFundamentalist, "Value-driven: fundamentals and valuation dominate"),
			Weights: map[string]float64{
				"fundamental":      0.45,
				"valuation":        0.40,
				"peer_comparison":  0.15,
				"risk":             0.20,
				"technical":        0.10,
				"news":             0.08,
				"sentiment":        0.05,
				"macro":            0.10,
				"insider_activity": 0.10,
				"catalyst":         0.05,
			},
		},
		{
			Metadata: meta(ProfileMomentum, "Flow-driven: price action, sentiment, and news lead"),
			Weights: map[string]float64{
				"technical":        0.45,
				"sentiment":        0.25,
				"news":             0.25,
				"catalyst":         0.15,
				"risk":             0.20,
				"fundamental":      0.12,
				"valuation":        0.10,
				"macro":            0.08,
				"peer_comparison":  0.05,
				"insider_activity": 0.05,
			},
		},
	}
}

// Store holds the profile set in memory. Builtins are seeded on
// creation; custom profiles come and go through Save and Delete.
type Store struct {
	mu       sync.Mutex
	profiles map[string]*Profile
}

// NewStore creates a store seeded with the builtin profiles
func NewStore() *Store {
	s := &Store{profiles: make(map[string]*Profile)}
	for _, p := range builtins() {
		s.profiles[p.Metadata.Name] = p
	}
	return s
}

// Get returns the named profile
func (s *Store) Get(name string) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[name]
	if !ok {
		return nil, fmt.Errorf("profile %q not found", name)
	}
	return p.Clone(), nil
}

// List returns all profiles sorted by name
func (s *Store) List() []*Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Metadata.Name < out[j].Metadata.Name
	})
	return out
}

// Save validates, migrates, and stores a custom profile. Builtin
// names are reserved.
func (s *Store) Save(p *Profile) error {
	if err := Migrate(p); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.profiles[p.Metadata.Name]; ok && existing.Metadata.Builtin {
		return fmt.Errorf("profile %q is builtin and cannot be replaced", p.Metadata.Name)
	}

	stored := p.Clone()
	if stored.Metadata.ID == "" {
		stored.Metadata.ID = uuid.New().String()
	}
	if stored.Metadata.CreatedAt.IsZero() {
		stored.Metadata.CreatedAt = time.Now().UTC()
	}
	stored.Metadata.UpdatedAt = time.Now().UTC()
	s.profiles[stored.Metadata.Name] = stored
	return nil
}

// Delete removes a custom profile. Builtins cannot be deleted.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[name]
	if !ok {
		return fmt.Errorf("profile %q not found", name)
	}
	if p.Metadata.Builtin {
		return fmt.Errorf("profile %q is builtin and cannot be deleted", name)
	}
	delete(s.profiles, name)
	return nil
}
