package profiles

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// MigrationFunc upgrades a profile document in place from one schema
// revision toward the current one.
type MigrationFunc func(*Profile) error

// migrations maps source schema version to its upgrade step. Empty
// until the schema moves past 1.0.
var migrations = map[string]MigrationFunc{}

// parseVersion accepts both "1.0" and full "1.0.0" version strings
func parseVersion(v string) (*semver.Version, error) {
	parsed, err := semver.NewVersion(v)
	if err == nil {
		return parsed, nil
	}
	parsed, err = semver.NewVersion(v + ".0")
	if err != nil {
		return nil, fmt.Errorf("invalid schema version: %s", v)
	}
	return parsed, nil
}

// Migrate upgrades a profile to the current schema version. Documents
// newer than this build can read are refused.
func Migrate(p *Profile) error {
	if p == nil {
		return fmt.Errorf("profile cannot be nil")
	}
	if p.Metadata.SchemaVersion == "" {
		p.Metadata.SchemaVersion = SchemaVersion
		return nil
	}
	if p.Metadata.SchemaVersion == SchemaVersion {
		return nil
	}

	current, err := parseVersion(p.Metadata.SchemaVersion)
	if err != nil {
		return err
	}
	target, err := parseVersion(SchemaVersion)
	if err != nil {
		return fmt.Errorf("invalid target schema version: %s", SchemaVersion)
	}

	if current.GreaterThan(target) {
		return fmt.Errorf("profile schema version %s is newer than supported version %s",
			p.Metadata.SchemaVersion, SchemaVersion)
	}
	if current.Major() != target.Major() {
		return fmt.Errorf("no migration path from schema version %s to %s",
			p.Metadata.SchemaVersion, SchemaVersion)
	}

	for version, migrate := range migrations {
		step, err := parseVersion(version)
		if err != nil {
			continue
		}
		if current.LessThan(step) {
			if err := migrate(p); err != nil {
				return fmt.Errorf("migration from %s failed: %w", version, err)
			}
		}
	}

	p.Metadata.SchemaVersion = SchemaVersion
	return nil
}

// IsVersionSupported reports whether a schema version can be read,
// treating matching major.minor as compatible.
func IsVersionSupported(version string) bool {
	for _, v := range SupportedSchemaVersions {
		if v == version {
			return true
		}
	}
	parsed, err := parseVersion(version)
	if err != nil {
		return false
	}
	for _, supported := range SupportedSchemaVersions {
		sv, err := parseVersion(supported)
		if err != nil {
			continue
		}
		if parsed.Major() == sv.Major() && parsed.Minor() == sv.Minor() {
			return true
		}
	}
	return false
}
