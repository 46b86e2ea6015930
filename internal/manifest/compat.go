package manifest

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// CheckCompatibility reports whether the running dispatcher satisfies the
// manifest's requires constraint. Development builds satisfy every constraint.
func CheckCompatibility(m *AgentManifest, dispatcherVersion string) error {
	if m.Requires == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(m.Requires)
	if err != nil {
		return fmt.Errorf("agent %s: invalid requires constraint %q: %w", m.Name, m.Requires, err)
	}
	if dispatcherVersion == "" || dispatcherVersion == "dev" {
		return nil
	}
	v, err := semver.NewVersion(strings.TrimPrefix(dispatcherVersion, "v"))
	if err != nil {
		return fmt.Errorf("parsing dispatcher version %q: %w", dispatcherVersion, err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("agent %s requires dispatcher %s, running %s", m.Name, m.Requires, dispatcherVersion)
	}
	return nil
}
