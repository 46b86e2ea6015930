package updater

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ErrUnversioned is returned for development builds.
var ErrUnversioned = errors.New("build has no release version")

// Compare returns -1, 0 or 1 as current is older than, equal to, or newer
// than latest. A leading "v" is accepted on either side.
func Compare(current, latest string) (int, error) {
	if current == "" || current == "dev" {
		return 0, ErrUnversioned
	}
	cv, err := semver.NewVersion(strings.TrimPrefix(current, "v"))
	if err != nil {
		return 0, fmt.Errorf("parsing current version %q: %w", current, err)
	}
	lv, err := semver.NewVersion(strings.TrimPrefix(latest, "v"))
	if err != nil {
		return 0, fmt.Errorf("parsing latest version %q: %w", latest, err)
	}
	return cv.Compare(lv), nil
}
