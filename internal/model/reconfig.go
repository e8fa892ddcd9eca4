package model

import "strings"

// ReconfigMode is the ranked set of replica-set changes the process may issue.
// Enabling a mode enables every mode ranked below it.
type ReconfigMode int

const (
	// ReconfigDisabled permits no replica-set changes
	ReconfigDisabled ReconfigMode = iota
	// ReconfigOneSecondary permits replacing a single secondary
	ReconfigOneSecondary
	// ReconfigMultipleSecondaries permits replacing several secondaries at once
	ReconfigMultipleSecondaries
	// ReconfigPrimaryAndSecondary permits replacing the primary as well
	ReconfigPrimaryAndSecondary
)

var reconfigModeKeys = map[ReconfigMode]string{
	ReconfigDisabled:            "RECONFIG_DISABLED",
	ReconfigOneSecondary:        "ONE_SECONDARY",
	ReconfigMultipleSecondaries: "MULTIPLE_SECONDARIES",
	ReconfigPrimaryAndSecondary: "PRIMARY_AND_SECONDARY",
}

// AllReconfigModes lists the modes in rank order
var AllReconfigModes = []ReconfigMode{
	ReconfigDisabled,
	ReconfigOneSecondary,
	ReconfigMultipleSecondaries,
	ReconfigPrimaryAndSecondary,
}

func (m ReconfigMode) String() string {
	if key, ok := reconfigModeKeys[m]; ok {
		return key
	}
	return "UNKNOWN"
}

// ParseReconfigMode maps a configured key to its mode.
// Unknown keys fall back to ReconfigDisabled.
func ParseReconfigMode(key string) (ReconfigMode, bool) {
	normalized := strings.ToUpper(strings.TrimSpace(key))
	for mode, k := range reconfigModeKeys {
		if k == normalized {
			return mode, true
		}
	}
	return ReconfigDisabled, false
}

// EnabledBy returns the down-closure of highest
func EnabledBy(highest ReconfigMode) []ReconfigMode {
	enabled := make([]ReconfigMode, 0, len(AllReconfigModes))
	for _, m := range AllReconfigModes {
		if m <= highest {
			enabled = append(enabled, m)
		}
	}
	return enabled
}

// RequiredReconfigMode is the lowest mode that permits replacing the given
// nodes of a replica set in one change.
func RequiredReconfigMode(replacesPrimary bool, secondaries int) ReconfigMode {
	switch {
	case replacesPrimary:
		return ReconfigPrimaryAndSecondary
	case secondaries >= 2:
		return ReconfigMultipleSecondaries
	case secondaries == 1:
		return ReconfigOneSecondary
	default:
		return ReconfigDisabled
	}
}
