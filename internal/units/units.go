// Package units provides shared constants and validation for event rate units
package units

import "fmt"

// Unit constants
const (
	EPS  = "eps"  // events per second
	KEPS = "keps" // thousands of events per second
	MEPS = "meps" // millions of events per second
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{EPS, KEPS, MEPS}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "eps, keps, meps"
}

// ConvertRate converts an event rate from events per second to the target units
// Counters are accumulated in events/s
func ConvertRate(rateEPS float64, targetUnits string) float64 {
	switch targetUnits {
	case EPS:
		return rateEPS
	case KEPS:
		return rateEPS / 1e3
	case MEPS:
		return rateEPS / 1e6
	default:
		return rateEPS
	}
}

// FormatRate renders an event rate with an auto-selected unit suffix, scaling
// to keps above 10k and Meps above 10M.
func FormatRate(rateEPS float64) string {
	switch {
	case rateEPS >= 10e6:
		return fmt.Sprintf("%.2f Meps", rateEPS/1e6)
	case rateEPS >= 10e3:
		return fmt.Sprintf("%.1f keps", rateEPS/1e3)
	default:
		return fmt.Sprintf("%.0f eps", rateEPS)
	}
}
