// Package units provides shared constants and validation for distance units
package units

import "fmt"

// Unit constants
const (
	Meters      = "m"
	Feet        = "ft"
	Centimeters = "cm"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{Meters, Feet, Centimeters}

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
	return "m, ft, cm"
}

// ConvertDistance converts a distance from meters to the target units.
// Coordinates and distances are stored in meters throughout the engine.
func ConvertDistance(meters float64, targetUnits string) float64 {
	switch targetUnits {
	case Feet:
		return meters * 3.28084 // m to ft
	case Centimeters:
		return meters * 100.0
	case Meters:
		return meters // no conversion needed
	default:
		return meters // default to meters if unknown unit
	}
}

// FormatDistance renders a distance in the target units with a unit suffix,
// e.g. FormatDistance(1.5, Feet) == "4.92ft".
func FormatDistance(meters float64, targetUnits string) string {
	if !IsValid(targetUnits) {
		targetUnits = Meters
	}
	return fmt.Sprintf("%.2f%s", ConvertDistance(meters, targetUnits), targetUnits)
}
