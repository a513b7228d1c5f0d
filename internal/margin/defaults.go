package margin

import "time"

// Built-in capacity defaults per margin type. Units are whatever the council
// accounts margin in for that type (hours, crew-days, stock units, AUD).
var defaultTotals = map[MarginType]float64{
	MarginTime:      1000,
	MarginCapacity:  100,
	MarginMaterial:  500,
	MarginFinancial: 250000,
}

// initialUtilization is the baseline committed margin every allocation
// starts at.
const initialUtilization = 0.2

const (
	defaultRetentionDays  = 30
	defaultUpdateInterval = time.Minute
)

// requestedByIdentity stamps deployments created by the engine itself.
const requestedByIdentity = "margin-management-system"

func defaultThreshold(mt MarginType) MarginThreshold {
	return MarginThreshold{
		MarginType:         mt,
		WarningThreshold:   0.6,
		CriticalThreshold:  0.8,
		EmergencyThreshold: 0.95,
		OptimalRange:       OptimalRange{Min: 0.2, Max: 0.6},
		IsActive:           true,
	}
}

// DefaultConfiguration returns an enabled configuration with built-in
// thresholds and no policies.
func DefaultConfiguration() Configuration {
	thresholds := make([]MarginThreshold, 0, len(MarginTypes))
	for _, mt := range MarginTypes {
		thresholds = append(thresholds, defaultThreshold(mt))
	}
	return Configuration{
		Enabled:           true,
		DefaultStrategy:   StrategyDynamic,
		MarginTypes:       append([]MarginType(nil), MarginTypes...),
		DefaultThresholds: thresholds,
		UpdateInterval:    defaultUpdateInterval,
		RetentionPeriod:   defaultRetentionDays,
	}
}
