// Package margin implements the margin management engine: per-type margin
// allocations, signal-driven deployment decisions, utilization forecasting
// and the mutable configuration that governs them.
package margin

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MarginType identifies one of the four margin pools every council
// organisation holds.
type MarginType string

const (
	MarginTime      MarginType = "TIME"
	MarginCapacity  MarginType = "CAPACITY"
	MarginMaterial  MarginType = "MATERIAL"
	MarginFinancial MarginType = "FINANCIAL"
)

// MarginTypes lists all margin types in canonical order. Allocations,
// thresholds and forecasts are keyed by exactly this set.
var MarginTypes = []MarginType{MarginTime, MarginCapacity, MarginMaterial, MarginFinancial}

// MarginStatus is derived from utilization vs. the type's thresholds.
type MarginStatus string

const (
	StatusAvailable   MarginStatus = "AVAILABLE"
	StatusConstrained MarginStatus = "CONSTRAINED"
	StatusCritical    MarginStatus = "CRITICAL"
	StatusExhausted   MarginStatus = "EXHAUSTED"
)

// ResilienceMode is the organisation-wide operating posture supplied by the
// caller on every processing call.
type ResilienceMode string

const (
	ModeNormal      ResilienceMode = "NORMAL"
	ModeElevated    ResilienceMode = "ELEVATED"
	ModeHighStress  ResilienceMode = "HIGH_STRESS"
	ModeEmergency   ResilienceMode = "EMERGENCY"
	ModeRecovery    ResilienceMode = "RECOVERY"
	ModeMaintenance ResilienceMode = "MAINTENANCE"
)

// SignalSource identifies the upstream system that produced a signal.
type SignalSource string

const (
	SourceSystemMonitor    SignalSource = "SYSTEM_MONITOR"
	SourceIoTSensor        SignalSource = "IOT_SENSOR"
	SourceEmergencyService SignalSource = "EMERGENCY_SERVICE"
	SourceCommunityReport  SignalSource = "COMMUNITY_REPORT"
)

// SignalType classifies what a signal is about.
type SignalType string

const (
	SignalAssetCondition         SignalType = "ASSET_CONDITION"
	SignalPerformanceDegradation SignalType = "PERFORMANCE_DEGRADATION"
	SignalRiskEscalation         SignalType = "RISK_ESCALATION"
	SignalEmergency              SignalType = "EMERGENCY"
	SignalOperational            SignalType = "OPERATIONAL"
)

// SignalSeverity orders signals by urgency.
type SignalSeverity string

const (
	SeverityLow      SignalSeverity = "LOW"
	SeverityMedium   SignalSeverity = "MEDIUM"
	SeverityHigh     SignalSeverity = "HIGH"
	SeverityCritical SignalSeverity = "CRITICAL"
)

// SignalMetadata carries optional context attached by the upstream producer.
type SignalMetadata struct {
	Confidence     float64  `json:"confidence,omitempty"`
	RelatedSignals []string `json:"relatedSignals,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

// Signal is the external input consumed by ProcessSignals. The engine does
// not own signals; malformed entries are dropped, never errored.
type Signal struct {
	ID             string          `json:"id"`
	Source         SignalSource    `json:"source"`
	Type           SignalType      `json:"type"`
	Severity       SignalSeverity  `json:"severity"`
	Data           json.RawMessage `json:"data,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	OrganisationID string          `json:"organisationId,omitempty"`
	Metadata       *SignalMetadata `json:"metadata,omitempty"`
}

// MarginAllocation is the live total/allocated/available state for one
// margin type. One record per type exists for the lifetime of a System.
type MarginAllocation struct {
	MarginType      MarginType   `json:"marginType"`
	Total           float64      `json:"total"`
	Allocated       float64      `json:"allocated"`
	Available       float64      `json:"available"`
	UtilizationRate float64      `json:"utilizationRate"`
	Status          MarginStatus `json:"status"`
	LastUpdated     time.Time    `json:"lastUpdated"`
}

// DeploymentStatus tracks a margin deployment through its lifecycle.
// Only pending and in_progress are reachable synchronously from
// ProcessSignals; completed/failed are reported by the external executor.
type DeploymentStatus string

const (
	DeploymentPending    DeploymentStatus = "pending"
	DeploymentInProgress DeploymentStatus = "in_progress"
	DeploymentCompleted  DeploymentStatus = "completed"
	DeploymentFailed     DeploymentStatus = "failed"
)

// MarginDeployment is an approved draw-down of margin in response to a
// signal.
type MarginDeployment struct {
	ID                uuid.UUID        `json:"id"`
	MarginType        MarginType       `json:"marginType"`
	Amount            float64          `json:"amount"`
	Priority          int              `json:"priority"`
	Status            DeploymentStatus `json:"status"`
	Reason            string           `json:"reason"`
	RequestedAt       time.Time        `json:"requestedAt"`
	RequestedBy       string           `json:"requestedBy"`
	EstimatedDuration time.Duration    `json:"estimatedDuration"`
	ExpectedOutcome   string           `json:"expectedOutcome"`
	SignalID          string           `json:"signalId,omitempty"`
}

// EventType classifies audit log entries.
type EventType string

const (
	EventAllocationAdjusted  EventType = "ALLOCATION_ADJUSTED"
	EventDeploymentRequested EventType = "DEPLOYMENT_REQUESTED"
	EventThresholdBreached   EventType = "THRESHOLD_BREACHED"
	EventConfigUpdated       EventType = "CONFIG_UPDATED"
)

// MarginEvent is an append-only audit record. Immutable once created.
type MarginEvent struct {
	ID          uuid.UUID  `json:"id"`
	Timestamp   time.Time  `json:"timestamp"`
	EventType   EventType  `json:"eventType"`
	MarginType  MarginType `json:"marginType"`
	Description string     `json:"description"`
	Impact      string     `json:"impact"`
}

// OptimalRange is the utilization band a margin type should sit inside.
type OptimalRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// MarginThreshold holds the per-type utilization breakpoints. Conventionally
// warning < critical < emergency; values are accepted as given.
type MarginThreshold struct {
	MarginType         MarginType   `json:"marginType"`
	WarningThreshold   float64      `json:"warningThreshold"`
	CriticalThreshold  float64      `json:"criticalThreshold"`
	EmergencyThreshold float64      `json:"emergencyThreshold"`
	OptimalRange       OptimalRange `json:"optimalRange"`
	IsActive           bool         `json:"isActive"`
}

// PolicyTrigger gates when a policy applies.
type PolicyTrigger struct {
	SignalTypes     []SignalType     `json:"signalTypes,omitempty"`
	Severities      []SignalSeverity `json:"severities,omitempty"`
	ResilienceModes []ResilienceMode `json:"resilienceModes,omitempty"`
}

// AllocationRule bounds how much of one margin type a policy may move.
type AllocationRule struct {
	MarginType MarginType `json:"marginType"`
	MinAmount  float64    `json:"minAmount"`
	MaxAmount  float64    `json:"maxAmount"`
	Priority   int        `json:"priority"`
}

// MarginPolicy is a named rule consulted during signal processing. Policies
// are data; the built-in decision table still applies when none match.
type MarginPolicy struct {
	ID                 string           `json:"id"`
	Name               string           `json:"name"`
	Trigger            PolicyTrigger    `json:"trigger"`
	AllocationRules    []AllocationRule `json:"allocationRules,omitempty"`
	DeploymentStrategy string           `json:"deploymentStrategy,omitempty"`
	IsActive           bool             `json:"isActive"`
}

// AllocationStrategy names the top-level allocation approach.
type AllocationStrategy string

const (
	StrategyStatic   AllocationStrategy = "STATIC"
	StrategyDynamic  AllocationStrategy = "DYNAMIC"
	StrategyAdaptive AllocationStrategy = "ADAPTIVE"
)

// Configuration is the mutable top-level config for a System.
type Configuration struct {
	Enabled           bool               `json:"enabled"`
	DefaultStrategy   AllocationStrategy `json:"defaultStrategy"`
	MarginTypes       []MarginType       `json:"marginTypes,omitempty"`
	DefaultThresholds []MarginThreshold  `json:"defaultThresholds,omitempty"`
	DefaultPolicies   []MarginPolicy     `json:"defaultPolicies,omitempty"`
	UpdateInterval    time.Duration      `json:"updateInterval,omitempty"`
	RetentionPeriod   int                `json:"retentionPeriodDays,omitempty"`
}

// ConfigurationUpdate is a partial Configuration; nil fields are left
// unchanged by UpdateConfig.
type ConfigurationUpdate struct {
	Enabled           *bool               `json:"enabled,omitempty"`
	DefaultStrategy   *AllocationStrategy `json:"defaultStrategy,omitempty"`
	DefaultThresholds []MarginThreshold   `json:"defaultThresholds,omitempty"`
	DefaultPolicies   []MarginPolicy      `json:"defaultPolicies,omitempty"`
	UpdateInterval    *time.Duration      `json:"updateInterval,omitempty"`
	RetentionPeriod   *int                `json:"retentionPeriodDays,omitempty"`
}

// Recommendation suggests an operator action when a margin sits outside its
// optimal range.
type Recommendation struct {
	MarginType         MarginType `json:"marginType"`
	RecommendationType string     `json:"recommendationType"`
	Priority           int        `json:"priority"`
	Description        string     `json:"description"`
}

// ProcessResult is what one ProcessSignals call produced. Allocations mirror
// live state; the other slices reflect only this call.
type ProcessResult struct {
	Allocations     []MarginAllocation `json:"allocations"`
	Deployments     []MarginDeployment `json:"deployments"`
	Recommendations []Recommendation   `json:"recommendations"`
	Events          []MarginEvent      `json:"events"`
}

// TrendPoint is one utilization observation in the trend series.
type TrendPoint struct {
	MarginType      MarginType   `json:"marginType"`
	UtilizationRate float64      `json:"utilizationRate"`
	Timestamp       time.Time    `json:"timestamp"`
	Status          MarginStatus `json:"status"`
}

// Status is the read-only view returned by GetStatus. All slices are
// non-nil, empty when there is nothing to report.
type Status struct {
	Allocations       []MarginAllocation `json:"allocations"`
	ActiveDeployments []MarginDeployment `json:"activeDeployments"`
	RecentEvents      []MarginEvent      `json:"recentEvents"`
	UtilizationTrends []TrendPoint       `json:"utilizationTrends"`
	Recommendations   []Recommendation   `json:"recommendations"`
}

// Metrics is the aggregate view returned by GetMetrics.
type Metrics struct {
	TotalMargin        float64   `json:"totalMargin"`
	TotalAllocated     float64   `json:"totalAllocated"`
	TotalAvailable     float64   `json:"totalAvailable"`
	AverageUtilization float64   `json:"averageUtilization"`
	MarginEfficiency   float64   `json:"marginEfficiency"`
	CriticalMargins    int       `json:"criticalMargins"`
	OptimalMargins     int       `json:"optimalMargins"`
	LastUpdated        time.Time `json:"lastUpdated"`
}

// RiskLevel grades a forecast projection.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Projection is the per-type component of a Forecast.
type Projection struct {
	MarginType           MarginType `json:"marginType"`
	CurrentUtilization   float64    `json:"currentUtilization"`
	ProjectedUtilization float64    `json:"projectedUtilization"`
	ProjectedAvailable   float64    `json:"projectedAvailable"`
	RiskLevel            RiskLevel  `json:"riskLevel"`
	Recommendations      []string   `json:"recommendations"`
}

// Forecast is a near-term utilization projection across all margin types.
type Forecast struct {
	TimeHorizon int          `json:"timeHorizonDays"`
	GeneratedAt time.Time    `json:"generatedAt"`
	Projections []Projection `json:"projections"`
	Confidence  float64      `json:"confidence"`
	Assumptions []string     `json:"assumptions"`
}
