package mediator

import "fmt"

// Proxy network scores advertised to the network agent.
const (
	ScoreBLE       = 45
	ScoreClassic   = 55
	ScoreOnCharger = 70
)

// Reason is why the radio power changed.
type Reason uint8

const (
	OffActivityMode Reason = iota
	OffCellOnlyMode
	OffTimeOnlyMode
	OffUserAbsent
	OffSettingsPreference
	OffThermalEmergency
	OnAuto
	OnBootAuto
	OffHFPEnable
	OnHFPEnable
)

var reasonNames = map[Reason]string{
	OffActivityMode:       "OFF_ACTIVITY_MODE",
	OffCellOnlyMode:       "OFF_CELL_ONLY_MODE",
	OffTimeOnlyMode:       "OFF_TIME_ONLY_MODE",
	OffUserAbsent:         "OFF_USER_ABSENT",
	OffSettingsPreference: "OFF_SETTINGS_PREFERENCE",
	OffThermalEmergency:   "OFF_THERMAL_EMERGENCY",
	OnAuto:                "ON_AUTO",
	OnBootAuto:            "ON_BOOT_AUTO",
	OffHFPEnable:          "OFF_HFP_ENABLE",
	OnHFPEnable:           "ON_HFP_ENABLE",
}

// String returns the reason name, e.g. "OFF_THERMAL_EMERGENCY".
func (r Reason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(r))
}

// Enables reports whether the reason turns the radio on.
func (r Reason) Enables() bool {
	switch r {
	case OnAuto, OnBootAuto, OnHFPEnable:
		return true
	default:
		return false
	}
}

// RadioDecision is one radio power change.
type RadioDecision struct {
	Enable bool
	Reason Reason
}

// Name implements Event.
func (d RadioDecision) Name() string {
	return d.Reason.String()
}

// DuplicateOf implements Event.
func (d RadioDecision) DuplicateOf(prev Event) bool {
	p, ok := prev.(RadioDecision)
	return ok && p.Reason == d.Reason
}

// ProxyConnectionEvent is one proxy connectivity notification.
type ProxyConnectionEvent struct {
	Connected    bool
	WithInternet bool
	Score        int
}

// Name implements Event.
func (e ProxyConnectionEvent) Name() string {
	switch {
	case e.Connected && e.WithInternet:
		return fmt.Sprintf("CONNECTED [SCORE:%d]", e.Score)
	case e.Connected:
		return "CONNECTED [NO INTERNET]"
	default:
		return "DISCONNECTED"
	}
}

// DuplicateOf implements Event. The score only matters when either event
// has internet.
func (e ProxyConnectionEvent) DuplicateOf(prev Event) bool {
	p, ok := prev.(ProxyConnectionEvent)
	if !ok {
		return false
	}
	if p.WithInternet || e.WithInternet {
		return p.Connected == e.Connected && p.WithInternet == e.WithInternet && p.Score == e.Score
	}
	return p.Connected == e.Connected
}

// ProxyStatus is the externally visible proxy state.
type ProxyStatus struct {
	Connected   bool
	AdapterOn   bool
	HasInternet bool
}

// String returns a compact form used in logs.
func (s ProxyStatus) String() string {
	return fmt.Sprintf("connected=%t adapter=%t internet=%t", s.Connected, s.AdapterOn, s.HasInternet)
}
