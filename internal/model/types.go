package model

import (
	"errors"
	"strings"
	"time"
)

var ErrUnknownSignalType = errors.New("unknown signal type")

type SignalType string

const (
	SignalRootDetected             SignalType = "ROOT_DETECTED"
	SignalEmulatorDetected         SignalType = "EMULATOR_DETECTED"
	SignalDebuggerAttached         SignalType = "DEBUGGER_ATTACHED"
	SignalHookingFramework         SignalType = "HOOKING_FRAMEWORK_DETECTED"
	SignalTamperingDetected        SignalType = "TAMPERING_DETECTED"
	SignalSIMChanged               SignalType = "SIM_CHANGED"
	SignalSIMRemoved               SignalType = "SIM_REMOVED"
	SignalNetworkChanged           SignalType = "NETWORK_CHANGED"
	SignalVPNEnabled               SignalType = "VPN_ENABLED"
	SignalAirplaneMode             SignalType = "AIRPLANE_MODE_ENABLED"
	SignalDeviceRebooted           SignalType = "DEVICE_REBOOTED"
	SignalBootCompleted            SignalType = "BOOT_COMPLETED"
	SignalUSBDebugging             SignalType = "USB_DEBUGGING_ENABLED"
	SignalDeveloperOptions         SignalType = "DEVELOPER_OPTIONS_ENABLED"
	SignalUnknownSources           SignalType = "UNKNOWN_SOURCES_ENABLED"
	SignalAccessibilityService     SignalType = "ACCESSIBILITY_SERVICE_ENABLED"
	SignalScreenOverlay            SignalType = "SCREEN_OVERLAY_DETECTED"
	SignalPackageInstalled         SignalType = "PACKAGE_INSTALLED"
	SignalPackageRemoved           SignalType = "PACKAGE_REMOVED"
	SignalUnlockFailed             SignalType = "UNLOCK_FAILED"
	SignalBiometricFailed          SignalType = "BIOMETRIC_FAILED"
	SignalAppOpened                SignalType = "APP_OPENED"
	SignalAppClosed                SignalType = "APP_CLOSED"
	SignalScreenUnlocked           SignalType = "SCREEN_UNLOCKED"
	SignalLocationUpdate           SignalType = "LOCATION_UPDATE"
	SignalLocationAnomaly          SignalType = "LOCATION_ANOMALY"
	SignalUnusualUsageTime         SignalType = "UNUSUAL_USAGE_TIME"
	SignalSessionAnomaly           SignalType = "SESSION_ANOMALY"
	SignalUnknownNetwork           SignalType = "UNKNOWN_NETWORK"
	SignalTrustAcknowledged        SignalType = "TRUST_ACKNOWLEDGED"
	SignalTrustRevoked             SignalType = "TRUST_REVOKED"
	SignalAlertDispatched          SignalType = "ALERT_DISPATCHED"
	SignalIntruderCaptureRequested SignalType = "INTRUDER_CAPTURE_REQUESTED"
)

var allSignalTypes = []SignalType{
	SignalRootDetected,
	SignalEmulatorDetected,
	SignalDebuggerAttached,
	SignalHookingFramework,
	SignalTamperingDetected,
	SignalSIMChanged,
	SignalSIMRemoved,
	SignalNetworkChanged,
	SignalVPNEnabled,
	SignalAirplaneMode,
	SignalDeviceRebooted,
	SignalBootCompleted,
	SignalUSBDebugging,
	SignalDeveloperOptions,
	SignalUnknownSources,
	SignalAccessibilityService,
	SignalScreenOverlay,
	SignalPackageInstalled,
	SignalPackageRemoved,
	SignalUnlockFailed,
	SignalBiometricFailed,
	SignalAppOpened,
	SignalAppClosed,
	SignalScreenUnlocked,
	SignalLocationUpdate,
	SignalLocationAnomaly,
	SignalUnusualUsageTime,
	SignalSessionAnomaly,
	SignalUnknownNetwork,
	SignalTrustAcknowledged,
	SignalTrustRevoked,
	SignalAlertDispatched,
	SignalIntruderCaptureRequested,
}

var signalTypeSet = func() map[SignalType]struct{} {
	set := make(map[SignalType]struct{}, len(allSignalTypes))
	for _, t := range allSignalTypes {
		set[t] = struct{}{}
	}
	return set
}()

// SignalTypes returns every known signal type in declaration order.
func SignalTypes() []SignalType {
	out := make([]SignalType, len(allSignalTypes))
	copy(out, allSignalTypes)
	return out
}

// ParseSignalType accepts canonical names case-insensitively; dashes and
// spaces are treated as underscores.
func ParseSignalType(s string) (SignalType, error) {
	n := strings.ToUpper(strings.TrimSpace(s))
	n = strings.NewReplacer("-", "_", " ", "_").Replace(n)
	t := SignalType(n)
	if _, ok := signalTypeSet[t]; !ok {
		return "", ErrUnknownSignalType
	}
	return t, nil
}

func (t SignalType) Valid() bool {
	_, ok := signalTypeSet[t]
	return ok
}

// IsAudit reports whether the type only records an action taken by the
// system itself. Audit signals never contribute to a score.
func (t SignalType) IsAudit() bool {
	switch t {
	case SignalTrustAcknowledged, SignalTrustRevoked, SignalAlertDispatched, SignalIntruderCaptureRequested:
		return true
	}
	return false
}

// IsDerived reports whether the engine, not a detector, produces the type.
func (t SignalType) IsDerived() bool {
	switch t {
	case SignalLocationAnomaly, SignalUnusualUsageTime, SignalSessionAnomaly, SignalUnknownNetwork:
		return true
	}
	return false
}

type Location struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Accuracy float32 `json:"accuracy"`
}

type Signal struct {
	ID        string            `json:"id"`
	Type      SignalType        `json:"type"`
	Value     *float64          `json:"value,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Location  *Location         `json:"location,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Processed bool              `json:"processed"`
}

type TrustSubject string

const (
	TrustRoot      TrustSubject = "ROOT"
	TrustSIMChange TrustSubject = "SIM_CHANGE"
)

func ParseTrustSubject(s string) (TrustSubject, bool) {
	switch TrustSubject(strings.ToUpper(strings.TrimSpace(s))) {
	case TrustRoot:
		return TrustRoot, true
	case TrustSIMChange, "SIM":
		return TrustSIMChange, true
	}
	return "", false
}

type TrustWindow struct {
	Subject   TrustSubject `json:"subject"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty"`
}

type AuditEvent struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Message   string            `json:"message"`
	Score     int               `json:"score"`
	Level     RiskLevel         `json:"level,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`
}
