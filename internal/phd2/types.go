// Package phd2 implements a client for PHD2's newline-delimited
// JSON-RPC protocol over a persistent TCP connection: a reader-loop
// transport with concurrent in-flight requests, a server-initiated
// event dispatcher, and a high-level RPC façade with settle-completion
// futures.
package phd2

// AppState reflects PHD2's reported guiding-pipeline mode.
type AppState string

const (
	StateStopped     AppState = "Stopped"
	StateSelected    AppState = "Selected"
	StateCalibrating AppState = "Calibrating"
	StateGuiding     AppState = "Guiding"
	StateLostLock    AppState = "LostLock"
	StatePaused      AppState = "Paused"
	StateLooping     AppState = "Looping"
	StateUnknown     AppState = "Unknown"
)

// SettleParameters bounds the "settled" criterion for guide-start and
// dither completions.
type SettleParameters struct {
	Pixels  float64 `json:"pixels"`
	TimeS   float64 `json:"time"`
	Timeout float64 `json:"timeout"`
}

// Endpoint is a PHD2 server address.
type Endpoint struct {
	Host string
	Port int
}

// DefaultPort is PHD2's standard JSON-RPC TCP port.
const DefaultPort = 4400

// EventKind is the closed set of PHD2 server-initiated event types.
type EventKind string

const (
	EventVersion                       EventKind = "Version"
	EventLockPositionSet               EventKind = "LockPositionSet"
	EventStarSelected                  EventKind = "StarSelected"
	EventCalibrating                   EventKind = "Calibrating"
	EventCalibrationComplete           EventKind = "CalibrationComplete"
	EventCalibrationFailed             EventKind = "CalibrationFailed"
	EventCalibrationDataFlipped        EventKind = "CalibrationDataFlipped"
	EventStartGuiding                  EventKind = "StartGuiding"
	EventStartCalibration              EventKind = "StartCalibration"
	EventAppState                      EventKind = "AppState"
	EventPaused                        EventKind = "Paused"
	EventResumed                       EventKind = "Resumed"
	EventLoopingExposures              EventKind = "LoopingExposures"
	EventLoopingExposuresStopped       EventKind = "LoopingExposuresStopped"
	EventSettleBegin                   EventKind = "SettleBegin"
	EventSettling                      EventKind = "Settling"
	EventSettleDone                    EventKind = "SettleDone"
	EventGuideStep                     EventKind = "GuideStep"
	EventGuidingDithered               EventKind = "GuidingDithered"
	EventGuidingStopped                EventKind = "GuidingStopped"
	EventStarLost                      EventKind = "StarLost"
	EventLockPositionLost              EventKind = "LockPositionLost"
	EventLockPositionShiftLimitReached EventKind = "LockPositionShiftLimitReached"
	EventAlert                         EventKind = "Alert"
	EventGuideParamChange              EventKind = "GuideParamChange"
	EventConfigurationChange           EventKind = "ConfigurationChange"
	EventGeneric                       EventKind = "Generic"
)

// Event is a tagged variant over the PHD2 event taxonomy: every event
// carries the common envelope fields plus the whole decoded JSON object
// in Raw, read on demand by the typed accessors Float, String, Int and
// Bool.
type Event struct {
	Kind      EventKind
	Timestamp float64
	Host      string
	Instance  int
	Raw       map[string]any
}

// Float reads a numeric field from the raw event payload.
func (e Event) Float(key string) (float64, bool) {
	v, ok := e.Raw[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// String reads a string field from the raw event payload.
func (e Event) String(key string) (string, bool) {
	v, ok := e.Raw[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Int reads an integer field from the raw event payload.
func (e Event) Int(key string) (int, bool) {
	f, ok := e.Float(key)
	return int(f), ok
}

// Bool reads a boolean field from the raw event payload.
func (e Event) Bool(key string) (bool, bool) {
	v, ok := e.Raw[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// SettleStatus is the decoded payload of a terminal SettleDone event.
type SettleStatus struct {
	Done          bool
	Error         string
	TotalFrames   int
	DroppedFrames int
}

// rpcResult is what a pending RPC's channel is fed when it resolves.
type rpcResult struct {
	value        any
	errorCode    int
	errorMessage string
	connClosed   bool
}

