package phd2

import "fmt"

// classifyEvent turns a decoded JSON object into a tagged Event. The
// caller has already established the object carries an "Event" field.
func classifyEvent(obj map[string]any) Event {
	kindStr, _ := obj["Event"].(string)
	kind := EventKind(kindStr)
	switch kind {
	case EventVersion, EventLockPositionSet, EventStarSelected, EventCalibrating,
		EventCalibrationComplete, EventCalibrationFailed, EventCalibrationDataFlipped,
		EventStartGuiding, EventStartCalibration, EventAppState, EventPaused, EventResumed,
		EventLoopingExposures, EventLoopingExposuresStopped, EventSettleBegin, EventSettling,
		EventSettleDone, EventGuideStep, EventGuidingDithered, EventGuidingStopped,
		EventStarLost, EventLockPositionLost, EventLockPositionShiftLimitReached,
		EventAlert, EventGuideParamChange, EventConfigurationChange:
		// recognized kind, fall through to envelope extraction below
	default:
		kind = EventGeneric
	}

	ts, _ := obj["Timestamp"].(float64)
	host, _ := obj["Host"].(string)
	inst, _ := obj["Inst"].(float64)

	return Event{
		Kind:      kind,
		Timestamp: ts,
		Host:      host,
		Instance:  int(inst),
		Raw:       obj,
	}
}

// settleStatus decodes a SettleDone event's status fields. Callers must
// check e.Kind == EventSettleDone first.
func settleStatus(e Event) SettleStatus {
	status, _ := e.Int("Status")
	errMsg, _ := e.String("Error")
	total, _ := e.Int("TotalFrames")
	dropped, _ := e.Int("DroppedFrames")
	return SettleStatus{
		Done:          status == 0,
		Error:         errMsg,
		TotalFrames:   total,
		DroppedFrames: dropped,
	}
}

// AppStateFor derives the AppState transition implied by an event,
// returning ("", false) when the event does not itself carry a state
// transition. AppState, GuidingStopped, StarLost, LoopingExposures,
// StarSelected, Calibrating and Paused always do; SettleDone does only
// when it reports success while guiding.
func AppStateFor(e Event, guiding bool) (AppState, bool) {
	switch e.Kind {
	case EventAppState:
		if s, ok := e.String("State"); ok {
			return AppState(s), true
		}
	case EventGuidingStopped:
		return StateStopped, true
	case EventStarLost:
		return StateLostLock, true
	case EventSettleDone:
		st := settleStatus(e)
		if st.Done && guiding {
			return StateGuiding, true
		}
	case EventLoopingExposures:
		return StateLooping, true
	case EventStarSelected:
		return StateSelected, true
	case EventCalibrating:
		return StateCalibrating, true
	case EventPaused:
		return StatePaused, true
	}
	return "", false
}

// EventHandler receives dispatched events and connection-error
// notifications on the transport's reader goroutine. Implementations
// MUST be short and non-blocking, and MUST NOT call SendRPC
// synchronously (that would self-deadlock against the reader).
type EventHandler interface {
	OnEvent(Event)
	OnConnectionError(error)
}

// EventHandlerFunc adapts a plain function to EventHandler for callers
// that don't need OnConnectionError handling.
type EventHandlerFunc func(Event)

func (f EventHandlerFunc) OnEvent(e Event)         { f(e) }
func (f EventHandlerFunc) OnConnectionError(error) {}

// describeEvent is a small helper for log lines.
func describeEvent(e Event) string {
	return fmt.Sprintf("%s@%s", e.Kind, e.Host)
}
