package phd2

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrSettleInProgress is returned when start_guiding or dither is
// called while a previous settle future has not yet resolved.
var ErrSettleInProgress = errors.New("phd2: settle already in progress")

// Client is the high-level RPC façade: thin wrappers over SendRPC with
// typed parsing, plus the settle-completion future machinery and
// AppState tracking driven by the event stream.
type Client struct {
	logger    *zap.Logger
	transport *Transport

	mu              sync.Mutex
	appState        AppState
	settleInFlight  bool
	settleCh        chan bool
	settleStatusOut *SettleStatus
	lastGuideRMS    float64
	haveGuideRMS    bool

	onPublish func(Event)
}

// NewClient creates a façade and wires itself as the transport's event
// handler.
func NewClient(logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		logger:   logger.With(zap.String("component", "phd2_client")),
		appState: StateUnknown,
	}
	c.transport = NewTransport(c, logger)
	return c
}

// OnPublish registers a callback invoked with every dispatched event,
// used by the optional event bus to fan events out to external
// observers without affecting settle/appstate handling.
func (c *Client) OnPublish(fn func(Event)) { c.onPublish = fn }

// --- EventHandler ---

func (c *Client) OnEvent(e Event) {
	c.mu.Lock()
	guiding := c.appState == StateGuiding || c.settleInFlight
	if s, ok := AppStateFor(e, guiding); ok {
		c.appState = s
	}
	if e.Kind == EventGuideStep {
		if rms, ok := guideStepRMS(e); ok {
			c.lastGuideRMS = rms
			c.haveGuideRMS = true
		}
	}
	if e.Kind == EventSettleDone && c.settleInFlight {
		st := settleStatus(e)
		c.settleInFlight = false
		c.settleStatusOut = &st
		ch := c.settleCh
		c.settleCh = nil
		c.mu.Unlock()
		if ch != nil {
			ch <- st.Done
			close(ch)
		}
	} else {
		c.mu.Unlock()
	}
	if c.onPublish != nil {
		c.onPublish(e)
	}
}

func (c *Client) OnConnectionError(err error) {
	c.mu.Lock()
	ch := c.settleCh
	c.settleInFlight = false
	c.settleCh = nil
	c.mu.Unlock()
	if ch != nil {
		ch <- false
		close(ch)
	}
	c.logger.Warn("phd2 connection error", zap.Error(err))
}

// --- Connection ---

func (c *Client) Connect(ctx context.Context, host string, port int, timeoutMs int) error {
	return c.transport.Connect(ctx, Endpoint{Host: host, Port: port}, time.Duration(timeoutMs)*time.Millisecond)
}

func (c *Client) Disconnect() error { return c.transport.Disconnect() }
func (c *Client) IsConnected() bool { return c.transport.IsConnected() }

func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.call(ctx, "shutdown", nil, 5*time.Second)
	return err
}

func (c *Client) call(ctx context.Context, method string, params any, timeout time.Duration) (any, error) {
	return c.transport.SendRPC(ctx, method, params, timeout)
}

// --- AppState ---

func (c *Client) AppState() AppState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appState
}

func (c *Client) GetAppState(ctx context.Context) (AppState, error) {
	v, err := c.call(ctx, "get_app_state", nil, 10*time.Second)
	if err != nil {
		return StateUnknown, err
	}
	s, _ := v.(string)
	state := AppState(s)
	c.mu.Lock()
	c.appState = state
	c.mu.Unlock()
	return state, nil
}

// --- Camera ---

func (c *Client) GetExposure(ctx context.Context) (int, error) {
	v, err := c.call(ctx, "get_exposure", nil, 10*time.Second)
	return asInt(v), err
}

func (c *Client) SetExposure(ctx context.Context, ms int) error {
	_, err := c.call(ctx, "set_exposure", []any{ms}, 10*time.Second)
	return err
}

func (c *Client) GetExposureDurations(ctx context.Context) ([]int, error) {
	v, err := c.call(ctx, "get_exposure_durations", nil, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return asIntSlice(v), nil
}

func (c *Client) GetUseSubframes(ctx context.Context) (bool, error) {
	v, err := c.call(ctx, "get_use_subframes", nil, 10*time.Second)
	return asBool(v), err
}

func (c *Client) CaptureSingleFrame(ctx context.Context, exposureMs int, subframe []int) error {
	params := map[string]any{}
	if exposureMs > 0 {
		params["exposure"] = exposureMs
	}
	if subframe != nil {
		params["subframe"] = subframe
	}
	_, err := c.call(ctx, "capture_single_frame", params, 30*time.Second)
	return err
}

func (c *Client) GetCameraFrameSize(ctx context.Context) ([]int, error) {
	v, err := c.call(ctx, "get_camera_frame_size", nil, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return asIntSlice(v), nil
}

func (c *Client) GetCCDTemperature(ctx context.Context) (float64, error) {
	v, err := c.call(ctx, "get_ccd_temperature", nil, 10*time.Second)
	return asFloat(v), err
}

func (c *Client) GetCoolerStatus(ctx context.Context) (map[string]any, error) {
	v, err := c.call(ctx, "get_cooler_status", nil, 10*time.Second)
	if err != nil {
		return nil, err
	}
	m, _ := v.(map[string]any)
	return m, nil
}

func (c *Client) SaveImage(ctx context.Context) (string, error) {
	v, err := c.call(ctx, "save_image", nil, 30*time.Second)
	if err != nil {
		return "", err
	}
	if m, ok := v.(map[string]any); ok {
		if f, ok := m["filename"].(string); ok {
			return f, nil
		}
	}
	return "", nil
}

func (c *Client) GetStarImage(ctx context.Context, size int) (map[string]any, error) {
	params := map[string]any{}
	if size > 0 {
		params["size"] = size
	}
	v, err := c.call(ctx, "get_star_image", params, 10*time.Second)
	if err != nil {
		return nil, err
	}
	m, _ := v.(map[string]any)
	return m, nil
}

// --- Equipment ---

func (c *Client) GetConnected(ctx context.Context) (bool, error) {
	v, err := c.call(ctx, "get_connected", nil, 10*time.Second)
	return asBool(v), err
}

func (c *Client) SetConnected(ctx context.Context, connected bool) error {
	_, err := c.call(ctx, "set_connected", []any{connected}, 10*time.Second)
	return err
}

func (c *Client) GetCurrentEquipment(ctx context.Context) (map[string]any, error) {
	v, err := c.call(ctx, "get_current_equipment", nil, 10*time.Second)
	if err != nil {
		return nil, err
	}
	m, _ := v.(map[string]any)
	return m, nil
}

func (c *Client) GetProfile(ctx context.Context) (map[string]any, error) {
	v, err := c.call(ctx, "get_profile", nil, 10*time.Second)
	if err != nil {
		return nil, err
	}
	m, _ := v.(map[string]any)
	return m, nil
}

func (c *Client) SetProfile(ctx context.Context, id int) error {
	_, err := c.call(ctx, "set_profile", []any{id}, 10*time.Second)
	return err
}

func (c *Client) GetProfiles(ctx context.Context) ([]map[string]any, error) {
	v, err := c.call(ctx, "get_profiles", nil, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return asMapSlice(v), nil
}

// --- Guiding ---

// StartGuiding begins the calibrate-then-guide sequence and returns a
// future resolved by the first matching SettleDone event. Exactly one
// settle may be in progress per client instance.
func (c *Client) StartGuiding(ctx context.Context, settle SettleParameters, recalibrate bool, roi []int) (<-chan bool, error) {
	ch, err := c.beginSettle()
	if err != nil {
		return nil, err
	}
	params := map[string]any{"settle": settle, "recalibrate": recalibrate}
	if roi != nil {
		params["roi"] = roi
	}
	if _, err := c.call(ctx, "guide", params, 15*time.Second); err != nil {
		c.abortSettle()
		return nil, err
	}
	return ch, nil
}

// Dither issues a dither and returns a settle future with the same
// single-in-flight contract as StartGuiding.
func (c *Client) Dither(ctx context.Context, amount float64, raOnly bool, settle SettleParameters) (<-chan bool, error) {
	ch, err := c.beginSettle()
	if err != nil {
		return nil, err
	}
	params := map[string]any{"amount": amount, "raOnly": raOnly, "settle": settle}
	if _, err := c.call(ctx, "dither", params, 15*time.Second); err != nil {
		c.abortSettle()
		return nil, err
	}
	return ch, nil
}

func (c *Client) beginSettle() (<-chan bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settleInFlight {
		return nil, ErrSettleInProgress
	}
	c.settleInFlight = true
	c.settleStatusOut = nil
	ch := make(chan bool, 1)
	c.settleCh = ch
	return ch, nil
}

func (c *Client) abortSettle() {
	c.mu.Lock()
	c.settleInFlight = false
	c.settleCh = nil
	c.mu.Unlock()
}

// LastSettleStatus returns the most recently completed settle's status,
// if any.
func (c *Client) LastSettleStatus() *SettleStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settleStatusOut
}

// LastGuideStepRMS returns the combined RA/Dec distance of the most
// recently observed GuideStep event, used by GuidedSession and
// GuidedSequence to build the guidingStatistics rollup. ok is false
// until at least one GuideStep event has been dispatched.
func (c *Client) LastGuideStepRMS() (rms float64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastGuideRMS, c.haveGuideRMS
}

// guideStepRMS derives a single RMS-like magnitude from a GuideStep
// event's raw RA/Dec distance fields (PHD2 reports these in pixels).
func guideStepRMS(e Event) (float64, bool) {
	ra, raOK := e.Float("RADistanceRaw")
	dec, decOK := e.Float("DECDistanceRaw")
	if !raOK && !decOK {
		return 0, false
	}
	return math.Hypot(ra, dec), true
}

func (c *Client) StopCapture(ctx context.Context) error {
	_, err := c.call(ctx, "stop_capture", nil, 10*time.Second)
	return err
}

func (c *Client) Loop(ctx context.Context) error {
	_, err := c.call(ctx, "loop", nil, 10*time.Second)
	return err
}

func (c *Client) GuidePulse(ctx context.Context, amountMs int, direction string, which string) error {
	params := []any{amountMs, direction}
	if which != "" {
		params = append(params, which)
	}
	_, err := c.call(ctx, "guide_pulse", params, 10*time.Second)
	return err
}

func (c *Client) GetPaused(ctx context.Context) (bool, error) {
	v, err := c.call(ctx, "get_paused", nil, 10*time.Second)
	return asBool(v), err
}

func (c *Client) SetPaused(ctx context.Context, paused bool, full bool) error {
	params := []any{paused}
	if full {
		params = append(params, "full")
	}
	_, err := c.call(ctx, "set_paused", params, 10*time.Second)
	return err
}

func (c *Client) GetGuideOutputEnabled(ctx context.Context) (bool, error) {
	v, err := c.call(ctx, "get_guide_output_enabled", nil, 10*time.Second)
	return asBool(v), err
}

func (c *Client) SetGuideOutputEnabled(ctx context.Context, enabled bool) error {
	_, err := c.call(ctx, "set_guide_output_enabled", []any{enabled}, 10*time.Second)
	return err
}

func (c *Client) GetVariableDelaySettings(ctx context.Context) (map[string]any, error) {
	v, err := c.call(ctx, "get_variable_delay_settings", nil, 10*time.Second)
	if err != nil {
		return nil, err
	}
	m, _ := v.(map[string]any)
	return m, nil
}

func (c *Client) SetVariableDelaySettings(ctx context.Context, settings map[string]any) error {
	_, err := c.call(ctx, "set_variable_delay_settings", settings, 10*time.Second)
	return err
}

// --- Calibration ---

func (c *Client) IsCalibrated(ctx context.Context) (bool, error) {
	v, err := c.call(ctx, "get_calibrated", nil, 10*time.Second)
	return asBool(v), err
}

func (c *Client) ClearCalibration(ctx context.Context, which string) error {
	_, err := c.call(ctx, "clear_calibration", []any{which}, 10*time.Second)
	return err
}

func (c *Client) FlipCalibration(ctx context.Context) error {
	_, err := c.call(ctx, "flip_calibration", nil, 10*time.Second)
	return err
}

func (c *Client) GetCalibrationData(ctx context.Context, which string) (map[string]any, error) {
	v, err := c.call(ctx, "get_calibration_data", []any{which}, 10*time.Second)
	if err != nil {
		return nil, err
	}
	m, _ := v.(map[string]any)
	return m, nil
}

// --- Algorithm ---

func (c *Client) GetDecGuideMode(ctx context.Context) (string, error) {
	v, err := c.call(ctx, "get_dec_guide_mode", nil, 10*time.Second)
	s, _ := v.(string)
	return s, err
}

func (c *Client) SetDecGuideMode(ctx context.Context, mode string) error {
	_, err := c.call(ctx, "set_dec_guide_mode", []any{mode}, 10*time.Second)
	return err
}

func (c *Client) GetAlgoParam(ctx context.Context, axis, name string) (float64, error) {
	v, err := c.call(ctx, "get_algo_param", []any{axis, name}, 10*time.Second)
	return asFloat(v), err
}

func (c *Client) SetAlgoParam(ctx context.Context, axis, name string, value float64) error {
	_, err := c.call(ctx, "set_algo_param", []any{axis, name, value}, 10*time.Second)
	return err
}

func (c *Client) GetAlgoParamNames(ctx context.Context, axis string) ([]string, error) {
	v, err := c.call(ctx, "get_algo_param_names", []any{axis}, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return asStringSlice(v), nil
}

// --- Star selection ---

func (c *Client) FindStar(ctx context.Context, roi []int) ([]float64, error) {
	var params any
	if roi != nil {
		params = map[string]any{"roi": roi}
	}
	v, err := c.call(ctx, "find_star", params, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return asFloatSlice(v), nil
}

func (c *Client) GetLockPosition(ctx context.Context) ([]float64, error) {
	v, err := c.call(ctx, "get_lock_position", nil, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return asFloatSlice(v), nil
}

func (c *Client) SetLockPosition(ctx context.Context, x, y float64, exact bool) error {
	_, err := c.call(ctx, "set_lock_position", []any{x, y, exact}, 10*time.Second)
	return err
}

func (c *Client) GetSearchRegion(ctx context.Context) (int, error) {
	v, err := c.call(ctx, "get_search_region", nil, 10*time.Second)
	return asInt(v), err
}

func (c *Client) GetPixelScale(ctx context.Context) (float64, error) {
	v, err := c.call(ctx, "get_pixel_scale", nil, 10*time.Second)
	return asFloat(v), err
}

// --- Lock shift ---

func (c *Client) GetLockShiftEnabled(ctx context.Context) (bool, error) {
	v, err := c.call(ctx, "get_lock_shift_enabled", nil, 10*time.Second)
	return asBool(v), err
}

func (c *Client) SetLockShiftEnabled(ctx context.Context, enabled bool) error {
	_, err := c.call(ctx, "set_lock_shift_enabled", []any{enabled}, 10*time.Second)
	return err
}

func (c *Client) GetLockShiftParams(ctx context.Context) (map[string]any, error) {
	v, err := c.call(ctx, "get_lock_shift_params", nil, 10*time.Second)
	if err != nil {
		return nil, err
	}
	m, _ := v.(map[string]any)
	return m, nil
}

func (c *Client) SetLockShiftParams(ctx context.Context, params map[string]any) error {
	_, err := c.call(ctx, "set_lock_shift_params", params, 10*time.Second)
	return err
}

// --- coercion helpers (PHD2 results arrive as untyped JSON) ---

func asBool(v any) bool   { b, _ := v.(bool); return b }
func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}
func asInt(v any) int { return int(asFloat(v)) }

func asFloatSlice(v any) []float64 {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(arr))
	for _, e := range arr {
		out = append(out, asFloat(e))
	}
	return out
}

func asIntSlice(v any) []int {
	fs := asFloatSlice(v)
	out := make([]int, len(fs))
	for i, f := range fs {
		out[i] = int(f)
	}
	return out
}

func asStringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func asMapSlice(v any) []map[string]any {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(arr))
	for _, e := range arr {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
