package alpaca

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// DeviceClient is a typed façade bundling a Transport with a bound
// DeviceDescriptor. It is a struct composing the transport, not a
// subclass of it — per-device method sets are plain Go methods on this
// struct rather than a class hierarchy.
type DeviceClient struct {
	transport *Transport
	device    DeviceDescriptor
	logger    *zap.Logger
}

// NewDeviceClient binds a transport to a device descriptor.
func NewDeviceClient(transport *Transport, device DeviceDescriptor, logger *zap.Logger) *DeviceClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeviceClient{
		transport: transport,
		device:    device,
		logger:    logger.With(zap.String("device", device.Name), zap.String("kind", string(device.Kind))),
	}
}

// Device returns the bound descriptor.
func (c *DeviceClient) Device() DeviceDescriptor { return c.device }

func extractError(resp *Response) error {
	if resp.ErrorNumber == 0 {
		return nil
	}
	return &APIError{Kind: kindForErrorNumber(resp.ErrorNumber), Message: resp.ErrorMessage}
}

// GetProperty performs GET {endpoint}/{name} and type-asserts the
// returned Value field to T; a Value of any other dynamic type (JSON
// numbers decode as float64) is a ParseError.
func GetProperty[T any](ctx context.Context, c *DeviceClient, name string) (T, error) {
	var zero T
	resp, err := c.transport.PerformRequest(ctx, http.MethodGet, c.device, name, nil)
	if err != nil {
		return zero, err
	}
	if err := extractError(resp); err != nil {
		return zero, err
	}
	v, ok := resp.Value.(T)
	if !ok {
		return zero, &APIError{Kind: ParseError, Message: fmt.Sprintf("unexpected value type %T for %s", resp.Value, name)}
	}
	return v, nil
}

// SetProperty performs PUT {endpoint}/{name} with body {name: value}.
func SetProperty[T any](ctx context.Context, c *DeviceClient, name string, value T) error {
	resp, err := c.transport.PerformRequest(ctx, http.MethodPut, c.device, name, map[string]any{name: value})
	if err != nil {
		return err
	}
	return extractError(resp)
}

// InvokeMethod performs PUT {endpoint}/{name} with each kv as a form
// parameter.
func (c *DeviceClient) InvokeMethod(ctx context.Context, name string, kv map[string]any) (*Response, error) {
	resp, err := c.transport.PerformRequest(ctx, http.MethodPut, c.device, name, kv)
	if err != nil {
		return nil, err
	}
	if err := extractError(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// --- Camera ---

func (c *DeviceClient) CCDTemperature(ctx context.Context) (float64, error) {
	return GetProperty[float64](ctx, c, "ccdtemperature")
}

func (c *DeviceClient) SetCoolerOn(ctx context.Context, on bool) error {
	return SetProperty(ctx, c, "cooleron", on)
}

func (c *DeviceClient) CoolerOn(ctx context.Context) (bool, error) {
	return GetProperty[bool](ctx, c, "cooleron")
}

func (c *DeviceClient) StartExposure(ctx context.Context, durationSeconds float64, light bool) error {
	_, err := c.InvokeMethod(ctx, "startexposure", map[string]any{"Duration": durationSeconds, "Light": light})
	return err
}

func (c *DeviceClient) AbortExposure(ctx context.Context) error {
	_, err := c.InvokeMethod(ctx, "abortexposure", nil)
	return err
}

func (c *DeviceClient) ImageReady(ctx context.Context) (bool, error) {
	return GetProperty[bool](ctx, c, "imageready")
}

// --- Telescope ---

func (c *DeviceClient) RightAscension(ctx context.Context) (float64, error) {
	return GetProperty[float64](ctx, c, "rightascension")
}

func (c *DeviceClient) Declination(ctx context.Context) (float64, error) {
	return GetProperty[float64](ctx, c, "declination")
}

func (c *DeviceClient) SlewToCoordinates(ctx context.Context, ra, dec float64) error {
	_, err := c.InvokeMethod(ctx, "slewtocoordinates", map[string]any{"RightAscension": ra, "Declination": dec})
	return err
}

func (c *DeviceClient) AbortSlew(ctx context.Context) error {
	_, err := c.InvokeMethod(ctx, "abortslew", nil)
	return err
}

func (c *DeviceClient) Slewing(ctx context.Context) (bool, error) {
	return GetProperty[bool](ctx, c, "slewing")
}

func (c *DeviceClient) Park(ctx context.Context) error {
	_, err := c.InvokeMethod(ctx, "park", nil)
	return err
}

func (c *DeviceClient) Unpark(ctx context.Context) error {
	_, err := c.InvokeMethod(ctx, "unpark", nil)
	return err
}

// --- Focuser ---

func (c *DeviceClient) Position(ctx context.Context) (int, error) {
	v, err := GetProperty[float64](ctx, c, "position")
	return int(v), err
}

func (c *DeviceClient) Move(ctx context.Context, position int) error {
	_, err := c.InvokeMethod(ctx, "move", map[string]any{"Position": position})
	return err
}

func (c *DeviceClient) IsMoving(ctx context.Context) (bool, error) {
	return GetProperty[bool](ctx, c, "ismoving")
}

func (c *DeviceClient) Temperature(ctx context.Context) (float64, error) {
	return GetProperty[float64](ctx, c, "temperature")
}

func (c *DeviceClient) SetTempComp(ctx context.Context, enabled bool) error {
	return SetProperty(ctx, c, "tempcomp", enabled)
}

func (c *DeviceClient) TempComp(ctx context.Context) (bool, error) {
	return GetProperty[bool](ctx, c, "tempcomp")
}

func (c *DeviceClient) TempCompAvailable(ctx context.Context) (bool, error) {
	return GetProperty[bool](ctx, c, "tempcompavailable")
}

// --- FilterWheel (expansion: generic property plumbing only) ---

func (c *DeviceClient) FilterPosition(ctx context.Context) (int, error) {
	v, err := GetProperty[float64](ctx, c, "position")
	return int(v), err
}

func (c *DeviceClient) SetFilterPosition(ctx context.Context, position int) error {
	return SetProperty(ctx, c, "position", position)
}

func (c *DeviceClient) FilterNames(ctx context.Context) ([]string, error) {
	v, err := GetProperty[[]any](ctx, c, "names")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(v))
	for _, e := range v {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// --- Dome (expansion: generic property plumbing only) ---

func (c *DeviceClient) AtHome(ctx context.Context) (bool, error) {
	return GetProperty[bool](ctx, c, "athome")
}

func (c *DeviceClient) AtPark(ctx context.Context) (bool, error) {
	return GetProperty[bool](ctx, c, "atpark")
}

func (c *DeviceClient) SlewDomeToAzimuth(ctx context.Context, azimuth float64) error {
	_, err := c.InvokeMethod(ctx, "slewtoazimuth", map[string]any{"Azimuth": azimuth})
	return err
}

func (c *DeviceClient) OpenShutter(ctx context.Context) error {
	_, err := c.InvokeMethod(ctx, "openshutter", nil)
	return err
}

func (c *DeviceClient) CloseShutter(ctx context.Context) error {
	_, err := c.InvokeMethod(ctx, "closeshutter", nil)
	return err
}

func (c *DeviceClient) ShutterStatus(ctx context.Context) (int, error) {
	v, err := GetProperty[float64](ctx, c, "shutterstatus")
	return int(v), err
}

// --- Rotator (expansion: generic property plumbing only) ---

func (c *DeviceClient) RotatorPosition(ctx context.Context) (float64, error) {
	return GetProperty[float64](ctx, c, "position")
}

func (c *DeviceClient) RotatorMove(ctx context.Context, degrees float64) error {
	_, err := c.InvokeMethod(ctx, "move", map[string]any{"Position": degrees})
	return err
}

func (c *DeviceClient) RotatorHalt(ctx context.Context) error {
	_, err := c.InvokeMethod(ctx, "halt", nil)
	return err
}

func (c *DeviceClient) RotatorReverse(ctx context.Context) (bool, error) {
	return GetProperty[bool](ctx, c, "reverse")
}

func (c *DeviceClient) SetRotatorReverse(ctx context.Context, reversed bool) error {
	return SetProperty(ctx, c, "reverse", reversed)
}

// --- Common ---

func (c *DeviceClient) Connected(ctx context.Context) (bool, error) {
	return GetProperty[bool](ctx, c, "connected")
}

func (c *DeviceClient) SetConnected(ctx context.Context, connected bool) error {
	return SetProperty(ctx, c, "connected", connected)
}
