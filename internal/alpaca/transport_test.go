package alpaca

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// deviceFor parses an httptest server URL into a DeviceDescriptor bound
// to the given kind and device number.
func deviceFor(t *testing.T, srv *httptest.Server, kind DeviceKind) DeviceDescriptor {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return DeviceDescriptor{Name: "test", Kind: kind, DeviceNumber: 0, Host: host, Port: port}
}

func TestSlewToCoordinatesSuccess(t *testing.T) {
	var mu sync.Mutex
	var gotPath, gotRA, gotDec, gotClientID string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		mu.Lock()
		gotPath = r.URL.Path
		gotRA = r.PostFormValue("RightAscension")
		gotDec = r.PostFormValue("Declination")
		gotClientID = r.PostFormValue("ClientID")
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ErrorNumber":0,"ErrorMessage":"","ClientTransactionID":1,"ServerTransactionID":7}`))
	}))
	defer srv.Close()

	tr := NewTransport(TransportConfig{}, zap.NewNop())
	defer tr.Close()
	client := NewDeviceClient(tr, deviceFor(t, srv, Telescope), nil)

	err := client.SlewToCoordinates(context.Background(), 12.5, 45.0)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/api/v3/telescope/0/slewtocoordinates", gotPath)
	assert.Equal(t, "12.500000", gotRA)
	assert.Equal(t, "45.000000", gotDec)
	assert.Equal(t, "1", gotClientID)

	snap := tr.metrics.Snapshot()
	assert.Equal(t, int64(1), snap.RequestsSent)
	assert.Equal(t, int64(1), snap.RequestsSuccessful)
	assert.Equal(t, int64(0), snap.RequestsFailed)
}

func TestSlewWhileParkedReturnsDeviceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ErrorNumber":1032,"ErrorMessage":"Invalid while parked"}`))
	}))
	defer srv.Close()

	tr := NewTransport(TransportConfig{}, zap.NewNop())
	defer tr.Close()
	client := NewDeviceClient(tr, deviceFor(t, srv, Telescope), nil)

	err := client.SlewToCoordinates(context.Background(), 12.5, 45.0)
	require.Error(t, err)
	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, InvalidWhileParked, apiErr.Kind)
	assert.Equal(t, "Invalid while parked", apiErr.Message)

	// The envelope error surfaces at the device-client level; the
	// transport round-trip itself succeeded, with no retry.
	snap := tr.metrics.Snapshot()
	assert.Equal(t, int64(1), snap.RequestsSent)
	assert.Equal(t, int64(1), snap.RequestsSuccessful)
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{400, InvalidValue},
		{404, ActionNotImplemented},
		{500, UnspecifiedError},
		{503, NetworkError},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		tr := NewTransport(TransportConfig{MaxRetries: 1}, zap.NewNop())
		client := NewDeviceClient(tr, deviceFor(t, srv, Camera), nil)

		_, err := client.CCDTemperature(context.Background())
		require.Error(t, err, "status %d", tt.status)
		apiErr, ok := err.(*APIError)
		require.True(t, ok)
		assert.Equal(t, tt.want, apiErr.Kind, "status %d", tt.status)

		tr.Close()
		srv.Close()
	}
}

func TestTransactionIDStrictlyIncreasing(t *testing.T) {
	var mu sync.Mutex
	var seen []int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(r.URL.Query().Get("ClientTransactionID"))
		require.NoError(t, err)
		mu.Lock()
		seen = append(seen, id)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"Value":true,"ErrorNumber":0,"ErrorMessage":""}`))
	}))
	defer srv.Close()

	tr := NewTransport(TransportConfig{}, zap.NewNop())
	defer tr.Close()
	client := NewDeviceClient(tr, deviceFor(t, srv, Camera), nil)

	for i := 0; i < 5; i++ {
		_, err := client.ImageReady(context.Background())
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 5)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1])
	}
}

func TestTransactionIDWrapsAtInt32Max(t *testing.T) {
	tr := NewTransport(TransportConfig{}, zap.NewNop())
	defer tr.Close()
	tr.transaction = 1<<31 - 1
	assert.Equal(t, int32(1), tr.nextTransactionID())
	assert.Equal(t, int32(2), tr.nextTransactionID())
}

func TestGetSetPropertyRoundTrip(t *testing.T) {
	var mu sync.Mutex
	props := map[string]string{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPut {
			require.NoError(t, r.ParseForm())
			mu.Lock()
			props["cooleron"] = r.PostFormValue("cooleron")
			mu.Unlock()
			_, _ = w.Write([]byte(`{"ErrorNumber":0,"ErrorMessage":""}`))
			return
		}
		mu.Lock()
		v := props["cooleron"]
		mu.Unlock()
		_, _ = w.Write([]byte(`{"Value":` + v + `,"ErrorNumber":0,"ErrorMessage":""}`))
	}))
	defer srv.Close()

	tr := NewTransport(TransportConfig{}, zap.NewNop())
	defer tr.Close()
	client := NewDeviceClient(tr, deviceFor(t, srv, Camera), nil)

	require.NoError(t, client.SetCoolerOn(context.Background(), true))
	on, err := client.CoolerOn(context.Background())
	require.NoError(t, err)
	assert.True(t, on)
}

func TestGetPropertyTypeMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"Value":"not a number","ErrorNumber":0,"ErrorMessage":""}`))
	}))
	defer srv.Close()

	tr := NewTransport(TransportConfig{}, zap.NewNop())
	defer tr.Close()
	client := NewDeviceClient(tr, deviceFor(t, srv, Camera), nil)

	_, err := client.CCDTemperature(context.Background())
	require.Error(t, err)
	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, ParseError, apiErr.Kind)
}

func TestParseErrorOnBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	tr := NewTransport(TransportConfig{MaxRetries: 1}, zap.NewNop())
	defer tr.Close()
	client := NewDeviceClient(tr, deviceFor(t, srv, Focuser), nil)

	_, err := client.Position(context.Background())
	require.Error(t, err)
	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, ParseError, apiErr.Kind)
}

func TestConnectionRefusedIsNetworkError(t *testing.T) {
	tr := NewTransport(TransportConfig{MaxRetries: 1}, zap.NewNop())
	defer tr.Close()
	// Reserve a port, then close the listener so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	client := NewDeviceClient(tr, DeviceDescriptor{Kind: Camera, Host: "127.0.0.1", Port: port}, nil)
	_, err = client.ImageReady(context.Background())
	require.Error(t, err)
	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, NetworkError, apiErr.Kind)
}

func TestFormEncodeValue(t *testing.T) {
	assert.Equal(t, "true", formEncodeValue(true))
	assert.Equal(t, "false", formEncodeValue(false))
	assert.Equal(t, "42", formEncodeValue(42))
	assert.Equal(t, "3.141593", formEncodeValue(3.1415926535))
	assert.Equal(t, "plain", formEncodeValue("plain"))
	assert.Equal(t, `["a","b"]`, formEncodeValue([]string{"a", "b"}))
}

func TestMetricsEWMA(t *testing.T) {
	var m Metrics
	m.observe(800)
	assert.Equal(t, int64(800), int64(m.AverageLatency()))
	m.observe(1600)
	// (7*800 + 1600) / 8 = 900
	assert.Equal(t, int64(900), int64(m.AverageLatency()))
}
