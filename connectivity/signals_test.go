package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		ifaces   []InterfaceInfo
		expected NetworkState
	}{
		{
			name:     "nothing",
			expected: Offline,
		},
		{
			name: "loopback only",
			ifaces: []InterfaceInfo{
				{Name: "lo", Up: true, Loopback: true, HasAddr: true},
			},
			expected: Offline,
		},
		{
			name: "down wifi",
			ifaces: []InterfaceInfo{
				{Name: "wlan0", Up: false, HasAddr: true},
			},
			expected: Offline,
		},
		{
			name: "cellular",
			ifaces: []InterfaceInfo{
				{Name: "rmnet_data0", Up: true, HasAddr: true},
			},
			expected: NetworkState{Connected: true, ConnectionType: Cellular},
		},
		{
			name: "wifi preferred over cellular and ethernet",
			ifaces: []InterfaceInfo{
				{Name: "rmnet0", Up: true, HasAddr: true},
				{Name: "eth0", Up: true, HasAddr: true},
				{Name: "wlp2s0", Up: true, HasAddr: true},
			},
			expected: NetworkState{Connected: true, ConnectionType: WiFi},
		},
		{
			name: "unrecognised interface",
			ifaces: []InterfaceInfo{
				{Name: "tun0", Up: true, HasAddr: true},
			},
			expected: NetworkState{Connected: true, ConnectionType: Unknown},
		},
		{
			name: "no address",
			ifaces: []InterfaceInfo{
				{Name: "eth0", Up: true},
			},
			expected: Offline,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, classify(tt.ifaces))
		})
	}
}

func TestInterfacesSignal(t *testing.T) {
	t.Parallel()

	sig := &Interfaces{List: func() ([]InterfaceInfo, error) {
		return nil, errors.New("permission denied")
	}}
	_, err := sig.Current(context.Background())
	assert.Error(t, err)

	sig = &Interfaces{List: func() ([]InterfaceInfo, error) {
		return []InterfaceInfo{{Name: "eth0", Up: true, HasAddr: true}}, nil
	}}
	s, err := sig.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NetworkState{Connected: true, ConnectionType: Ethernet}, s)
}

func TestProbe(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	p := &Probe{URL: srv.URL, Interval: 10 * time.Millisecond, Timeout: time.Second}

	s, err := p.Current(context.Background())
	require.NoError(t, err)
	assert.True(t, s.Connected, "any response means the network is reachable")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ch, err := p.Watch(ctx)
	require.NoError(t, err)
	assert.True(t, (<-ch).Connected)

	srv.Close()

	select {
	case s := <-ch:
		assert.Equal(t, Offline, s)
	case <-time.After(2 * time.Second):
		t.Fatal("probe did not report the outage")
	}
}

func TestManualWatchClosesWithContext(t *testing.T) {
	t.Parallel()

	m := NewManual("", Online)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := m.Watch(ctx)
	require.NoError(t, err)

	m.Set(Offline)
	assert.Equal(t, Offline, <-ch)

	cancel()
	for range ch {
	}

	// setting after all watchers left must not block
	m.Set(Online)
	s, _ := m.Current(context.Background())
	assert.Equal(t, Online, s)
}
