package connectivity

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Manual is a Signal driven by the host application, for example from
// platform network callbacks on mobile, or from tests.
type Manual struct {
	name string

	mu       sync.Mutex
	state    NetworkState
	watchers map[chan NetworkState]struct{}
}

// NewManual creates a Manual signal reporting initial.
func NewManual(name string, initial NetworkState) *Manual {
	if name == "" {
		name = "manual"
	}
	return &Manual{
		name:     name,
		state:    initial,
		watchers: make(map[chan NetworkState]struct{}),
	}
}

func (m *Manual) Name() string { return m.name }

func (m *Manual) Current(context.Context) (NetworkState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state, nil
}

// Set publishes s to every watcher. A watcher that has not consumed the
// previous value only sees the latest one.
func (m *Manual) Set(s NetworkState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = s
	for ch := range m.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

func (m *Manual) Watch(ctx context.Context) (<-chan NetworkState, error) {
	ch := make(chan NetworkState, 1)

	m.mu.Lock()
	m.watchers[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()

		m.mu.Lock()
		defer m.mu.Unlock()

		delete(m.watchers, ch)
		close(ch)
	}()

	return ch, nil
}

// Probe reports the network as connected while an HTTP request to URL gets
// any response. It cannot tell link types apart.
type Probe struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	Client   *http.Client
}

func (p *Probe) Name() string { return "probe" }

func (p *Probe) Current(ctx context.Context) (NetworkState, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return NetworkState{}, err
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return Offline, nil
	}
	_ = resp.Body.Close()

	return NetworkState{Connected: true, ConnectionType: Unknown}, nil
}

func (p *Probe) Watch(ctx context.Context) (<-chan NetworkState, error) {
	return poll(ctx, p.Interval, p.Current), nil
}

// InterfaceInfo is the part of a network interface used to classify links.
type InterfaceInfo struct {
	Name     string
	Up       bool
	Loopback bool
	HasAddr  bool
}

// Interfaces inspects the host network interfaces and reports the best
// usable link, preferring wifi over ethernet over cellular.
type Interfaces struct {
	Interval time.Duration

	// List overrides interface discovery; nil uses the host interfaces.
	List func() ([]InterfaceInfo, error)
}

func (i *Interfaces) Name() string { return "interfaces" }

func (i *Interfaces) Current(context.Context) (NetworkState, error) {
	list := i.List
	if list == nil {
		list = hostInterfaces
	}

	ifaces, err := list()
	if err != nil {
		return NetworkState{}, err
	}

	return classify(ifaces), nil
}

func (i *Interfaces) Watch(ctx context.Context) (<-chan NetworkState, error) {
	return poll(ctx, i.Interval, i.Current), nil
}

var linkRank = map[ConnectionType]int{
	WiFi:     4,
	Ethernet: 3,
	Cellular: 2,
	Unknown:  1,
}

func classify(ifaces []InterfaceInfo) NetworkState {
	best := Offline
	for _, iface := range ifaces {
		if !iface.Up || iface.Loopback || !iface.HasAddr {
			continue
		}
		t := linkType(iface.Name)
		if !best.Connected || linkRank[t] > linkRank[best.ConnectionType] {
			best = NetworkState{Connected: true, ConnectionType: t}
		}
	}
	return best
}

func linkType(name string) ConnectionType {
	n := strings.ToLower(name)
	switch {
	case hasAnyPrefix(n, "wl", "wifi", "ath", "ra"):
		return WiFi
	case hasAnyPrefix(n, "rmnet", "wwan", "ccmni", "pdp_ip", "ppp", "usb"):
		return Cellular
	case hasAnyPrefix(n, "eth", "en", "em"):
		return Ethernet
	default:
		return Unknown
	}
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func hostInterfaces() ([]InterfaceInfo, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	out := make([]InterfaceInfo, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, _ := iface.Addrs()
		out = append(out, InterfaceInfo{
			Name:     iface.Name,
			Up:       iface.Flags&net.FlagUp != 0,
			Loopback: iface.Flags&net.FlagLoopback != 0,
			HasAddr:  len(addrs) > 0,
		})
	}
	return out, nil
}

// poll calls check every interval and emits the result whenever it differs
// from the previous one. The first result is always emitted.
func poll(ctx context.Context, interval time.Duration, check func(context.Context) (NetworkState, error)) <-chan NetworkState {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	ch := make(chan NetworkState, 1)

	go func() {
		defer close(ch)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var last *NetworkState
		for {
			if s, err := check(ctx); err == nil && (last == nil || *last != s) {
				last = &s
				select {
				case ch <- s:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return ch
}
