package alpaca

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DiscoverDevices is a deliberate stub: it synthesizes candidate
// (host, port=11111) endpoints across the given CIDR and fans out short
// TCP probes, returning descriptors for hosts that accept a connection.
// Production installations use Alpaca's UDP discovery broadcast, which
// this client does not implement.
func DiscoverDevices(ctx context.Context, cidr string, probeTimeout time.Duration) ([]DeviceDescriptor, error) {
	if probeTimeout <= 0 {
		probeTimeout = 200 * time.Millisecond
	}
	hosts, err := hostsInCIDR(cidr)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	found := make([]DeviceDescriptor, 0)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(32)
	for _, host := range hosts {
		host := host
		g.Go(func() error {
			d := net.Dialer{Timeout: probeTimeout}
			conn, err := d.DialContext(gctx, "tcp", fmt.Sprintf("%s:%d", host, 11111))
			if err != nil {
				return nil // not present; not a fan-out error
			}
			_ = conn.Close()
			mu.Lock()
			found = append(found, DeviceDescriptor{Host: host, Port: 11111})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return found, nil
}

// hostsInCIDR enumerates every address in the given CIDR block, the
// network and broadcast addresses included; the block size is not
// limited.
func hostsInCIDR(cidr string) ([]string, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, &APIError{Kind: ParseError, Message: err.Error()}
	}
	var hosts []string
	for ip := ipnet.IP.Mask(ipnet.Mask); ipnet.Contains(ip); incIP(ip) {
		cp := make(net.IP, len(ip))
		copy(cp, ip)
		hosts = append(hosts, cp.String())
	}
	return hosts, nil
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			break
		}
	}
}
