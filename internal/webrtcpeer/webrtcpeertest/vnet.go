// Package webrtcpeertest connects PeerConnections over an in-process virtual
// network so call tests need no real sockets or STUN.
package webrtcpeertest

import (
	"fmt"
	"net"
	"testing"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/xogh7882/webRTC-Demo/internal/config"
	"github.com/xogh7882/webRTC-Demo/internal/webrtcpeer"
)

const cidr = "10.0.0.0/24"

// LAN is one virtual subnet with an API per host. Host i has address
// 10.0.0.<i+1>.
type LAN struct {
	Router *vnet.Router
	APIs   []*webrtc.API
	ips    []net.IP
}

// NewAPIs returns n APIs, each bound to its own address on one virtual LAN.
// The router is stopped when the test ends.
func NewAPIs(t testing.TB, n int) []*webrtc.API {
	t.Helper()
	return NewLAN(t, n, config.Config{}).APIs
}

// NewLAN is NewAPIs with cfg applied to every API, e.g. short ICE timers.
func NewLAN(t testing.TB, n int, cfg config.Config) *LAN {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() {
		_ = router.Stop()
	})

	lan := &LAN{Router: router}
	nets := make([]*vnet.Net, 0, n)
	for i := 0; i < n; i++ {
		ip := fmt.Sprintf("10.0.0.%d", i+1)
		vn, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("new net %s: %v", ip, err)
		}
		if err := router.AddNet(vn); err != nil {
			t.Fatalf("add net %s: %v", ip, err)
		}
		nets = append(nets, vn)
		lan.ips = append(lan.ips, net.ParseIP(ip))
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	for i, vn := range nets {
		api, err := webrtcpeer.NewAPI(cfg, webrtcpeer.WithNet(vn))
		if err != nil {
			t.Fatalf("new api %d: %v", i, err)
		}
		lan.APIs = append(lan.APIs, api)
	}
	return lan
}

// DropFrom discards every UDP datagram host i sends from now on. Traffic
// towards host i is unaffected.
func (l *LAN) DropFrom(i int) {
	src := l.ips[i]
	l.Router.AddChunkFilter(func(c vnet.Chunk) bool {
		if c.Network() != "udp" {
			return true
		}
		addr, ok := c.SourceAddr().(*net.UDPAddr)
		if !ok {
			return true
		}
		return !addr.IP.Equal(src)
	})
}
