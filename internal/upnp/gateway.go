package upnp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	natpmp "github.com/jackpal/go-nat-pmp"
)

// Gateway is a router able to forward an external port to this host.
type Gateway interface {
	// Type is "upnp" or "natpmp".
	Type() string
	// LocalIP is the address of this host as seen from the gateway.
	LocalIP() string
	// AddPortMapping maps m and returns the external port actually granted.
	AddPortMapping(ctx context.Context, m Mapping, lease time.Duration) (int, error)
	DeletePortMapping(ctx context.Context, m Mapping) error
	ExternalIP(ctx context.Context) (string, error)
}

// IGDGateway is a UPnP Internet Gateway Device reached over SOAP.
type IGDGateway struct {
	soap    *soapClient
	localIP string
}

var _ Gateway = (*IGDGateway)(nil)

// NewIGDGateway reads the device description at location and prepares a
// SOAP client for its WAN connection service.
func NewIGDGateway(ctx context.Context, client *http.Client, location string) (*IGDGateway, error) {
	controlURL, serviceType, err := fetchControlPoint(ctx, client, location)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(controlURL)
	if err != nil {
		return nil, err
	}
	local, err := localIPFor(u.Hostname())
	if err != nil {
		return nil, err
	}

	return &IGDGateway{
		soap: &soapClient{
			http:        client,
			controlURL:  controlURL,
			serviceType: serviceType,
		},
		localIP: local,
	}, nil
}

func (g *IGDGateway) Type() string    { return "upnp" }
func (g *IGDGateway) LocalIP() string { return g.localIP }

// ControlURL is the resolved SOAP endpoint.
func (g *IGDGateway) ControlURL() string { return g.soap.controlURL }

func (g *IGDGateway) AddPortMapping(ctx context.Context, m Mapping, lease time.Duration) (int, error) {
	if err := g.soap.addPortMapping(ctx, m, int(lease/time.Second)); err != nil {
		return 0, err
	}
	return m.ExternalPort, nil
}

func (g *IGDGateway) DeletePortMapping(ctx context.Context, m Mapping) error {
	return g.soap.deletePortMapping(ctx, m)
}

func (g *IGDGateway) ExternalIP(ctx context.Context) (string, error) {
	return g.soap.externalIP(ctx)
}

// PMPGateway maps ports with NAT-PMP against a fixed gateway address.
type PMPGateway struct {
	client  *natpmp.Client
	localIP string
}

var _ Gateway = (*PMPGateway)(nil)

// NewPMPGateway creates a NAT-PMP client for gateway.
func NewPMPGateway(gateway string, timeout time.Duration) (*PMPGateway, error) {
	ip := net.ParseIP(strings.TrimSpace(gateway))
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("invalid NAT-PMP gateway %q", gateway)
	}
	local, err := localIPFor(ip.String())
	if err != nil {
		return nil, err
	}
	return &PMPGateway{
		client:  natpmp.NewClientWithTimeout(ip, timeout),
		localIP: local,
	}, nil
}

func (g *PMPGateway) Type() string    { return "natpmp" }
func (g *PMPGateway) LocalIP() string { return g.localIP }

func (g *PMPGateway) AddPortMapping(ctx context.Context, m Mapping, lease time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	res, err := g.client.AddPortMapping(strings.ToLower(m.Protocol), m.InternalPort, m.ExternalPort, int(lease/time.Second))
	if err != nil {
		return 0, err
	}
	return int(res.MappedExternalPort), nil
}

// DeletePortMapping requests a zero lifetime, which removes the mapping.
func (g *PMPGateway) DeletePortMapping(ctx context.Context, m Mapping) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := g.client.AddPortMapping(strings.ToLower(m.Protocol), m.InternalPort, 0, 0)
	return err
}

func (g *PMPGateway) ExternalIP(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	res, err := g.client.GetExternalAddress()
	if err != nil {
		return "", err
	}
	return net.IP(res.ExternalIPAddress[:]).String(), nil
}

// localIPFor returns the local address the kernel would route to host from.
func localIPFor(host string) (string, error) {
	if host == "" {
		return "", errors.New("empty gateway host")
	}
	conn, err := net.Dial("udp4", net.JoinHostPort(host, "1"))
	if err != nil {
		return "", fmt.Errorf("route to gateway: %w", err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", errors.New("unexpected local address type")
	}
	return addr.IP.String(), nil
}
