package upnp

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type deviceDesc struct {
	URLBase string `xml:"URLBase"`
	Device  device `xml:"device"`
}

type device struct {
	DeviceType string    `xml:"deviceType"`
	Services   []service `xml:"serviceList>service"`
	Devices    []device  `xml:"deviceList>device"`
}

type service struct {
	ServiceType string `xml:"serviceType"`
	ControlURL  string `xml:"controlURL"`
}

// servicePreference lists connection services from most to least preferred.
var servicePreference = []string{
	"urn:schemas-upnp-org:service:WANIPConnection:2",
	"urn:schemas-upnp-org:service:WANIPConnection:1",
	"urn:schemas-upnp-org:service:WANPPPConnection:1",
}

func (d device) walk(fn func(service)) {
	for _, s := range d.Services {
		fn(s)
	}
	for _, child := range d.Devices {
		child.walk(fn)
	}
}

// findConnectionService returns the most preferred WAN connection service
// anywhere in the device tree.
func (d deviceDesc) findConnectionService() (service, bool) {
	found := make(map[string]service)
	d.Device.walk(func(s service) {
		t := strings.TrimSpace(s.ServiceType)
		if _, ok := found[t]; !ok {
			found[t] = s
		}
	})
	for _, t := range servicePreference {
		if s, ok := found[t]; ok {
			s.ServiceType = t
			return s, true
		}
	}
	return service{}, false
}

// fetchControlPoint loads the description at location and resolves the
// control URL of its WAN connection service.
func fetchControlPoint(ctx context.Context, client *http.Client, location string) (controlURL, serviceType string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("fetch device description: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("fetch device description: status %d", resp.StatusCode)
	}

	var desc deviceDesc
	if err := xml.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&desc); err != nil {
		return "", "", fmt.Errorf("decode device description: %w", err)
	}

	svc, ok := desc.findConnectionService()
	if !ok {
		return "", "", errors.New("gateway exposes no WAN connection service")
	}

	base := location
	if desc.URLBase != "" {
		base = desc.URLBase
	}
	u, err := resolveURL(base, svc.ControlURL)
	if err != nil {
		return "", "", err
	}
	return u, svc.ServiceType, nil
}

func resolveURL(base, ref string) (string, error) {
	b, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("parse control url: %w", err)
	}
	return b.ResolveReference(r).String(), nil
}
