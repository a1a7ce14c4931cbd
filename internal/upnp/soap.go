package upnp

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

type soapArg struct {
	Name  string
	Value string
}

type soapFault struct {
	Code        int    `xml:"Body>Fault>detail>UPnPError>errorCode"`
	Description string `xml:"Body>Fault>detail>UPnPError>errorDescription"`
}

type externalIPResponse struct {
	IP string `xml:"Body>GetExternalIPAddressResponse>NewExternalIPAddress"`
}

// soapClient speaks the IGD control protocol to one service.
type soapClient struct {
	http        *http.Client
	controlURL  string
	serviceType string
}

func (c *soapClient) envelope(action string, args []soapArg) []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0"?>`)
	b.WriteString(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/"><s:Body>`)
	fmt.Fprintf(&b, `<u:%s xmlns:u="%s">`, action, c.serviceType)
	for _, a := range args {
		b.WriteString("<" + a.Name + ">")
		_ = xml.EscapeText(&b, []byte(a.Value))
		b.WriteString("</" + a.Name + ">")
	}
	fmt.Fprintf(&b, `</u:%s></s:Body></s:Envelope>`, action)
	return b.Bytes()
}

func (c *soapClient) call(ctx context.Context, action string, args []soapArg) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.controlURL, bytes.NewReader(c.envelope(action, args)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPAction", `"`+c.serviceType+"#"+action+`"`)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", action, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", action, err)
	}

	if resp.StatusCode != http.StatusOK {
		var fault soapFault
		if xml.Unmarshal(body, &fault) == nil && fault.Code != 0 {
			return nil, fmt.Errorf("%s: upnp error %d: %s", action, fault.Code, strings.TrimSpace(fault.Description))
		}
		return nil, fmt.Errorf("%s: status %d", action, resp.StatusCode)
	}
	return body, nil
}

func (c *soapClient) addPortMapping(ctx context.Context, m Mapping, leaseSeconds int) error {
	_, err := c.call(ctx, "AddPortMapping", []soapArg{
		{"NewRemoteHost", ""},
		{"NewExternalPort", strconv.Itoa(m.ExternalPort)},
		{"NewProtocol", m.Protocol},
		{"NewInternalPort", strconv.Itoa(m.InternalPort)},
		{"NewInternalClient", m.InternalClient},
		{"NewEnabled", "1"},
		{"NewPortMappingDescription", m.Description},
		{"NewLeaseDuration", strconv.Itoa(leaseSeconds)},
	})
	return err
}

func (c *soapClient) deletePortMapping(ctx context.Context, m Mapping) error {
	_, err := c.call(ctx, "DeletePortMapping", []soapArg{
		{"NewRemoteHost", ""},
		{"NewExternalPort", strconv.Itoa(m.ExternalPort)},
		{"NewProtocol", m.Protocol},
	})
	return err
}

func (c *soapClient) externalIP(ctx context.Context) (string, error) {
	body, err := c.call(ctx, "GetExternalIPAddress", nil)
	if err != nil {
		return "", err
	}
	var r externalIPResponse
	if err := xml.Unmarshal(body, &r); err != nil {
		return "", fmt.Errorf("GetExternalIPAddress: %w", err)
	}
	return strings.TrimSpace(r.IP), nil
}
