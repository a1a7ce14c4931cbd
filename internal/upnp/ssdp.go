package upnp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/ipv4"
)

const ssdpAddr = "239.255.255.250:1900"

// searchTargets are tried in one burst; gateways answer for whichever they
// implement.
var searchTargets = []string{
	"urn:schemas-upnp-org:device:InternetGatewayDevice:1",
	"urn:schemas-upnp-org:device:InternetGatewayDevice:2",
	"urn:schemas-upnp-org:service:WANIPConnection:1",
	"urn:schemas-upnp-org:service:WANPPPConnection:1",
}

func searchRequest(target string, mx int) []byte {
	return []byte("M-SEARCH * HTTP/1.1\r\n" +
		"HOST: " + ssdpAddr + "\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		fmt.Sprintf("MX: %d\r\n", mx) +
		"ST: " + target + "\r\n" +
		"\r\n")
}

// searchSSDP multicasts M-SEARCH requests and returns the LOCATION of the
// first gateway that answers before timeout.
func searchSSDP(ctx context.Context, timeout time.Duration) (string, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return "", fmt.Errorf("open ssdp socket: %w", err)
	}
	defer conn.Close()

	pc := ipv4.NewPacketConn(conn)
	_ = pc.SetMulticastTTL(2)
	_ = pc.SetMulticastLoopback(false)

	dst, err := net.ResolveUDPAddr("udp4", ssdpAddr)
	if err != nil {
		return "", err
	}

	mx := max(int(timeout/time.Second), 1)
	for _, st := range searchTargets {
		if _, err := conn.WriteTo(searchRequest(st, mx), dst); err != nil {
			return "", fmt.Errorf("send m-search: %w", err)
		}
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return "", err
	}

	buf := make([]byte, 2048)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return "", errors.New("no gateway answered the ssdp search")
			}
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		if location, ok := parseSSDPResponse(buf[:n]); ok {
			return location, nil
		}
	}
}

// parseSSDPResponse extracts LOCATION from a search response that advertises
// a gateway service or device.
func parseSSDPResponse(b []byte) (string, bool) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", false
	}

	st := resp.Header.Get("ST")
	if !strings.Contains(st, "InternetGatewayDevice") && !strings.Contains(st, "WANIPConnection") && !strings.Contains(st, "WANPPPConnection") {
		return "", false
	}

	location := resp.Header.Get("Location")
	return location, location != ""
}
