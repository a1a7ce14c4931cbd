// Package library notifies the downstream media library that new files are
// available so it rescans the affected section.
package library

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/javi11/rarlink/internal/config"
	"github.com/javi11/rarlink/internal/httpclient"
)

// Refresher triggers a library rescan.
type Refresher interface {
	Notify(ctx context.Context, libraryID string)
}

// Client calls the library refresh endpoint. A notification is one normal
// refresh followed by a forced one after ForcedDelay, both best-effort.
type Client struct {
	baseURL     string
	token       string
	forcedDelay time.Duration
	http        *http.Client
	log         *slog.Logger

	mu      sync.Mutex
	closing chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

var _ Refresher = (*Client)(nil)

// NewClient creates a refresh client from the library configuration.
func NewClient(cfg config.LibraryConfig) *Client {
	delay := cfg.ForcedRefreshDelay
	if delay <= 0 {
		delay = 10 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = httpclient.DefaultTimeout
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.URL, "/"),
		token:       cfg.Token,
		forcedDelay: delay,
		http:        httpclient.New(httpclient.WithTimeout(timeout)),
		log:         slog.Default().With("component", "library-refresh"),
		closing:     make(chan struct{}),
	}
}

func (c *Client) refreshURL(libraryID string, force bool) string {
	q := url.Values{}
	if c.token != "" {
		q.Set("X-Plex-Token", c.token)
	}
	if force {
		q.Set("force", "1")
	}
	u := c.baseURL + "/library/sections/" + url.PathEscape(libraryID) + "/refresh"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// Refresh issues one refresh request, retrying transient failures.
func (c *Client) Refresh(ctx context.Context, libraryID string, force bool) error {
	target := c.refreshURL(libraryID, force)

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, resp.Body)

			switch {
			case resp.StatusCode >= 500:
				return fmt.Errorf("library refresh: status %d", resp.StatusCode)
			case resp.StatusCode >= 300:
				return retry.Unrecoverable(fmt.Errorf("library refresh: status %d", resp.StatusCode))
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}

// Notify refreshes libraryID now and schedules the forced refresh. Failures
// are logged and never returned.
func (c *Client) Notify(ctx context.Context, libraryID string) {
	if c.baseURL == "" || libraryID == "" {
		return
	}

	if err := c.Refresh(ctx, libraryID, false); err != nil {
		c.log.WarnContext(ctx, "Library refresh failed", "library_id", libraryID, "error", err)
	} else {
		c.log.InfoContext(ctx, "Library refresh requested", "library_id", libraryID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		timer := time.NewTimer(c.forcedDelay)
		defer timer.Stop()

		select {
		case <-c.closing:
			return
		case <-timer.C:
		}

		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpclient.DefaultTimeout)
		defer cancel()
		if err := c.Refresh(fctx, libraryID, true); err != nil {
			c.log.WarnContext(fctx, "Forced library refresh failed", "library_id", libraryID, "error", err)
			return
		}
		c.log.DebugContext(fctx, "Forced library refresh requested", "library_id", libraryID)
	}()
}

// Close cancels pending forced refreshes and waits for in-flight ones.
func (c *Client) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.closing)
	}
	c.mu.Unlock()
	c.wg.Wait()
}
