// Package fetch retrieves the relay directory snapshot feed over HTTP,
// optionally through an outline-sdk transport.
package fetch

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/x/configurl"
)

// Options configures a snapshot fetch.
type Options struct {
	// Transport config string; empty means a direct connection.
	Transport string
	// Timeout in seconds (default: 10).
	TimeoutSec int
}

// Snapshot fetches the feed at url and returns its body as text. The feed
// endpoint serves text/plain; any other media type is rejected so that
// captive portals and block pages don't get ingested as snapshots.
func Snapshot(url string, opts Options) (string, error) {
	if opts.TimeoutSec == 0 {
		opts.TimeoutSec = 10
	}

	dialer, err := configurl.NewDefaultConfigToDialer().NewStreamDialer(opts.Transport)
	if err != nil {
		return "", fmt.Errorf("could not create dialer: %w", err)
	}

	dialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !strings.HasPrefix(network, "tcp") {
			return nil, fmt.Errorf("protocol not supported: %v", network)
		}
		return dialer.DialStream(ctx, addr)
	}

	httpClient := &http.Client{
		Transport: &http.Transport{DialContext: dialContext},
		Timeout:   time.Duration(opts.TimeoutSec) * time.Second,
	}

	resp, err := httpClient.Get(url)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status: %s", resp.Status)
	}

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "text/plain" {
		return "", fmt.Errorf("expected text/plain response, got %q",
			resp.Header.Get("Content-Type"))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read of feed body failed: %w", err)
	}

	return string(body), nil
}
