package connwatch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/nugget/n8n-bridge/internal/httpkit"
)

// HTTPProbe returns a probe that GETs target and treats any 2xx as
// healthy.
func HTTPProbe(client *http.Client, target string) ProbeFunc {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return fmt.Errorf("build probe request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer httpkit.DrainAndClose(resp.Body, 1024)
		if !httpkit.IsSuccess(resp.StatusCode) {
			return fmt.Errorf("probe %s: status %d", target, resp.StatusCode)
		}
		return nil
	}
}

// N8NHealthURL derives the n8n health endpoint from a webhook URL:
// the same scheme and host with path /healthz. The webhook itself is
// never probed, since calling it would run the workflow.
func N8NHealthURL(webhookURL string) (string, error) {
	u, err := url.Parse(webhookURL)
	if err != nil {
		return "", fmt.Errorf("parse webhook URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("webhook URL %q has no scheme or host", webhookURL)
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/healthz"}).String(), nil
}
