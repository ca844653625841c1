// Package notify sends free-text messages to the operator channel and to a
// job's caller callback endpoint.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// Notifier posts operator pings and caller completion messages.
type Notifier struct {
	adminURL string
	admin    *http.Client
	callback *http.Client
	log      *slog.Logger
}

// New builds a Notifier. The admin client talks to the configured operator
// endpoint; the callback client is used for caller-supplied URLs.
func New(adminURL string, admin, callback *http.Client, log *slog.Logger) *Notifier {
	if admin == nil {
		admin = &http.Client{Timeout: 10 * time.Second}
	}
	if callback == nil {
		callback = admin
	}
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		adminURL: strings.TrimRight(adminURL, "/"),
		admin:    admin,
		callback: callback,
		log:      log,
	}
}

// NewCallbackClient returns an SSRF-safe client for caller callback URLs,
// which come from job rows and are not trusted. Redirects are not followed.
func NewCallbackClient(timeout time.Duration) *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return safeurl.Client(cfg).Client
}

// AdminURL is the default endpoint for jobs without a callback.
func (n *Notifier) AdminURL() string {
	return n.adminURL
}

// Admin sends msg to the operator channel as POST <admin>/admin?message=msg.
func (n *Notifier) Admin(ctx context.Context, msg string) error {
	n.log.Info("admin", "message", msg)
	endpoint := n.adminURL + "/admin?" + url.Values{"message": {msg}}.Encode()
	return post(ctx, n.admin, endpoint, nil)
}

// Callback sends a completion message for job id to base, or to the operator
// endpoint when base is empty, as POST <base>/prompt_message?id=<id>.
func (n *Notifier) Callback(ctx context.Context, base string, id int64, msg string) error {
	client := n.callback
	base = strings.TrimRight(base, "/")
	if base == "" || base == n.adminURL {
		base = n.adminURL
		client = n.admin
	}
	endpoint := base + "/prompt_message?" + url.Values{"id": {strconv.FormatInt(id, 10)}}.Encode()
	return post(ctx, client, endpoint, []byte(msg))
}

func post(ctx context.Context, client *http.Client, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notify request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("notify POST: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify POST %s: unexpected status %d", req.URL.Path, resp.StatusCode)
	}
	return nil
}
