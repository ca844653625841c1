// Package publish ships a processed artifact: upload to storage, tell the
// operator and the caller where it is, then drop the local copy.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"upscale-worker/internal/models"
)

// Notifier is the messaging surface the publisher needs.
type Notifier interface {
	Admin(ctx context.Context, msg string) error
	Callback(ctx context.Context, base string, id int64, msg string) error
}

// Publisher uploads results and announces them.
type Publisher struct {
	uploader Uploader
	notifier Notifier
	viewURL  string
	log      *slog.Logger
}

// New builds a Publisher. viewURL is the public read URL with a {slug}
// placeholder.
func New(uploader Uploader, notifier Notifier, viewURL string, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{uploader: uploader, notifier: notifier, viewURL: viewURL, log: log}
}

// ViewURL renders the public retrieval location for slug.
func ViewURL(template, slug string) string {
	return strings.ReplaceAll(template, "{slug}", url.PathEscape(slug))
}

// CompletionMessage is the text sent to the operator and the caller.
func CompletionMessage(viewURL string, elapsed int) string {
	minutes, seconds := elapsed/60, elapsed%60
	return fmt.Sprintf("%s\nTook %dm%ds to generate", viewURL, minutes, seconds)
}

// Publish uploads res and notifies. Upload failures are returned; notification
// failures are logged only. The local artifact is removed once the upload has
// succeeded.
func (p *Publisher) Publish(ctx context.Context, res models.Result, job models.Job) error {
	body, err := os.ReadFile(res.OutputPath)
	if err != nil {
		return fmt.Errorf("read artifact: %w", err)
	}
	location, err := p.uploader.Upload(ctx, res.Slug+".png", body, "image/png")
	if err != nil {
		return fmt.Errorf("upload %s: %w", res.Slug, err)
	}
	p.log.Info("uploaded artifact", "job_id", job.ID, "location", location, "bytes", len(body))

	msg := CompletionMessage(ViewURL(p.viewURL, res.Slug), res.Elapsed)
	if err := p.notifier.Admin(ctx, msg); err != nil {
		p.log.Warn("admin notification failed", "job_id", job.ID, "err", err)
	}
	if err := p.notifier.Callback(ctx, job.CallbackURL, job.ID, msg); err != nil {
		p.log.Warn("callback notification failed", "job_id", job.ID, "url", job.CallbackURL, "err", err)
	}

	if err := os.Remove(res.OutputPath); err != nil && !os.IsNotExist(err) {
		p.log.Warn("remove artifact", "path", res.OutputPath, "err", err)
	}
	return nil
}
