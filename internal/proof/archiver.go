// Package proof archives submitted proof screenshots for later review:
// the original is retained alongside a review thumbnail, so the evidence
// outlives the (often ephemeral) proof URL. Archiving is best-effort and
// never touches ledger or lease state.
package proof

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/uexplodem-png/socidev-sub003/internal/config"
	"github.com/uexplodem-png/socidev-sub003/internal/queue"
	"github.com/uexplodem-png/socidev-sub003/internal/store"
	"github.com/uexplodem-png/socidev-sub003/internal/telemetry"
)

// errPermanent marks failures that retrying cannot fix.
var errPermanent = errors.New("permanent archive failure")

type Archiver struct {
	cfg        *config.Config
	store      store.Store
	httpClient *http.Client
	uploader   Uploader
	log        *slog.Logger
}

func NewArchiver(cfg *config.Config, st store.Store, uploader Uploader, log *slog.Logger) *Archiver {
	timeout := cfg.ProofFetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Archiver{
		cfg:        cfg,
		store:      st,
		httpClient: &http.Client{Timeout: timeout},
		uploader:   uploader,
		log:        log,
	}
}

// Archive downloads the lease's proof, renders a review thumbnail, and
// uploads both artifacts.
func (a *Archiver) Archive(ctx context.Context, leaseID string) error {
	lease, err := a.store.GetLease(ctx, leaseID)
	if err != nil {
		return fmt.Errorf("%w: load lease: %v", errPermanent, err)
	}
	if lease.ProofURL == "" {
		return fmt.Errorf("%w: lease %s has no proof url", errPermanent, leaseID)
	}

	data, contentType, err := a.download(ctx, lease.ProofURL)
	if err != nil {
		return err
	}

	ext := extensionFor(contentType)
	if _, err := a.uploader.Upload(ctx, fmt.Sprintf("proofs/%s/original%s", leaseID, ext), data, contentType); err != nil {
		return fmt.Errorf("upload original: %w", err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		// Non-image proof: the original alone is the archive.
		a.log.Info("proof is not an image, skipping thumbnail", "lease_id", leaseID, "content_type", contentType)
		telemetry.ProofsArchived.Inc()
		return nil
	}

	width := a.cfg.ProofThumbnailWidth
	if width <= 0 {
		width = 320
	}
	thumb := imaging.Resize(img, width, 0, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("encode thumbnail: %w", err)
	}
	if _, err := a.uploader.Upload(ctx, fmt.Sprintf("proofs/%s/thumb.jpg", leaseID), buf.Bytes(), "image/jpeg"); err != nil {
		return fmt.Errorf("upload thumbnail: %w", err)
	}
	telemetry.ProofsArchived.Inc()
	return nil
}

func (a *Archiver) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: build request: %v", errPermanent, err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download proof: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, "", fmt.Errorf("%w: download proof: status %d", errPermanent, resp.StatusCode)
		}
		return nil, "", fmt.Errorf("download proof: status %d", resp.StatusCode)
	}

	limit := a.cfg.ProofMaxBytes
	if limit <= 0 {
		limit = 10 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read proof: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("%w: proof too large (>%d bytes)", errPermanent, limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func extensionFor(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "png"):
		return ".png"
	case strings.Contains(ct, "gif"):
		return ".gif"
	case strings.Contains(ct, "jpeg"), strings.Contains(ct, "jpg"):
		return ".jpg"
	case strings.Contains(ct, "pdf"):
		return ".pdf"
	default:
		return ".bin"
	}
}

// Worker drains the archive queue until the context is cancelled. Transient
// failures are left in-flight for the visibility timeout to requeue;
// permanent ones are acked and dropped.
type Worker struct {
	queue    *queue.ArchiveQueue
	archiver *Archiver
	poll     time.Duration
	log      *slog.Logger
}

func NewWorker(q *queue.ArchiveQueue, a *Archiver, log *slog.Logger) *Worker {
	return &Worker{queue: q, archiver: a, poll: time.Second, log: log}
}

func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if reclaimed, err := w.queue.RequeueExpired(ctx, time.Now(), 100); err == nil && len(reclaimed) > 0 {
			w.log.Info("requeued stalled archives", "count", len(reclaimed))
		}

		leaseID, err := w.queue.Dequeue(ctx)
		if err != nil || leaseID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.poll):
			}
			continue
		}

		if err := w.archiver.Archive(ctx, leaseID); err != nil {
			if errors.Is(err, errPermanent) {
				w.log.Warn("dropping unarchivable proof", "lease_id", leaseID, "error", err)
				_ = w.queue.Ack(ctx, leaseID)
			} else {
				w.log.Warn("archive failed, will retry", "lease_id", leaseID, "error", err)
			}
			continue
		}
		_ = w.queue.Ack(ctx, leaseID)
	}
}
