package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"media-relay-go/internal/client"
	"media-relay-go/internal/config"
	"media-relay-go/internal/metrics"
	"media-relay-go/internal/model"
	"media-relay-go/internal/playlist"
)

var (
	// ErrPlaylistTooLarge is returned when a playlist body exceeds media.max_playlist_bytes.
	ErrPlaylistTooLarge = errors.New("upstream playlist exceeds size limit")
	// ErrInvalidTarget is returned by ParseTarget for anything but an absolute http(s) URL.
	ErrInvalidTarget = errors.New("invalid target url")
)

const defaultMediaType = "application/octet-stream"

// MediaService relays playlists and binary media from third-party hosts.
type MediaService struct {
	client         *client.UpstreamClient
	defaultReferer string
	timeout        time.Duration
	idleTimeout    time.Duration
	maxPlaylist    int64
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

// NewMediaService creates a MediaService.
func NewMediaService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *MediaService {
	return &MediaService{
		client:         c,
		defaultReferer: cfg.Media.DefaultReferer,
		timeout:        time.Duration(cfg.Media.TimeoutSeconds) * time.Second,
		idleTimeout:    time.Duration(cfg.Media.IdleTimeoutSeconds) * time.Second,
		maxPlaylist:    cfg.Media.MaxPlaylistBytes,
		logger:         logger.With("component", "media_service"),
		metrics:        m,
	}
}

// ParseTarget validates the url parameter of a media request.
func ParseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidTarget, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}
	return u, nil
}

// Relay fetches pr.Target and returns what should be sent to the player.
// The caller is responsible for closing the response body.
//
// The media timeout bounds everything up to a usable answer: the fetch, the
// 403 retry and reading a playlist. A streamed body is then only held to the
// idle timeout, so long segments survive as long as bytes keep arriving.
//
// Upstream statuses are never swallowed: a rejected request comes back with
// the upstream status and body. Only transport failures return an error.
func (s *MediaService) Relay(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	ctx, wd := startWatchdog(pr.Ctx, s.timeout)

	target := pr.Target.String()
	uc := client.DeriveContext(pr.RefererOverride, s.defaultReferer)

	s.logger.Info("proxying media request", "target", target, "referer", uc.Referer)

	switch r := s.client.FetchMedia(ctx, pr.Target, uc, pr.Range).(type) {
	case *model.TransportFailure:
		wd.stop()
		if wd.expired() {
			return nil, fmt.Errorf("fetch media from %s: %w: %w", pr.Target.Host, context.DeadlineExceeded, r)
		}
		return nil, fmt.Errorf("fetch media from %s: %w", pr.Target.Host, r)

	case *model.Rejected:
		s.logger.Warn("upstream rejected media request", "status", r.StatusCode, "target", target)
		return s.passthrough(r.Response, false, wd), nil

	case *model.Success:
		if isPlaylist(r.Header.Get("Content-Type"), target) {
			return s.rewrite(r.Response, pr, uc, wd)
		}
		return s.passthrough(r.Response, true, wd), nil

	default:
		wd.stop()
		return nil, fmt.Errorf("unexpected upstream outcome %T", r)
	}
}

func (s *MediaService) rewrite(resp model.Response, pr *model.ProxyRequest, uc model.UpstreamContext, wd *watchdog) (*model.ProxyResponse, error) {
	defer wd.stop()
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, s.maxPlaylist+1))
	if err != nil {
		if wd.expired() {
			return nil, fmt.Errorf("read playlist: %w: %w", context.DeadlineExceeded, err)
		}
		return nil, fmt.Errorf("read playlist: %w", err)
	}
	if int64(len(raw)) > s.maxPlaylist {
		return nil, ErrPlaylistTooLarge
	}

	target := pr.Target.String()
	text := string(raw)
	summary := playlist.Inspect(text)
	rewritten := playlist.Rewrite(text, target, uc.Referer, pr.ProxyBase)

	s.logger.Debug("rewrote playlist",
		"target", target,
		"kind", summary.Kind,
		"entries", summary.Entries,
	)
	if s.metrics != nil {
		s.metrics.PlaylistsRewritten.WithLabelValues(summary.Kind).Inc()
	}

	header := http.Header{}
	header.Set("Content-Type", playlist.MIMEType)
	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(rewritten)),
	}, nil
}

// passthrough relays an upstream body untouched. Length and range headers are
// only forwarded for successful answers.
func (s *MediaService) passthrough(resp model.Response, withLengths bool, wd *watchdog) *model.ProxyResponse {
	header := http.Header{}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = defaultMediaType
	}
	header.Set("Content-Type", ct)

	if withLengths {
		for _, key := range []string{"Content-Length", "Content-Range"} {
			if v := resp.Header.Get(key); v != "" {
				header.Set(key, v)
			}
		}
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       newIdleBody(resp.Body, wd, s.idleTimeout),
	}
}

// isPlaylist reports whether an answer is an HLS playlist, by declared type
// or by the target's .m3u8 suffix.
func isPlaylist(contentType, target string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "mpegurl") || strings.Contains(ct, "m3u8") || strings.HasSuffix(target, ".m3u8")
}

// watchdog cancels a fetch when its timer fires. Unlike a context deadline
// it can be pushed back, which lets a stream switch from the total timeout to
// an idle timeout once headers are in.
type watchdog struct {
	timer  *time.Timer
	cancel context.CancelFunc
	fired  atomic.Bool
}

func startWatchdog(parent context.Context, d time.Duration) (context.Context, *watchdog) {
	ctx, cancel := context.WithCancel(parent)
	wd := &watchdog{cancel: cancel}
	wd.timer = time.AfterFunc(d, func() {
		wd.fired.Store(true)
		cancel()
	})
	return ctx, wd
}

// extend moves the deadline d from now. A watchdog that already fired stays
// fired.
func (w *watchdog) extend(d time.Duration) {
	if w.timer.Stop() {
		w.timer.Reset(d)
	}
}

// disarm stops the timer without canceling the fetch.
func (w *watchdog) disarm() { w.timer.Stop() }

func (w *watchdog) stop() {
	w.timer.Stop()
	w.cancel()
}

func (w *watchdog) expired() bool { return w.fired.Load() }

// idleBody fails a stream that goes quiet for longer than idle. The fetch is
// canceled on Close.
type idleBody struct {
	io.ReadCloser
	wd   *watchdog
	idle time.Duration
}

func newIdleBody(body io.ReadCloser, wd *watchdog, idle time.Duration) *idleBody {
	if idle > 0 {
		wd.extend(idle)
	} else {
		wd.disarm()
	}
	return &idleBody{ReadCloser: body, wd: wd, idle: idle}
}

func (b *idleBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 && b.idle > 0 {
		b.wd.extend(b.idle)
	}
	if err != nil && err != io.EOF && b.wd.expired() {
		err = fmt.Errorf("media stream idle for %s: %w: %w", b.idle, context.DeadlineExceeded, err)
	}
	return n, err
}

func (b *idleBody) Close() error {
	err := b.ReadCloser.Close()
	b.wd.stop()
	return err
}
