package client

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"media-relay-go/internal/metrics"
	"media-relay-go/internal/model"
)

// maxDrainBytes bounds how much of a rejected body is read before the
// connection is given back to the pool.
const maxDrainBytes = 64 << 10

// FetchMedia fetches a playlist, segment, key or subtitle from a media host.
//
// When the first answer is exactly 403 and the target's own origin differs
// from uc.Origin, the request is repeated once with referer and origin both
// set to the target origin. Any other outcome, including the retry's, is
// returned as is.
func (c *UpstreamClient) FetchMedia(ctx context.Context, target *url.URL, uc model.UpstreamContext, rangeHeader string) model.FetchResult {
	res := c.fetchMediaOnce(ctx, target, uc, rangeHeader)

	rej, ok := res.(*model.Rejected)
	if !ok || rej.StatusCode != http.StatusForbidden {
		return res
	}
	targetOrigin := OriginOf(target.String())
	if targetOrigin == "" || targetOrigin == uc.Origin {
		return res
	}

	_, _ = io.CopyN(io.Discard, rej.Body, maxDrainBytes)
	_ = rej.Body.Close()

	c.logger.Info("retrying with target origin after 403",
		"host", target.Host,
		"origin", uc.Origin,
		"target_origin", targetOrigin,
	)
	if c.metrics != nil {
		c.metrics.FallbackRetries.Inc()
	}

	return c.fetchMediaOnce(ctx, target, model.UpstreamContext{Referer: targetOrigin, Origin: targetOrigin}, rangeHeader)
}

func (c *UpstreamClient) fetchMediaOnce(ctx context.Context, target *url.URL, uc model.UpstreamContext, rangeHeader string) model.FetchResult {
	if err := c.limiter.wait(ctx, target.Host); err != nil {
		return &model.TransportFailure{Err: err}
	}
	return c.Get(ctx, metrics.RelayMedia, target.String(), BuildHeaders(uc, c.profile, rangeHeader))
}
