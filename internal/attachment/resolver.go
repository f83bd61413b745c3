// Package attachment resolves the ancillary content an event references.
// Content under the byte cap is mirrored and referenced by location; bytes
// never travel inside the event itself.
package attachment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"triggerhub/internal/constants"
	"triggerhub/internal/logger"
	apperrors "triggerhub/pkg/errors"
	"triggerhub/pkg/metrics"
	"triggerhub/pkg/models"
)

// Report counts what happened to the references of one batch.
type Report struct {
	Mirrored  int
	External  int
	Oversized int
	Failed    int
}

func (r *Report) add(o Report) {
	r.Mirrored += o.Mirrored
	r.External += o.External
	r.Oversized += o.Oversized
	r.Failed += o.Failed
}

type Resolver struct {
	mirror     Mirror
	http       *HTTPFetcher
	maxCount   int
	maxBytes   int64
	linkFields []string
	logger     logger.Logger
}

type Option func(*Resolver)

// WithLimits overrides the per-batch mirror count and per-item byte caps.
func WithLimits(maxCount int, maxBytes int64) Option {
	return func(r *Resolver) {
		if maxCount > 0 {
			r.maxCount = maxCount
		}
		if maxBytes > 0 {
			r.maxBytes = maxBytes
		}
	}
}

// WithHTTPFetcher enables mirroring of linked content.
func WithHTTPFetcher(f *HTTPFetcher) Option {
	return func(r *Resolver) { r.http = f }
}

func WithLinkFields(fields ...string) Option {
	return func(r *Resolver) {
		if len(fields) > 0 {
			r.linkFields = fields
		}
	}
}

func NewResolver(mirror Mirror, log logger.Logger, opts ...Option) *Resolver {
	if log == nil {
		log = logger.NopLogger()
	}
	r := &Resolver{
		mirror:     mirror,
		maxCount:   constants.MaxAttachmentCount,
		maxBytes:   constants.MaxAttachmentBytes,
		linkFields: DefaultLinkFields,
		logger:     log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve resolves a single event as a batch of one.
func (r *Resolver) Resolve(ctx context.Context, src Source, event *models.Event) ([]models.AttachmentReference, Report, error) {
	remaining := r.maxCount
	refs, report, err := r.resolve(ctx, src, event, &remaining)
	return refs, report, err
}

// ResolveBatch replaces each event's attachments with resolved references.
// The count cap is shared by the whole batch.
func (r *Resolver) ResolveBatch(ctx context.Context, src Source, events []*models.Event) (Report, error) {
	var total Report
	remaining := r.maxCount
	for _, event := range events {
		refs, report, err := r.resolve(ctx, src, event, &remaining)
		total.add(report)
		if err != nil {
			return total, err
		}
		event.Attachments = refs
	}
	return total, nil
}

func (r *Resolver) resolve(ctx context.Context, src Source, event *models.Event, remaining *int) ([]models.AttachmentReference, Report, error) {
	var report Report
	found := candidates(event, r.linkFields)
	if len(found) == 0 {
		return nil, report, nil
	}

	out := make([]models.AttachmentReference, 0, len(found))
	for i, ref := range found {
		if err := ctx.Err(); err != nil {
			return nil, report, err
		}
		resolved := r.resolveOne(ctx, src, event, i, ref, remaining, &report)
		if err := ctx.Err(); err != nil {
			return nil, report, err
		}
		metrics.IncAttachment(resolved.Provenance)
		out = append(out, resolved)
	}
	return out, report, nil
}

func (r *Resolver) resolveOne(ctx context.Context, src Source, event *models.Event, index int, ref models.AttachmentReference, remaining *int, report *Report) models.AttachmentReference {
	ref.Provenance = models.ProvenanceExternalLink
	ref.MirroredURL = ""

	if *remaining <= 0 {
		report.External++
		return ref
	}
	if ref.Size > r.maxBytes {
		r.oversized(ctx, event, ref, report)
		return ref
	}

	data, contentType, err := r.fetch(ctx, src, ref)
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrOversizedAttachment):
		r.oversized(ctx, event, ref, report)
		return ref
	case errors.Is(err, errNoFetcher):
		report.External++
		return ref
	default:
		if ctx.Err() == nil {
			r.logger.WarnwCtx(ctx, "Attachment fetch failed, reporting link",
				"subscription_id", event.SubscriptionID,
				"event", event.Name,
				"source_id", ref.SourceID,
				"source_url", ref.SourceURL,
				"error", err,
			)
		}
		report.Failed++
		report.External++
		return ref
	}

	if ref.ContentType == "" {
		ref.ContentType = contentType
	}
	if ref.ContentType == "" {
		ref.ContentType = http.DetectContentType(data)
	}

	location, err := r.mirror.Put(ctx, mirrorKey(event, index, ref), ref.ContentType, data)
	if err != nil {
		r.logger.WarnwCtx(ctx, "Attachment mirror failed, reporting link",
			"subscription_id", event.SubscriptionID,
			"event", event.Name,
			"error", err,
		)
		report.Failed++
		report.External++
		return ref
	}

	*remaining--
	ref.MirroredURL = location
	ref.Size = int64(len(data))
	ref.Provenance = models.ProvenanceMirrored
	report.Mirrored++
	metrics.AddAttachmentBytes(ref.Size)
	return ref
}

var errNoFetcher = errors.New("attachment: no fetcher for reference")

func (r *Resolver) fetch(ctx context.Context, src Source, ref models.AttachmentReference) ([]byte, string, error) {
	switch {
	case ref.SourceID != "" && src != nil:
		data, err := src.FetchAttachment(ctx, ref, r.maxBytes)
		return data, "", err
	case ref.SourceURL != "" && r.http != nil:
		return r.http.Fetch(ctx, ref.SourceURL, r.maxBytes)
	default:
		return nil, "", errNoFetcher
	}
}

func (r *Resolver) oversized(ctx context.Context, event *models.Event, ref models.AttachmentReference, report *Report) {
	r.logger.InfowCtx(ctx, "Attachment exceeds size cap, not mirrored",
		"subscription_id", event.SubscriptionID,
		"event", event.Name,
		"name", ref.Name,
		"size", ref.Size,
		"max_bytes", r.maxBytes,
	)
	report.Oversized++
	report.External++
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func mirrorKey(event *models.Event, index int, ref models.AttachmentReference) string {
	sum := sha256.Sum256([]byte(event.DedupKey))
	name := unsafeName.ReplaceAllString(ref.Name, "_")
	if name == "" {
		name = "attachment"
	}
	return fmt.Sprintf("%s/%s/%02d-%s", event.SubscriptionID, hex.EncodeToString(sum[:8]), index, name)
}
