// Package services – TemplateService
//
// TemplateService resolves template bodies through a cache in front of the
// template table and renders them with the render package. Cache failures are
// logged and bypassed; store failures are returned.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-tg-dispatcher/internal/cache"
	"github.com/tbourn/go-tg-dispatcher/internal/domain"
	"github.com/tbourn/go-tg-dispatcher/internal/render"
	"github.com/tbourn/go-tg-dispatcher/internal/repo"
)

// DefaultTemplateTTL is how long a found body stays cached.
const DefaultTemplateTTL = 3000 * time.Second

// TemplateService caches and renders templates.
type TemplateService struct {
	DB    *gorm.DB
	Cache cache.Cache
	TTL   time.Duration
}

func templateCacheKey(key, lang string) string { return key + ":" + lang }

// Body returns the active body for (key, lang). found is false when no active
// template exists; misses are not cached.
func (s *TemplateService) Body(ctx context.Context, key, lang string) (body string, found bool, err error) {
	ck := templateCacheKey(key, lang)
	if s.Cache != nil {
		v, ok, cerr := s.Cache.Get(ctx, ck)
		switch {
		case cerr != nil:
			log.Warn().Err(cerr).Str("template_key", key).Str("language", lang).Msg("template cache read failed")
		case ok:
			return v, true, nil
		}
	}

	t, err := repo.GetActiveTemplate(ctx, s.DB, key, lang)
	if errors.Is(err, repo.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	if s.Cache != nil {
		ttl := s.TTL
		if ttl <= 0 {
			ttl = DefaultTemplateTTL
		}
		if cerr := s.Cache.Set(ctx, ck, t.Body, ttl); cerr != nil {
			log.Warn().Err(cerr).Str("template_key", key).Msg("template cache write failed")
		}
	}
	return t.Body, true, nil
}

// Render renders template key in lang with vars. A missing template renders
// as the empty string.
func (s *TemplateService) Render(ctx context.Context, key string, vars map[string]any, lang string) (string, error) {
	tr := otel.Tracer("services/TemplateService")
	ctx, span := tr.Start(ctx, "Render",
		trace.WithAttributes(
			attribute.String("template.key", key),
			attribute.String("template.language", lang),
		),
	)
	defer span.End()

	body, found, err := s.Body(ctx, key, lang)
	if err != nil {
		return "", err
	}
	if !found {
		log.Warn().Str("template_key", key).Str("language", lang).Msg("no active template; rendering empty text")
		return "", nil
	}
	return render.Render(body, vars), nil
}

// Invalidate drops the cached body of (key, lang).
func (s *TemplateService) Invalidate(ctx context.Context, key, lang string) error {
	if s.Cache == nil {
		return nil
	}
	return s.Cache.Delete(ctx, templateCacheKey(key, lang))
}

// Upsert stores a template and invalidates its cache entry.
func (s *TemplateService) Upsert(ctx context.Context, key, lang, body string, active bool) (*domain.Template, error) {
	tr := otel.Tracer("services/TemplateService")
	ctx, span := tr.Start(ctx, "Upsert",
		trace.WithAttributes(attribute.String("template.key", key)),
	)
	defer span.End()

	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrInvalidRequest
	}
	lang = NormalizeLanguage(lang)

	t, err := repo.UpsertTemplate(ctx, s.DB, key, lang, body, active)
	if err != nil {
		return nil, err
	}
	if err := s.Invalidate(ctx, key, lang); err != nil {
		log.Warn().Err(err).Str("template_key", key).Str("language", lang).Msg("template cache invalidation failed")
	}
	return t, nil
}
