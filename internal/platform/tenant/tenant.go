// Package tenant resolves which bucket a request targets and caches each
// bucket's FHIR configuration document. A bucket with no configuration
// document is not FHIR-enabled and every request against it is rejected.
package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/couchfhir/couchfhir/internal/fhir"
)

type contextKey string

const bucketKey contextKey = "tenant_bucket"

// HeaderBucket selects the target bucket per request.
const HeaderBucket = "X-Tenant-Bucket"

var bucketNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._%-]+$`)

// BucketConfig is the per-bucket configuration document stored at
// bucket.Admin.config under the fhir-config key.
type BucketConfig struct {
	FHIRRelease string `json:"fhirRelease"`
	Validation  struct {
		Mode    string `json:"mode"`
		Profile string `json:"profile,omitempty"`
	} `json:"validation"`
	Logs struct {
		Level     string `json:"level,omitempty"`
		Component string `json:"component,omitempty"`
	} `json:"logs"`
}

// Resolver maps requests to buckets and serves cached bucket configuration.
type Resolver struct {
	store         fhir.Store
	defaultBucket string
	ttl           time.Duration
	log           zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedConfig
}

type cachedConfig struct {
	config    *BucketConfig
	fetchedAt time.Time
}

func NewResolver(store fhir.Store, defaultBucket string, ttl time.Duration, log zerolog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Resolver{
		store:         store,
		defaultBucket: defaultBucket,
		ttl:           ttl,
		log:           log,
		cache:         map[string]cachedConfig{},
	}
}

// Middleware resolves the bucket for each request (JWT claim, then header,
// then the default), verifies the bucket is FHIR-enabled, and stores the
// bucket name on the request context.
func (r *Resolver) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			bucket := r.extractBucket(c)
			if !bucketNamePattern.MatchString(bucket) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid bucket name")
			}

			ctx := c.Request().Context()
			if _, err := r.Config(ctx, bucket); err != nil {
				if fhir.IsNotEnabled(err) {
					return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("bucket %s is not FHIR-enabled", bucket))
				}
				return echo.NewHTTPError(http.StatusServiceUnavailable, "configuration lookup failed")
			}

			c.SetRequest(c.Request().WithContext(context.WithValue(ctx, bucketKey, bucket)))
			c.Set("bucket", bucket)
			return next(c)
		}
	}
}

func (r *Resolver) extractBucket(c echo.Context) string {
	if b := bucketFromToken(c.Request().Header.Get("Authorization")); b != "" {
		return b
	}
	if b := c.Request().Header.Get(HeaderBucket); b != "" {
		return b
	}
	return r.defaultBucket
}

// bucketFromToken pulls the bucket claim out of a bearer token without
// verifying the signature; verification belongs to the gateway in front.
func bucketFromToken(authorization string) string {
	const prefix = "Bearer "
	if len(authorization) <= len(prefix) || authorization[:len(prefix)] != prefix {
		return ""
	}
	token, _, err := jwt.NewParser().ParseUnverified(authorization[len(prefix):], jwt.MapClaims{})
	if err != nil {
		return ""
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	bucket, _ := claims["bucket"].(string)
	return bucket
}

// Config returns the bucket's configuration, reading through the cache. An
// absent configuration document means the bucket is not FHIR-enabled.
func (r *Resolver) Config(ctx context.Context, bucket string) (*BucketConfig, error) {
	r.mu.Lock()
	if entry, ok := r.cache[bucket]; ok && time.Since(entry.fetchedAt) < r.ttl {
		r.mu.Unlock()
		return entry.config, nil
	}
	r.mu.Unlock()

	doc, err := r.store.KVGet(ctx, bucket, fhir.ScopeAdmin, fhir.CollectionConfig, fhir.ConfigDocKey)
	if err != nil {
		if fhir.IsNotFound(err) {
			return nil, fmt.Errorf("%w: bucket %s has no FHIR configuration", fhir.ErrNotEnabled, bucket)
		}
		return nil, err
	}

	var config BucketConfig
	if err := json.Unmarshal(doc, &config); err != nil {
		return nil, fmt.Errorf("decode configuration for %s: %w", bucket, err)
	}

	r.mu.Lock()
	r.cache[bucket] = cachedConfig{config: &config, fetchedAt: time.Now()}
	r.mu.Unlock()

	r.log.Debug().Str("bucket", bucket).Str("fhirRelease", config.FHIRRelease).Msg("bucket configuration loaded")
	return &config, nil
}

// Invalidate drops the cached configuration for one bucket, or for every
// bucket when the name is empty.
func (r *Resolver) Invalidate(bucket string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if bucket == "" {
		r.cache = map[string]cachedConfig{}
		return
	}
	delete(r.cache, bucket)
}

// BucketFromContext returns the resolved bucket for the request, or the
// empty string outside a resolved request.
func BucketFromContext(ctx context.Context) string {
	bucket, _ := ctx.Value(bucketKey).(string)
	return bucket
}
