// Package couchbase implements the storage gateway on the Couchbase SDK:
// KV reads and writes, N1QL queries, scoped FTS searches, and multi-document
// ACID transactions, all guarded by a circuit breaker.
package couchbase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/couchbase/gocb/v2"
	"github.com/couchbase/gocb/v2/search"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/couchfhir/couchfhir/internal/fhir"
)

const (
	batchConcurrency = 16
	perOpTimeout     = 10 * time.Second
	batchTimeout     = 30 * time.Second
)

// Options configures the cluster connection.
type Options struct {
	ConnectionString string
	Username         string
	Password         string
	ConnectTimeout   time.Duration
	KVTimeout        time.Duration
	QueryTimeout     time.Duration
	SearchTimeout    time.Duration
	Logger           zerolog.Logger
}

// Gateway is the gocb-backed fhir.Store. One Gateway serves every bucket;
// bucket handles are opened lazily and cached.
type Gateway struct {
	cluster *gocb.Cluster
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger

	mu      sync.Mutex
	buckets map[string]*gocb.Bucket
}

var _ fhir.Store = (*Gateway)(nil)

// Connect opens the cluster connection and verifies it with a ping.
func Connect(ctx context.Context, opts Options) (*Gateway, error) {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.KVTimeout == 0 {
		opts.KVTimeout = perOpTimeout
	}
	if opts.QueryTimeout == 0 {
		opts.QueryTimeout = 30 * time.Second
	}
	if opts.SearchTimeout == 0 {
		opts.SearchTimeout = 30 * time.Second
	}

	cluster, err := gocb.Connect(opts.ConnectionString, gocb.ClusterOptions{
		Authenticator: gocb.PasswordAuthenticator{
			Username: opts.Username,
			Password: opts.Password,
		},
		TimeoutsConfig: gocb.TimeoutsConfig{
			ConnectTimeout: opts.ConnectTimeout,
			KVTimeout:      opts.KVTimeout,
			QueryTimeout:   opts.QueryTimeout,
			SearchTimeout:  opts.SearchTimeout,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect cluster: %w", err)
	}

	if _, err := cluster.Ping(&gocb.PingOptions{
		Timeout:      opts.ConnectTimeout,
		ServiceTypes: []gocb.ServiceType{gocb.ServiceTypeKeyValue},
	}); err != nil {
		opts.Logger.Warn().Err(err).Msg("cluster ping failed, continuing")
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "couchbase",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Application-level outcomes are not infrastructure failures.
			return err == nil ||
				errors.Is(err, fhir.ErrNotFound) ||
				errors.Is(err, fhir.ErrConflict) ||
				errors.Is(err, fhir.ErrValidation)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			opts.Logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})

	return &Gateway{
		cluster: cluster,
		breaker: breaker,
		log:     opts.Logger,
		buckets: map[string]*gocb.Bucket{},
	}, nil
}

// Close releases the cluster connection.
func (g *Gateway) Close() error {
	return g.cluster.Close(nil)
}

func (g *Gateway) bucket(name string) (*gocb.Bucket, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.buckets[name]; ok {
		return b, nil
	}
	b := g.cluster.Bucket(name)
	if err := b.WaitUntilReady(5*time.Second, nil); err != nil {
		return nil, fmt.Errorf("bucket %s not ready: %w", name, err)
	}
	g.buckets[name] = b
	return b, nil
}

func (g *Gateway) collection(bucket, scope, collection string) (*gocb.Collection, error) {
	b, err := g.bucket(bucket)
	if err != nil {
		return nil, err
	}
	return b.Scope(scope).Collection(collection), nil
}

// execute funnels an operation through the circuit breaker, mapping an open
// breaker to ErrUnavailable.
func (g *Gateway) execute(op func() error) error {
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, op()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: storage circuit open", fhir.ErrUnavailable)
	}
	return err
}

func (g *Gateway) KVGet(ctx context.Context, bucket, scope, collection, key string) ([]byte, error) {
	col, err := g.collection(bucket, scope, collection)
	if err != nil {
		return nil, err
	}
	var doc []byte
	err = g.execute(func() error {
		res, err := col.Get(key, &gocb.GetOptions{
			Transcoder: gocb.NewRawJSONTranscoder(),
			Context:    ctx,
		})
		if err != nil {
			return mapKVError(err, key)
		}
		return res.Content(&doc)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// KVGetMany fans the keys out over a bounded worker group. Slot order matches
// the input; a key that is absent or whose fetch fails leaves a nil Value.
func (g *Gateway) KVGetMany(ctx context.Context, bucket, scope, collection string, keys []string) ([]fhir.KVPair, error) {
	col, err := g.collection(bucket, scope, collection)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, batchTimeout)
	defer cancel()

	pairs := make([]fhir.KVPair, len(keys))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(batchConcurrency)

	for i, key := range keys {
		i, key := i, key
		pairs[i].Key = key
		eg.Go(func() error {
			opCtx, opCancel := context.WithTimeout(ctx, perOpTimeout)
			defer opCancel()
			res, err := col.Get(key, &gocb.GetOptions{
				Transcoder: gocb.NewRawJSONTranscoder(),
				Context:    opCtx,
			})
			if err != nil {
				if !errors.Is(err, gocb.ErrDocumentNotFound) {
					g.log.Warn().Err(err).Str("key", key).Msg("batch get failed for key")
				}
				return nil
			}
			var doc []byte
			if err := res.Content(&doc); err != nil {
				return nil
			}
			pairs[i].Value = doc
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return pairs, nil
}

func (g *Gateway) KVUpsert(ctx context.Context, bucket, scope, collection, key string, doc []byte) error {
	col, err := g.collection(bucket, scope, collection)
	if err != nil {
		return err
	}
	return g.execute(func() error {
		_, err := col.Upsert(key, doc, &gocb.UpsertOptions{
			Transcoder: gocb.NewRawJSONTranscoder(),
			Context:    ctx,
		})
		return mapKVError(err, key)
	})
}

func (g *Gateway) KVInsert(ctx context.Context, bucket, scope, collection, key string, doc []byte) error {
	col, err := g.collection(bucket, scope, collection)
	if err != nil {
		return err
	}
	return g.execute(func() error {
		_, err := col.Insert(key, doc, &gocb.InsertOptions{
			Transcoder: gocb.NewRawJSONTranscoder(),
			Context:    ctx,
		})
		return mapKVError(err, key)
	})
}

func (g *Gateway) KVRemove(ctx context.Context, bucket, scope, collection, key string) error {
	col, err := g.collection(bucket, scope, collection)
	if err != nil {
		return err
	}
	return g.execute(func() error {
		_, err := col.Remove(key, &gocb.RemoveOptions{Context: ctx})
		return mapKVError(err, key)
	})
}

func (g *Gateway) Query(ctx context.Context, bucket, statement string, params []interface{}, readOnly bool) ([][]byte, error) {
	var rows [][]byte
	err := g.execute(func() error {
		result, err := g.cluster.Query(statement, &gocb.QueryOptions{
			PositionalParameters: params,
			Readonly:             readOnly,
			Context:              ctx,
		})
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer result.Close()
		for result.Next() {
			var row interface{}
			if err := result.Row(&row); err != nil {
				return err
			}
			raw, err := marshalRow(row)
			if err != nil {
				return err
			}
			rows = append(rows, raw)
		}
		return result.Err()
	})
	if err != nil {
		return nil, err
	}
	_ = bucket // statements carry the fully qualified keyspace
	return rows, nil
}

func (g *Gateway) Search(ctx context.Context, index string, query fhir.SearchQuery, opts fhir.SearchOptions) (*fhir.SearchResult, error) {
	native, err := translateQuery(query)
	if err != nil {
		return nil, err
	}

	searchOpts := &gocb.SearchOptions{
		Context:        ctx,
		DisableScoring: true,
	}
	if opts.Limit > 0 {
		searchOpts.Limit = uint32(opts.Limit)
	}
	if opts.Skip > 0 {
		searchOpts.Skip = uint32(opts.Skip)
	}
	if opts.Timeout > 0 {
		searchOpts.Timeout = opts.Timeout
	}
	for _, s := range opts.Sort {
		searchOpts.Sort = append(searchOpts.Sort, search.NewSearchSortField(s.Field).Descending(s.Descending))
	}

	out := &fhir.SearchResult{}
	err = g.execute(func() error {
		result, err := g.cluster.SearchQuery(index, native, searchOpts)
		if err != nil {
			return fmt.Errorf("search %s: %w", index, err)
		}
		for result.Next() {
			out.Keys = append(out.Keys, result.Row().ID)
		}
		if err := result.Err(); err != nil {
			return err
		}
		if meta, err := result.MetaData(); err == nil {
			out.TotalRows = meta.Metrics.TotalRows
			out.Took = meta.Metrics.Took
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RunTransaction executes fn inside a Couchbase ACID transaction. An error
// returned by fn aborts the attempt and surfaces unchanged; transaction
// machinery failures map to ErrConflict (contention, expiry) or pass through.
// The SDK's transaction API carries its own expiry and takes no context, so
// caller cancellation is honored at attempt boundaries: a cancelled context
// aborts before the attempt's first operation, including retry attempts.
func (g *Gateway) RunTransaction(ctx context.Context, bucket string, fn func(tx fhir.Tx) error) error {
	b, err := g.bucket(bucket)
	if err != nil {
		return err
	}

	var appErr error
	_, err = g.cluster.Transactions().Run(func(attempt *gocb.TransactionAttemptContext) error {
		appErr = nil
		if err := ctx.Err(); err != nil {
			appErr = err
			return err
		}
		tx := &gocbTx{bucket: b, attempt: attempt, handles: map[string]*gocb.TransactionGetResult{}}
		if err := fn(tx); err != nil {
			appErr = err
			return err
		}
		return nil
	}, nil)
	if err != nil {
		if appErr != nil {
			return appErr
		}
		var expired *gocb.TransactionExpiredError
		if errors.As(err, &expired) {
			return fmt.Errorf("%w: transaction expired", fhir.ErrConflict)
		}
		return fmt.Errorf("%w: %v", fhir.ErrConflict, err)
	}
	return nil
}

// gocbTx adapts a transaction attempt to the engine's Tx surface. Get results
// are cached so Replace and Remove can reuse the handle the server expects.
type gocbTx struct {
	bucket  *gocb.Bucket
	attempt *gocb.TransactionAttemptContext
	handles map[string]*gocb.TransactionGetResult
}

func (t *gocbTx) collection(scope, collection string) *gocb.Collection {
	return t.bucket.Scope(scope).Collection(collection)
}

func handleKey(scope, collection, key string) string {
	return scope + "\x00" + collection + "\x00" + key
}

func (t *gocbTx) Get(scope, collection, key string) ([]byte, bool, error) {
	res, err := t.attempt.Get(t.collection(scope, collection), key)
	if err != nil {
		if errors.Is(err, gocb.ErrDocumentNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	t.handles[handleKey(scope, collection, key)] = res

	var doc []byte
	if err := res.Content(&doc); err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

func (t *gocbTx) Insert(scope, collection, key string, doc []byte) error {
	_, err := t.attempt.Insert(t.collection(scope, collection), key, jsonRaw(doc))
	if errors.Is(err, gocb.ErrDocumentExists) {
		return fmt.Errorf("%w: %s already exists", fhir.ErrConflict, key)
	}
	return err
}

func (t *gocbTx) Replace(scope, collection, key string, doc []byte) error {
	handle, ok := t.handles[handleKey(scope, collection, key)]
	if !ok {
		res, err := t.attempt.Get(t.collection(scope, collection), key)
		if err != nil {
			return err
		}
		handle = res
	}
	res, err := t.attempt.Replace(handle, jsonRaw(doc))
	if err != nil {
		return err
	}
	t.handles[handleKey(scope, collection, key)] = res
	return nil
}

func (t *gocbTx) Remove(scope, collection, key string) error {
	handle, ok := t.handles[handleKey(scope, collection, key)]
	if !ok {
		res, err := t.attempt.Get(t.collection(scope, collection), key)
		if err != nil {
			return err
		}
		handle = res
	}
	delete(t.handles, handleKey(scope, collection, key))
	return t.attempt.Remove(handle)
}

// mapKVError converts SDK errors into the engine taxonomy.
func mapKVError(err error, key string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gocb.ErrDocumentNotFound):
		return fmt.Errorf("%w: %s", fhir.ErrNotFound, key)
	case errors.Is(err, gocb.ErrDocumentExists):
		return fmt.Errorf("%w: %s already exists", fhir.ErrConflict, key)
	case errors.Is(err, gocb.ErrCasMismatch):
		return fmt.Errorf("%w: %s changed concurrently", fhir.ErrConflict, key)
	case errors.Is(err, gocb.ErrTimeout), errors.Is(err, gocb.ErrServiceNotAvailable):
		return fmt.Errorf("%w: %v", fhir.ErrUnavailable, err)
	default:
		return err
	}
}
