package core

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrIndexNotSet   = errors.Errorf("index not set")
	ErrIndexExists   = errors.Errorf("index already exists")
	ErrBulkTooLarge  = errors.Errorf("bulk insert exceeds max insert all")
	ErrEmptyID       = errors.Errorf("empty id")
	ErrEmptyInput    = errors.Errorf("empty input")
	ErrShapeMismatch = errors.Errorf("unexpected response shape")
	ErrNoNodes       = errors.Errorf("no nodes configured")
	ErrEmptyHost     = errors.Errorf("empty host")
)

// ElasticClient is a query session over a Transport. It accumulates
// predicates through its fluent setters and assembles them into one request
// per operation. Query state is cleared after every operation that consumes
// it unless KeepState(true) is set.
//
// All methods are safe to call from several goroutines, but a session
// models one query at a time.
type ElasticClient struct {
	mu sync.Mutex

	transport    Transport
	index        string
	state        *SearchState
	mappings     map[string]interface{}
	settings     map[string]interface{}
	maxInsertAll int
	strict       bool
	keepState    bool

	params       *Request
	lastResponse *Response
}

type Option func(*ElasticClient)

// WithStrict makes transport faults and shape mismatches return errors
// instead of degrading to zero values.
func WithStrict(strict bool) Option {
	return func(c *ElasticClient) { c.strict = strict }
}

func WithMaxInsertAll(n int) Option {
	return func(c *ElasticClient) {
		if n > 0 {
			c.maxInsertAll = n
		}
	}
}

func WithIndex(index string) Option {
	return func(c *ElasticClient) { c.index = index }
}

// WithKeepState keeps query state across operations.
func WithKeepState(keep bool) Option {
	return func(c *ElasticClient) { c.keepState = keep }
}

// WithConfig applies the session level parts of cfg.
func WithConfig(cfg ClientConfig) Option {
	return func(c *ElasticClient) {
		WithStrict(cfg.Strict)(c)
		WithMaxInsertAll(cfg.MaxInsertAll)(c)
	}
}

func New(transport Transport, opts ...Option) *ElasticClient {
	c := &ElasticClient{
		transport:    transport,
		state:        NewSearchState(),
		maxInsertAll: DefaultMaxInsertAll,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Transport returns the wire client for operations this layer does not wrap.
func (c *ElasticClient) Transport() Transport {
	return c.transport
}

func (c *ElasticClient) SetIndex(index string) *ElasticClient {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.index = index
	return c
}

func (c *ElasticClient) Index() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.index
}

func (c *ElasticClient) SetMaxInsertAll(n int) *ElasticClient {
	c.mu.Lock()
	defer c.mu.Unlock()

	WithMaxInsertAll(n)(c)
	return c
}

func (c *ElasticClient) MaxInsertAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.maxInsertAll
}

func (c *ElasticClient) KeepState(keep bool) *ElasticClient {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.keepState = keep
	return c
}

// Reset clears the accumulated query state. Index, mappings and settings
// are kept.
func (c *ElasticClient) Reset() *ElasticClient {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.Reset()
	return c
}

// Clone returns an independent session sharing the transport, with a copy
// of the current query state.
func (c *ElasticClient) Clone() *ElasticClient {
	c.mu.Lock()
	defer c.mu.Unlock()

	return &ElasticClient{
		transport:    c.transport,
		index:        c.index,
		state:        c.state.Clone(),
		mappings:     c.mappings,
		settings:     c.settings,
		maxInsertAll: c.maxInsertAll,
		strict:       c.strict,
		keepState:    c.keepState,
	}
}

// Params returns the request assembled by the last operation.
func (c *ElasticClient) Params() *Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.params.clone()
}

// LastResponse returns the raw outcome of the last operation.
func (c *ElasticClient) LastResponse() *Response {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastResponse
}

// SearchField returns a copy of the accumulated predicates.
func (c *ElasticClient) SearchField() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state.SearchField()
}

// State returns a copy of the accumulated query state.
func (c *ElasticClient) State() *SearchState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state.Clone()
}

func (c *ElasticClient) resolveIndex(index string) (string, error) {
	if index != "" {
		c.index = index
	}

	if c.index == "" {
		return "", ErrIndexNotSet
	}

	return c.index, nil
}

// dispatch sends req through call and retains the outcome unconditionally.
func (c *ElasticClient) dispatch(op string, req *Request, call func() (json.RawMessage, error)) *Response {
	body, err := call()
	return c.retain(op, req, body, err)
}

// retain records the outcome of op as the last response. Callers hold c.mu.
func (c *ElasticClient) retain(op string, req *Request, body json.RawMessage, err error) *Response {
	res := newResponse(op, body, err)
	c.params = req
	c.lastResponse = res

	if err != nil {
		zlog.Warn("operation failed",
			zap.String("op", op),
			zap.String("index", req.Index),
			zap.Stringer("outcome", res.Kind),
			zap.Error(err),
		)
	} else {
		zlog.Debug("operation done", zap.String("op", op), zap.String("index", req.Index))
	}

	return res
}

// settle applies the error policy to a dispatched response and the error
// its interpreter reported.
func (c *ElasticClient) settle(res *Response, interpErr error) error {
	if res.Err == nil && interpErr != nil {
		res.Kind = OutcomeShapeMismatch
		res.Err = interpErr
	}

	if res.Err == nil || !c.strict {
		return nil
	}

	return &OperationError{Op: res.Op, Kind: res.Kind, Err: res.Err}
}

// consumed clears one-shot query state.
func (c *ElasticClient) consumed() {
	if !c.keepState {
		c.state.Reset()
	}
}

// SetMappings stages mappings for the next CreateIndex.
func (c *ElasticClient) SetMappings(mappings map[string]interface{}) *ElasticClient {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.mappings = mappings
	return c
}

// SetSettings stages settings for the next CreateIndex.
func (c *ElasticClient) SetSettings(settings map[string]interface{}) *ElasticClient {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.settings = settings
	return c
}

// CreateIndex creates index (or the session index) with the staged and
// supplied mappings/settings. It fails with ErrIndexExists when the index is
// already present.
func (c *ElasticClient) CreateIndex(ctx context.Context, params IndexParams, index string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	exists, err := c.indexExists(ctx, index)
	if err != nil {
		return false, err
	}

	if exists {
		return false, errors.Wrap(ErrIndexExists, c.index)
	}

	if params.Mappings != nil {
		c.mappings = params.Mappings
	}

	if params.Settings != nil {
		c.settings = params.Settings
	}

	req := assembleCreateIndex(c.index, c.mappings, c.settings)
	res := c.dispatch("create_index", req, func() (json.RawMessage, error) {
		return c.transport.CreateIndex(ctx, req)
	})
	if res.Err != nil {
		return false, c.settle(res, nil)
	}

	ack, err := interpretAcknowledged(res.Body)
	return ack, c.settle(res, err)
}

func (c *ElasticClient) DeleteIndex(ctx context.Context, index string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name, err := c.resolveIndex(index)
	if err != nil {
		return false, err
	}

	req := &Request{Index: name}
	res := c.dispatch("delete_index", req, func() (json.RawMessage, error) {
		return c.transport.DeleteIndex(ctx, req)
	})
	if res.Err != nil {
		return false, c.settle(res, nil)
	}

	ack, err := interpretAcknowledged(res.Body)
	return ack, c.settle(res, err)
}

// IndexExists reports whether index (or the session index) exists. Transport
// failures are always returned: there is no meaningful degraded answer.
func (c *ElasticClient) IndexExists(ctx context.Context, index string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.indexExists(ctx, index)
}

func (c *ElasticClient) indexExists(ctx context.Context, index string) (bool, error) {
	name, err := c.resolveIndex(index)
	if err != nil {
		return false, err
	}

	exists, err := c.transport.IndexExists(ctx, name)
	if err != nil {
		return false, errors.Wrap(err, "IndexExists")
	}

	return exists, nil
}

// Insert indexes data, overwriting any document stored under id. An empty
// id lets the engine assign one. Returns the number of successful shard
// writes.
func (c *ElasticClient) Insert(ctx context.Context, data map[string]interface{}, id string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(data) == 0 {
		return 0, ErrEmptyInput
	}

	index, err := c.resolveIndex("")
	if err != nil {
		return 0, err
	}

	req := assembleDocument(index, id, data, nil)
	res := c.dispatch("insert", req, func() (json.RawMessage, error) {
		return c.transport.Index(ctx, req)
	})
	if res.Err != nil {
		return 0, c.settle(res, nil)
	}

	n, err := interpretShards(res.Body)
	return n, c.settle(res, err)
}

// InsertAll bulk indexes records. The value under idKey becomes the
// document id and is removed from the stored document. Batches larger than
// MaxInsertAll are rejected before anything is sent.
func (c *ElasticClient) InsertAll(ctx context.Context, records []map[string]interface{}, idKey string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(records) == 0 {
		return 0, ErrEmptyInput
	}

	if len(records) > c.maxInsertAll {
		return 0, errors.Wrapf(ErrBulkTooLarge, "%d > %d", len(records), c.maxInsertAll)
	}

	index, err := c.resolveIndex("")
	if err != nil {
		return 0, err
	}

	req := assembleBulk(index, records, idKey)
	res := c.dispatch("insert_all", req, func() (json.RawMessage, error) {
		return c.transport.Bulk(ctx, req)
	})
	if res.Err != nil {
		return 0, c.settle(res, nil)
	}

	n, err := interpretBulk(res.Body)
	return n, c.settle(res, err)
}

// DeleteByID reports whether exactly one shard copy acknowledged the delete.
func (c *ElasticClient) DeleteByID(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id == "" {
		return false, ErrEmptyID
	}

	index, err := c.resolveIndex("")
	if err != nil {
		return false, err
	}

	req := assembleDocument(index, id, nil, nil)
	res := c.dispatch("delete_by_id", req, func() (json.RawMessage, error) {
		return c.transport.Delete(ctx, req)
	})
	if res.Err != nil {
		return false, c.settle(res, nil)
	}

	n, err := interpretShards(res.Body)
	return n == 1, c.settle(res, err)
}

// DeleteByQuery deletes every document matching the accumulated predicates.
// Without predicates nothing is sent and 0 is returned, so an unset filter
// can never wipe the index.
func (c *ElasticClient) DeleteByQuery(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	index, err := c.resolveIndex("")
	if err != nil {
		return 0, err
	}

	if !c.state.HasPredicates() {
		return 0, nil
	}

	req := assembleByQuery(index, c.state, nil)
	c.consumed()
	res := c.dispatch("delete_by_query", req, func() (json.RawMessage, error) {
		return c.transport.DeleteByQuery(ctx, req)
	})
	if res.Err != nil {
		return 0, c.settle(res, nil)
	}

	n, err := interpretDeleted(res.Body)
	return n, c.settle(res, err)
}

// UpdateByID applies data as a partial document to id.
func (c *ElasticClient) UpdateByID(ctx context.Context, data map[string]interface{}, id string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id == "" {
		return 0, ErrEmptyID
	}

	if len(data) == 0 {
		return 0, ErrEmptyInput
	}

	index, err := c.resolveIndex("")
	if err != nil {
		return 0, err
	}

	req := assembleUpdate(index, id, data)
	res := c.dispatch("update_by_id", req, func() (json.RawMessage, error) {
		return c.transport.Update(ctx, req)
	})
	if res.Err != nil {
		return 0, c.settle(res, nil)
	}

	n, err := interpretShards(res.Body)
	return n, c.settle(res, err)
}

// UpdateByQuery merges data (typically a "script") into the by-query body
// and runs it against the accumulated predicates. Like DeleteByQuery it is
// a no-op without predicates.
func (c *ElasticClient) UpdateByQuery(ctx context.Context, data map[string]interface{}) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	index, err := c.resolveIndex("")
	if err != nil {
		return 0, err
	}

	if !c.state.HasPredicates() {
		return 0, nil
	}

	req := assembleByQuery(index, c.state, data)
	c.consumed()
	res := c.dispatch("update_by_query", req, func() (json.RawMessage, error) {
		return c.transport.UpdateByQuery(ctx, req)
	})
	if res.Err != nil {
		return 0, c.settle(res, nil)
	}

	n, err := interpretUpdated(res.Body)
	return n, c.settle(res, err)
}

// Get returns the stored source of id, or nil when it is missing, in strict
// mode too. The configured field projection applies.
func (c *ElasticClient) Get(ctx context.Context, id string) (map[string]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id == "" {
		return nil, ErrEmptyID
	}

	index, err := c.resolveIndex("")
	if err != nil {
		return nil, err
	}

	req := assembleDocument(index, id, nil, c.state.Source())
	res := c.dispatch("get", req, func() (json.RawMessage, error) {
		return c.transport.Get(ctx, req)
	})
	if notFound(res.Err) {
		return nil, nil
	}

	if res.Err != nil {
		return nil, c.settle(res, nil)
	}

	doc, err := interpretGet(res.Body, req.Source != nil)
	return doc, c.settle(res, err)
}

// Select runs the accumulated query and returns one page of rows, each
// carrying its id under IDField. It returns nil when the engine answer
// cannot be interpreted.
func (c *ElasticClient) Select(ctx context.Context) (*ResultSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	index, err := c.resolveIndex("")
	if err != nil {
		return nil, err
	}

	req := assembleSearch(index, c.state)
	c.consumed()
	res := c.dispatch("select", req, func() (json.RawMessage, error) {
		return c.transport.Search(ctx, req)
	})
	if res.Err != nil {
		return nil, c.settle(res, nil)
	}

	set, err := interpretSearch(res.Body)
	return set, c.settle(res, err)
}

// Count returns the number of documents matching the accumulated query.
func (c *ElasticClient) Count(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	index, err := c.resolveIndex("")
	if err != nil {
		return 0, err
	}

	req := assembleCount(index, c.state)
	c.consumed()
	res := c.dispatch("count", req, func() (json.RawMessage, error) {
		return c.transport.Count(ctx, req)
	})
	if res.Err != nil {
		return 0, c.settle(res, nil)
	}

	n, err := interpretCount(res.Body)
	return n, c.settle(res, err)
}

// Scroll walks every document matching the accumulated query, ScrollSize
// rows per round trip, ignoring paging. Rows carry their id under IDField.
// The session is not locked while fn runs, so fn may use it, e.g. to update
// each row. Errors from the transport or from fn are always returned.
func (c *ElasticClient) Scroll(ctx context.Context, fn func(row map[string]interface{}) error) error {
	c.mu.Lock()
	index, err := c.resolveIndex("")
	if err != nil {
		c.mu.Unlock()
		return err
	}

	req := assembleSearch(index, c.state)
	req.From = nil
	c.consumed()
	transport := c.transport
	c.mu.Unlock()

	err = transport.Scroll(ctx, req, func(id string, source []byte, _, _ int64, _ bool) error {
		var doc map[string]interface{}
		if len(source) > 0 {
			if err := decode(source, &doc); err != nil {
				return err
			}
		}
		return fn(mergeID(id, doc))
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.retain("scroll", req, nil, err).Err
}

// Refresh makes recent writes on index (or the session index) searchable.
func (c *ElasticClient) Refresh(ctx context.Context, index string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	name, err := c.resolveIndex(index)
	if err != nil {
		return err
	}

	return c.transport.Refresh(ctx, name)
}

// PutMapping adds a field mapping to the session index. root is for nested
// objects, e.g. an attrs property holding search attributes.
func (c *ElasticClient) PutMapping(ctx context.Context, root, key, valueType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	index, err := c.resolveIndex("")
	if err != nil {
		return err
	}

	return c.transport.PutMapping(ctx, index, buildPutMappingBody(root, key, valueType))
}

func buildPutMappingBody(root, key, valueType string) map[string]interface{} {
	body := make(map[string]interface{})
	if len(root) != 0 {
		body["properties"] = map[string]interface{}{
			root: map[string]interface{}{
				"properties": map[string]interface{}{
					key: map[string]interface{}{
						"type": valueType,
					},
				},
			},
		}
	} else {
		body["properties"] = map[string]interface{}{
			key: map[string]interface{}{
				"type": valueType,
			},
		}
	}
	return body
}

// Ping returns the version reported by the cluster.
func (c *ElasticClient) Ping(ctx context.Context) (string, error) {
	version, err := c.transport.Ping(ctx)
	if err != nil {
		return "", errors.Wrap(err, "Ping")
	}

	return version, nil
}

// Indices lists cluster indices grouped by prefix. An index belongs to a
// prefix when it is named <prefix>-<digits>.
func (c *ElasticClient) Indices(ctx context.Context, prefixes []string) (map[string][]string, error) {
	names, err := c.transport.CatIndices(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "CatIndices")
	}

	result := make(map[string][]string)
	for _, prefix := range prefixes {
		r, err := regexp.Compile("^" + regexp.QuoteMeta(prefix) + `-\d+$`)
		if err != nil {
			return nil, errors.Wrap(err, "Compile")
		}
		for _, name := range names {
			if r.MatchString(name) {
				result[prefix] = append(result[prefix], name)
			}
		}
	}

	return result, nil
}
