package core

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	Method      string
	Path        string
	Query       string
	ContentType string
	Body        string
}

type fakeCluster struct {
	mu       sync.Mutex
	requests []capturedRequest
	routes   map[string]func() (int, string)
	fail     error
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{routes: make(map[string]func() (int, string))}
}

func (c *fakeCluster) handle(method, path string, status int, body string) {
	c.routes[method+" "+path] = func() (int, string) { return status, body }
}

func (c *fakeCluster) RoundTrip(r *http.Request) (*http.Response, error) {
	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
	}

	c.mu.Lock()
	c.requests = append(c.requests, capturedRequest{
		Method:      r.Method,
		Path:        r.URL.Path,
		Query:       r.URL.RawQuery,
		ContentType: r.Header.Get("Content-Type"),
		Body:        string(body),
	})
	route, ok := c.routes[r.Method+" "+r.URL.Path]
	fail := c.fail
	c.mu.Unlock()

	if fail != nil {
		return nil, fail
	}

	status, payload := http.StatusNotFound, `{"error":"no route","status":404}`
	if ok {
		status, payload = route()
	}

	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(payload)),
		Request:    r,
	}, nil
}

func (c *fakeCluster) last() capturedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.requests[len(c.requests)-1]
}

func newTestElasticTransport(t *testing.T, cluster *fakeCluster) *ElasticTransport {
	t.Helper()
	transport, err := NewElasticTransport(
		[]ConnectionDescriptor{DefaultConnection()},
		ClientConfig{Pool: &http.Client{Transport: cluster}},
	)
	require.NoError(t, err)

	return transport
}

func TestElasticTransport_InvalidNodes(t *testing.T) {
	_, err := NewElasticTransport(nil, ClientConfig{})
	assert.ErrorIs(t, err, ErrNoNodes)
}

func TestElasticTransport_Bulk(t *testing.T) {
	cluster := newFakeCluster()
	cluster.handle(http.MethodPost, "/_bulk", 200, `{"took":1,"errors":false,"items":[{"index":{"status":201}}]}`)
	transport := newTestElasticTransport(t, cluster)

	req := assembleBulk("docs", []map[string]interface{}{{"id": "a", "n": 1}}, "id")
	raw, err := transport.Bulk(context.Background(), req)
	require.NoError(t, err)

	n, err := interpretBulk(raw)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sent := cluster.last()
	assert.Equal(t, "application/x-ndjson", sent.ContentType)
	assert.Equal(t, `{"index":{"_index":"docs","_id":"a"}}`+"\n"+`{"n":1}`+"\n", sent.Body)
}

func TestElasticTransport_Search(t *testing.T) {
	cluster := newFakeCluster()
	cluster.handle(http.MethodPost, "/docs/_search", 200, `{"hits":{"total":{"value":1,"relation":"eq"},"hits":[{"_id":"1","_source":{"n":"a"}}]}}`)
	transport := newTestElasticTransport(t, cluster)

	state := NewSearchState()
	state.Add(BucketMust, "term", "n", "a")
	state.SetPageSize(2)

	raw, err := transport.Search(context.Background(), assembleSearch("docs", state))
	require.NoError(t, err)

	set, err := interpretSearch(raw)
	require.NoError(t, err)
	assert.Equal(t, []map[string]interface{}{{"n": "a", "_id": "1"}}, set.Data)

	assert.JSONEq(t, `{
		"query": {"bool": {"must": [{"term": {"n": "a"}}]}},
		"sort": [],
		"from": 10,
		"size": 10
	}`, cluster.last().Body)
}

func TestElasticTransport_Update(t *testing.T) {
	cluster := newFakeCluster()
	cluster.handle(http.MethodPost, "/docs/_update/7", 200, `{"result":"updated","_shards":{"total":2,"successful":1,"failed":0}}`)
	transport := newTestElasticTransport(t, cluster)

	raw, err := transport.Update(context.Background(), assembleUpdate("docs", "7", map[string]interface{}{"n": 2}))
	require.NoError(t, err)

	n, err := interpretShards(raw)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.JSONEq(t, `{"doc":{"n":2}}`, cluster.last().Body)
}

func TestElasticTransport_ByQuery(t *testing.T) {
	cluster := newFakeCluster()
	cluster.handle(http.MethodPost, "/docs/_delete_by_query", 200, `{"deleted":5}`)
	cluster.handle(http.MethodPost, "/docs/_update_by_query", 200, `{"updated":6}`)
	transport := newTestElasticTransport(t, cluster)
	ctx := context.Background()

	state := NewSearchState()
	state.Add(BucketFilter, "term", "k", "v")

	raw, err := transport.DeleteByQuery(ctx, assembleByQuery("docs", state, nil))
	require.NoError(t, err)
	n, err := interpretDeleted(raw)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	raw, err = transport.UpdateByQuery(ctx, assembleByQuery("docs", state, map[string]interface{}{"script": "ctx._source.k = 'w'"}))
	require.NoError(t, err)
	n, err = interpretUpdated(raw)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.JSONEq(t, `{"query":{"bool":{"filter":[{"term":{"k":"v"}}]}},"script":"ctx._source.k = 'w'"}`, cluster.last().Body)
}

func TestElasticTransport_IndexExists(t *testing.T) {
	cluster := newFakeCluster()
	cluster.handle(http.MethodHead, "/docs", 200, ``)
	transport := newTestElasticTransport(t, cluster)
	ctx := context.Background()

	exists, err := transport.IndexExists(ctx, "docs")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = transport.IndexExists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestElasticTransport_Count(t *testing.T) {
	cluster := newFakeCluster()
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		cluster.handle(method, "/docs/_count", 200, `{"count":42,"_shards":{"total":1,"successful":1,"failed":0}}`)
	}
	transport := newTestElasticTransport(t, cluster)

	raw, err := transport.Count(context.Background(), assembleCount("docs", NewSearchState()))
	require.NoError(t, err)

	n, err := interpretCount(raw)
	require.NoError(t, err)
	assert.EqualValues(t, 42, n)
}

func TestElasticTransport_Ping(t *testing.T) {
	cluster := newFakeCluster()
	cluster.handle(http.MethodGet, "/", 200, `{"name":"node-1","cluster_name":"test","version":{"number":"7.17.0"},"tagline":"You Know, for Search"}`)
	transport := newTestElasticTransport(t, cluster)

	version, err := transport.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "7.17.0", version)
}

func TestElasticTransport_EngineError(t *testing.T) {
	cluster := newFakeCluster()
	cluster.handle(http.MethodPost, "/docs/_search", 400,
		`{"error":{"type":"parsing_exception","reason":"unknown query [nope]"},"status":400}`)
	transport := newTestElasticTransport(t, cluster)

	_, err := transport.Search(context.Background(), assembleSearch("docs", NewSearchState()))
	require.Error(t, err)
	assert.Equal(t, OutcomeEngineError, classify(err))
}

func TestElasticTransport_GetMissingDocument(t *testing.T) {
	cluster := newFakeCluster()
	cluster.handle(http.MethodGet, "/docs/_doc/missing", 404, `{"_index":"docs","_id":"missing","found":false}`)
	transport := newTestElasticTransport(t, cluster)

	doc, err := New(transport, WithIndex("docs"), WithStrict(true)).Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestElasticTransport_TransportFault(t *testing.T) {
	cluster := newFakeCluster()
	cluster.fail = errors.New("connection refused")
	transport := newTestElasticTransport(t, cluster)

	_, err := transport.Search(context.Background(), assembleSearch("docs", NewSearchState()))
	require.Error(t, err)
	assert.Equal(t, OutcomeTransportFault, classify(err))
}

func TestElasticTransport_Scroll(t *testing.T) {
	cluster := newFakeCluster()
	cluster.handle(http.MethodPost, "/docs/_search", 200, `{
		"_scroll_id": "s1",
		"hits": {"total": {"value": 3, "relation": "eq"}, "hits": [
			{"_id": "1", "_source": {"n": 1}},
			{"_id": "2", "_source": {"n": 2}}
		]}
	}`)

	pages := []string{
		`{"_scroll_id":"s1","hits":{"total":{"value":3,"relation":"eq"},"hits":[{"_id":"3","_source":{"n":3}}]}}`,
		`{"_scroll_id":"s1","hits":{"total":{"value":3,"relation":"eq"},"hits":[]}}`,
	}
	cluster.routes[http.MethodPost+" /_search/scroll"] = func() (int, string) {
		page := pages[0]
		if len(pages) > 1 {
			pages = pages[1:]
		}
		return 200, page
	}
	handleClearScroll(cluster)
	transport := newTestElasticTransport(t, cluster)

	var ids []string
	var commits int
	err := transport.Scroll(context.Background(), assembleSearch("docs", NewSearchState()),
		func(id string, source []byte, nCurrentItem, nTotalItems int64, commit bool) error {
			ids = append(ids, id)
			assert.EqualValues(t, len(ids), nCurrentItem)
			assert.EqualValues(t, 3, nTotalItems)
			if commit {
				commits++
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, ids)
	assert.Equal(t, 2, commits)
	assert.Equal(t, 1, cluster.count(http.MethodDelete))
}

func handleClearScroll(cluster *fakeCluster) {
	for _, path := range []string{"/_search/scroll", "/_search/scroll/"} {
		cluster.handle(http.MethodDelete, path, 200, `{"succeeded":true,"num_freed":1}`)
	}
}

func (c *fakeCluster) count(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, r := range c.requests {
		if r.Method == method {
			n++
		}
	}
	return n
}

func TestElasticTransport_ScrollCancelledStillClears(t *testing.T) {
	cluster := newFakeCluster()
	cluster.handle(http.MethodPost, "/docs/_search", 200,
		`{"_scroll_id":"s1","hits":{"total":{"value":9,"relation":"eq"},"hits":[{"_id":"1","_source":{"n":1}}]}}`)
	handleClearScroll(cluster)
	transport := newTestElasticTransport(t, cluster)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := transport.Scroll(ctx, assembleSearch("docs", NewSearchState()),
		func(string, []byte, int64, int64, bool) error {
			cancel()
			return nil
		})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, cluster.count(http.MethodDelete))
}

func TestNewRetrier(t *testing.T) {
	retrier := newRetrier(5)
	require.NotNil(t, retrier)

	wait, ok, err := retrier.Retry(context.Background(), 0, nil, nil, errors.New("boom"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 128, wait.Milliseconds())

	_, ok, _ = retrier.Retry(context.Background(), 5, nil, nil, errors.New("boom"))
	assert.False(t, ok)
}
