package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/hashicorp/go-multierror"
	"github.com/olivere/elastic/v7"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Transport is the wire client the executor dispatches requests through.
// Document operations return the raw engine response; non-2xx answers are
// returned as errors.
type Transport interface {
	CreateIndex(ctx context.Context, req *Request) (json.RawMessage, error)
	DeleteIndex(ctx context.Context, req *Request) (json.RawMessage, error)
	IndexExists(ctx context.Context, index string) (bool, error)

	Index(ctx context.Context, req *Request) (json.RawMessage, error)
	Bulk(ctx context.Context, req *Request) (json.RawMessage, error)
	Get(ctx context.Context, req *Request) (json.RawMessage, error)
	Delete(ctx context.Context, req *Request) (json.RawMessage, error)
	Update(ctx context.Context, req *Request) (json.RawMessage, error)

	Search(ctx context.Context, req *Request) (json.RawMessage, error)
	Count(ctx context.Context, req *Request) (json.RawMessage, error)
	DeleteByQuery(ctx context.Context, req *Request) (json.RawMessage, error)
	UpdateByQuery(ctx context.Context, req *Request) (json.RawMessage, error)
	Scroll(ctx context.Context, req *Request, onHit HitFunc) error

	Refresh(ctx context.Context, index string) error
	PutMapping(ctx context.Context, index string, body map[string]interface{}) error
	CatIndices(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) (string, error)
}

// ElasticTransport implements Transport on top of olivere/elastic.
type ElasticTransport struct {
	client   *elastic.Client
	endpoint string
}

func NewElasticTransport(nodes []ConnectionDescriptor, cfg ClientConfig) (*ElasticTransport, error) {
	if err := ValidateConnections(nodes); err != nil {
		return nil, errors.Wrap(err, "ValidateConnections")
	}

	urls := NodeURLs(nodes)
	decoder := cfg.Serializer
	if decoder == nil {
		// critical to ensure decode of int64 won't lose precision
		decoder = &elastic.NumberDecoder{}
	}

	opts := []elastic.ClientOptionFunc{
		elastic.SetSniff(cfg.Sniff),
		elastic.SetURL(urls...),
		elastic.SetHealthcheck(cfg.HealthcheckInterval > 0),
		elastic.SetDecoder(decoder),
	}

	if cfg.HealthcheckInterval > 0 {
		opts = append(opts, elastic.SetHealthcheckInterval(cfg.HealthcheckInterval))
	}

	if user, password := Credentials(nodes); user != "" {
		opts = append(opts, elastic.SetBasicAuth(user, password))
	}

	if cfg.Retries > 0 {
		opts = append(opts, elastic.SetRetrier(newRetrier(cfg.Retries)))
	}

	if cfg.Pool != nil {
		opts = append(opts, elastic.SetHttpClient(cfg.Pool))
	}

	if cfg.Logger != nil {
		opts = append(opts,
			elastic.SetErrorLog(printfLogger(cfg.Logger.Error)),
			elastic.SetInfoLog(printfLogger(cfg.Logger.Info)),
			elastic.SetTraceLog(printfLogger(cfg.Logger.Debug)),
		)
	}

	client, err := elastic.NewClient(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "NewClient")
	}

	return &ElasticTransport{
		client:   client,
		endpoint: urls[0],
	}, nil
}

// newRetrier retries connection failures retries times with exponential
// waits between 128ms and 513ms.
func newRetrier(retries int) elastic.Retrier {
	ticks := make([]int, retries)
	wait := 128
	for idx := range ticks {
		ticks[idx] = wait
		if wait *= 2; wait > 513 {
			wait = 513
		}
	}

	return elastic.NewBackoffRetrier(elastic.NewSimpleBackoff(ticks...))
}

// printfLogger adapts a zap level func to elastic.Logger.
type printfLogger func(msg string, fields ...zap.Field)

func (l printfLogger) Printf(format string, v ...interface{}) {
	l(fmt.Sprintf(format, v...))
}

// Raw exposes the underlying olivere client for operations this layer does
// not wrap.
func (t *ElasticTransport) Raw() *elastic.Client {
	return t.client
}

func (t *ElasticTransport) CreateIndex(ctx context.Context, req *Request) (json.RawMessage, error) {
	svc := t.client.CreateIndex(req.Index)
	if len(req.Body) > 0 {
		svc = svc.BodyJson(req.Body)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "CreateIndex")
	}

	return encode(res)
}

func (t *ElasticTransport) DeleteIndex(ctx context.Context, req *Request) (json.RawMessage, error) {
	res, err := t.client.DeleteIndex(req.Index).Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "DeleteIndex")
	}

	return encode(res)
}

func (t *ElasticTransport) IndexExists(ctx context.Context, index string) (bool, error) {
	exists, err := t.client.IndexExists(index).Do(ctx)
	if err != nil {
		return false, errors.Wrap(err, "IndexExists")
	}

	return exists, nil
}

func (t *ElasticTransport) Index(ctx context.Context, req *Request) (json.RawMessage, error) {
	svc := t.client.Index().Index(req.Index).BodyJson(req.Body)
	if req.ID != "" {
		svc = svc.Id(req.ID)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "Do [index]")
	}

	return encode(res)
}

func (t *ElasticTransport) Bulk(ctx context.Context, req *Request) (json.RawMessage, error) {
	body, err := ndjson(req.Lines)
	if err != nil {
		return nil, errors.Wrap(err, "ndjson")
	}

	return t.perform(ctx, http.MethodPost, "/_bulk", nil, body, "application/x-ndjson")
}

func (t *ElasticTransport) Get(ctx context.Context, req *Request) (json.RawMessage, error) {
	svc := t.client.Get().Index(req.Index).Id(req.ID)
	if req.Source != nil {
		fsc := elastic.NewFetchSourceContext(len(req.Source) > 0)
		if len(req.Source) > 0 {
			fsc = fsc.Include(req.Source...)
		}
		svc = svc.FetchSourceContext(fsc)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "Get")
	}

	return encode(res)
}

func (t *ElasticTransport) Delete(ctx context.Context, req *Request) (json.RawMessage, error) {
	res, err := t.client.Delete().Index(req.Index).Id(req.ID).Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "Delete")
	}

	return encode(res)
}

func (t *ElasticTransport) Update(ctx context.Context, req *Request) (json.RawMessage, error) {
	path := "/" + url.PathEscape(req.Index) + "/_update/" + url.PathEscape(req.ID)
	return t.perform(ctx, http.MethodPost, path, nil, req.Body, "")
}

func (t *ElasticTransport) Search(ctx context.Context, req *Request) (json.RawMessage, error) {
	return t.perform(ctx, http.MethodPost, indexPath(req.Index, "_search"), nil, req.SearchBody(), "")
}

func (t *ElasticTransport) Count(ctx context.Context, req *Request) (json.RawMessage, error) {
	count, err := t.client.Count(req.Index).BodyJson(req.Body).Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "Count")
	}

	return encode(map[string]int64{"count": count})
}

func (t *ElasticTransport) DeleteByQuery(ctx context.Context, req *Request) (json.RawMessage, error) {
	return t.perform(ctx, http.MethodPost, indexPath(req.Index, "_delete_by_query"), nil, req.Body, "")
}

func (t *ElasticTransport) UpdateByQuery(ctx context.Context, req *Request) (json.RawMessage, error) {
	return t.perform(ctx, http.MethodPost, indexPath(req.Index, "_update_by_query"), nil, req.Body, "")
}

func (t *ElasticTransport) scrollService(req *Request) *elastic.ScrollService {
	svc := t.client.Scroll(req.Index)
	if query, ok := req.Body["query"].(map[string]interface{}); ok {
		svc = svc.Query(rawQuery(query))
	}

	if req.Size != nil {
		svc = svc.Size(*req.Size)
	}

	if req.Source != nil {
		fsc := elastic.NewFetchSourceContext(len(req.Source) > 0)
		if len(req.Source) > 0 {
			fsc = fsc.Include(req.Source...)
		}
		svc = svc.FetchSourceContext(fsc)
	}

	if sorts, ok := req.Body["sort"].([]map[string]SortDirection); ok {
		for _, sort := range sorts {
			for field, dir := range sort {
				svc = svc.SortBy(elastic.SortInfo{Field: field, Ascending: dir == SortAsc})
			}
		}
	}

	return svc
}

func (t *ElasticTransport) Scroll(ctx context.Context, req *Request, onHit HitFunc) error {
	errs := new(multierror.Error)
	svc := t.scrollService(req)

	var nCurrentItem int64
	var scrollID string

	for len(errs.Errors) == 0 {
		if scrollID != "" {
			svc = svc.ScrollId(scrollID)
		}

		res, err := svc.Do(ctx)
		if err != nil {
			if err != io.EOF {
				errs = multierror.Append(errs, errors.Wrap(err, "Do"))
			}
			break
		}

		hits := res.Hits.Hits
		nBatchItems := len(hits)
		nTotalItems := res.TotalHits()
		scrollID = res.ScrollId

		for idx, hit := range hits {
			nCurrentItem++
			commit := idx == nBatchItems-1
			if err := onHit(hit.Id, hit.Source, nCurrentItem, nTotalItems, commit); err != nil {
				errs = multierror.Append(errs, errors.Wrap(err, "onHit"))
				break
			}
		}

		if err := ctx.Err(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	// the scroll context must be released even after cancellation
	if err := t.clearScroll(context.WithoutCancel(ctx), scrollID); err != nil {
		errs = multierror.Append(errs, errors.Wrap(err, "ClearScroll"))
	}

	return errs.ErrorOrNil()
}

func (t *ElasticTransport) clearScroll(ctx context.Context, scrollID string) error {
	if scrollID == "" {
		return nil
	}

	if _, err := t.client.ClearScroll(scrollID).Do(ctx); err != nil {
		return err
	}

	return nil
}

func (t *ElasticTransport) Refresh(ctx context.Context, index string) error {
	if _, err := t.client.Refresh(index).Do(ctx); err != nil {
		return errors.Wrap(err, "Refresh")
	}

	return nil
}

func (t *ElasticTransport) PutMapping(ctx context.Context, index string, body map[string]interface{}) error {
	if _, err := t.client.PutMapping().Index(index).BodyJson(body).Do(ctx); err != nil {
		return errors.Wrap(err, "PutMapping")
	}

	return nil
}

func (t *ElasticTransport) CatIndices(ctx context.Context) ([]string, error) {
	rows, err := t.client.CatIndices().Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "CatIndices")
	}

	names := make([]string, 0, len(rows))
	for _, row := range rows {
		names = append(names, row.Index)
	}

	return names, nil
}

func (t *ElasticTransport) Ping(ctx context.Context) (string, error) {
	info, _, err := t.client.Ping(t.endpoint).Do(ctx)
	if err != nil {
		return "", errors.Wrap(err, "Ping")
	}

	return info.Version.Number, nil
}

func (t *ElasticTransport) perform(ctx context.Context, method, path string, params url.Values, body interface{}, contentType string) (json.RawMessage, error) {
	res, err := t.client.PerformRequest(ctx, elastic.PerformRequestOptions{
		Method:      method,
		Path:        path,
		Params:      params,
		Body:        body,
		ContentType: contentType,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}

	return res.Body, nil
}

// rawQuery lets an assembled query map stand in for an elastic.Query.
type rawQuery map[string]interface{}

func (q rawQuery) Source() (interface{}, error) {
	return map[string]interface{}(q), nil
}

func indexPath(index, endpoint string) string {
	return "/" + url.PathEscape(index) + "/" + endpoint
}

func encode(v interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "Marshal")
	}

	return body, nil
}

// ndjson joins bulk lines into the newline delimited body the bulk endpoint
// expects, including the trailing newline.
func ndjson(lines []interface{}) (string, error) {
	var buf bytes.Buffer
	for _, line := range lines {
		data, err := json.Marshal(line)
		if err != nil {
			return "", err
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	return buf.String(), nil
}
