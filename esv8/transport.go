// Package esv8 implements core.Transport with the official
// go-elasticsearch v8 client.
package esv8

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/denkhaus/esq/core"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const scrollKeepAlive = time.Minute

var _ core.Transport = (*Transport)(nil)

type Transport struct {
	es *elasticsearch.Client
}

func NewTransport(nodes []core.ConnectionDescriptor, cfg core.ClientConfig) (*Transport, error) {
	if err := core.ValidateConnections(nodes); err != nil {
		return nil, errors.Wrap(err, "ValidateConnections")
	}

	user, password := core.Credentials(nodes)
	esCfg := elasticsearch.Config{
		Addresses:    core.NodeURLs(nodes),
		Username:     user,
		Password:     password,
		MaxRetries:   cfg.Retries,
		DisableRetry: cfg.Retries == 0,
	}

	if cfg.Pool != nil && cfg.Pool.Transport != nil {
		esCfg.Transport = cfg.Pool.Transport
	}

	if cfg.Logger != nil {
		esCfg.Logger = &roundTripLogger{log: cfg.Logger}
	}

	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, errors.Wrap(err, "NewClient")
	}

	return &Transport{es: es}, nil
}

// roundTripLogger feeds the client's request log into zap.
type roundTripLogger struct {
	log *zap.Logger
}

func (l *roundTripLogger) LogRoundTrip(req *http.Request, res *http.Response, err error, start time.Time, dur time.Duration) error {
	fields := []zap.Field{
		zap.String("method", req.Method),
		zap.String("url", req.URL.String()),
		zap.Duration("took", dur),
	}

	if res != nil {
		fields = append(fields, zap.Int("status", res.StatusCode))
	}

	if err != nil {
		l.log.Warn("elasticsearch round trip", append(fields, zap.Error(err))...)
		return nil
	}

	l.log.Debug("elasticsearch round trip", fields...)
	return nil
}

func (l *roundTripLogger) RequestBodyEnabled() bool  { return false }
func (l *roundTripLogger) ResponseBodyEnabled() bool { return false }

// NewFromClient wraps an already configured client.
func NewFromClient(es *elasticsearch.Client) *Transport {
	return &Transport{es: es}
}

func (t *Transport) Raw() *elasticsearch.Client {
	return t.es
}

func (t *Transport) CreateIndex(ctx context.Context, req *core.Request) (json.RawMessage, error) {
	opts := []func(*esapi.IndicesCreateRequest){t.es.Indices.Create.WithContext(ctx)}
	if len(req.Body) > 0 {
		body, err := jsonReader(req.Body)
		if err != nil {
			return nil, err
		}
		opts = append(opts, t.es.Indices.Create.WithBody(body))
	}

	return read(t.es.Indices.Create(req.Index, opts...))
}

func (t *Transport) DeleteIndex(ctx context.Context, req *core.Request) (json.RawMessage, error) {
	return read(t.es.Indices.Delete([]string{req.Index}, t.es.Indices.Delete.WithContext(ctx)))
}

func (t *Transport) IndexExists(ctx context.Context, index string) (bool, error) {
	res, err := t.es.Indices.Exists([]string{index}, t.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, errors.Wrap(err, "Indices.Exists")
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}

	return false, &core.EngineError{Status: res.StatusCode, Body: res.Status()}
}

func (t *Transport) Index(ctx context.Context, req *core.Request) (json.RawMessage, error) {
	body, err := jsonReader(req.Body)
	if err != nil {
		return nil, err
	}

	opts := []func(*esapi.IndexRequest){t.es.Index.WithContext(ctx)}
	if req.ID != "" {
		opts = append(opts, t.es.Index.WithDocumentID(req.ID))
	}

	return read(t.es.Index(req.Index, body, opts...))
}

func (t *Transport) Bulk(ctx context.Context, req *core.Request) (json.RawMessage, error) {
	var buf bytes.Buffer
	for _, line := range req.Lines {
		data, err := json.Marshal(line)
		if err != nil {
			return nil, errors.Wrap(err, "Marshal")
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	return read(t.es.Bulk(&buf, t.es.Bulk.WithContext(ctx)))
}

func (t *Transport) Get(ctx context.Context, req *core.Request) (json.RawMessage, error) {
	opts := []func(*esapi.GetRequest){t.es.Get.WithContext(ctx)}
	if req.Source != nil {
		if len(req.Source) == 0 {
			opts = append(opts, t.es.Get.WithSource("false"))
		} else {
			opts = append(opts, t.es.Get.WithSourceIncludes(req.Source...))
		}
	}

	return read(t.es.Get(req.Index, req.ID, opts...))
}

func (t *Transport) Delete(ctx context.Context, req *core.Request) (json.RawMessage, error) {
	return read(t.es.Delete(req.Index, req.ID, t.es.Delete.WithContext(ctx)))
}

func (t *Transport) Update(ctx context.Context, req *core.Request) (json.RawMessage, error) {
	body, err := jsonReader(req.Body)
	if err != nil {
		return nil, err
	}

	return read(t.es.Update(req.Index, req.ID, body, t.es.Update.WithContext(ctx)))
}

func (t *Transport) Search(ctx context.Context, req *core.Request) (json.RawMessage, error) {
	body, err := jsonReader(req.SearchBody())
	if err != nil {
		return nil, err
	}

	return read(t.es.Search(
		t.es.Search.WithContext(ctx),
		t.es.Search.WithIndex(req.Index),
		t.es.Search.WithBody(body),
	))
}

func (t *Transport) Count(ctx context.Context, req *core.Request) (json.RawMessage, error) {
	body, err := jsonReader(req.Body)
	if err != nil {
		return nil, err
	}

	return read(t.es.Count(
		t.es.Count.WithContext(ctx),
		t.es.Count.WithIndex(req.Index),
		t.es.Count.WithBody(body),
	))
}

func (t *Transport) DeleteByQuery(ctx context.Context, req *core.Request) (json.RawMessage, error) {
	body, err := jsonReader(req.Body)
	if err != nil {
		return nil, err
	}

	return read(t.es.DeleteByQuery([]string{req.Index}, body, t.es.DeleteByQuery.WithContext(ctx)))
}

func (t *Transport) UpdateByQuery(ctx context.Context, req *core.Request) (json.RawMessage, error) {
	body, err := jsonReader(req.Body)
	if err != nil {
		return nil, err
	}

	return read(t.es.UpdateByQuery(
		[]string{req.Index},
		t.es.UpdateByQuery.WithContext(ctx),
		t.es.UpdateByQuery.WithBody(body),
	))
}

type scrollPage struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID     string          `json:"_id"`
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (t *Transport) Scroll(ctx context.Context, req *core.Request, onHit core.HitFunc) error {
	first := *req
	first.From = nil
	body, err := jsonReader(first.SearchBody())
	if err != nil {
		return err
	}

	raw, err := read(t.es.Search(
		t.es.Search.WithContext(ctx),
		t.es.Search.WithIndex(req.Index),
		t.es.Search.WithBody(body),
		t.es.Search.WithScroll(scrollKeepAlive),
	))

	errs := new(multierror.Error)
	var nCurrentItem int64
	var scrollID string

	for err == nil {
		var page scrollPage
		if err = json.Unmarshal(raw, &page); err != nil {
			err = errors.Wrap(err, "Unmarshal")
			break
		}

		scrollID = page.ScrollID
		nBatchItems := len(page.Hits.Hits)
		if nBatchItems == 0 {
			break
		}

		for idx, hit := range page.Hits.Hits {
			nCurrentItem++
			commit := idx == nBatchItems-1
			if hitErr := onHit(hit.ID, hit.Source, nCurrentItem, page.Hits.Total.Value, commit); hitErr != nil {
				errs = multierror.Append(errs, errors.Wrap(hitErr, "onHit"))
				break
			}
		}

		if len(errs.Errors) > 0 {
			break
		}

		if err = ctx.Err(); err != nil {
			break
		}

		raw, err = read(t.es.Scroll(
			t.es.Scroll.WithContext(ctx),
			t.es.Scroll.WithScrollID(scrollID),
			t.es.Scroll.WithScroll(scrollKeepAlive),
		))
	}

	if err != nil {
		errs = multierror.Append(errs, err)
	}

	if scrollID != "" {
		if _, clearErr := read(t.es.ClearScroll(
			t.es.ClearScroll.WithContext(context.WithoutCancel(ctx)),
			t.es.ClearScroll.WithScrollID(scrollID),
		)); clearErr != nil {
			errs = multierror.Append(errs, errors.Wrap(clearErr, "ClearScroll"))
		}
	}

	return errs.ErrorOrNil()
}

func (t *Transport) Refresh(ctx context.Context, index string) error {
	_, err := read(t.es.Indices.Refresh(
		t.es.Indices.Refresh.WithContext(ctx),
		t.es.Indices.Refresh.WithIndex(index),
	))
	return err
}

func (t *Transport) PutMapping(ctx context.Context, index string, body map[string]interface{}) error {
	r, err := jsonReader(body)
	if err != nil {
		return err
	}

	_, err = read(t.es.Indices.PutMapping([]string{index}, r, t.es.Indices.PutMapping.WithContext(ctx)))
	return err
}

func (t *Transport) CatIndices(ctx context.Context) ([]string, error) {
	raw, err := read(t.es.Cat.Indices(
		t.es.Cat.Indices.WithContext(ctx),
		t.es.Cat.Indices.WithFormat("json"),
	))
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Index string `json:"index"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, errors.Wrap(err, "Unmarshal")
	}

	names := make([]string, 0, len(rows))
	for _, row := range rows {
		names = append(names, row.Index)
	}

	return names, nil
}

func (t *Transport) Ping(ctx context.Context) (string, error) {
	raw, err := read(t.es.Info(t.es.Info.WithContext(ctx)))
	if err != nil {
		return "", errors.Wrap(err, "Info")
	}

	var info struct {
		Version struct {
			Number string `json:"number"`
		} `json:"version"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return "", errors.Wrap(err, "Unmarshal")
	}

	return info.Version.Number, nil
}

// read drains res and turns non-2xx answers into a *core.EngineError.
func read(res *esapi.Response, err error) (json.RawMessage, error) {
	if err != nil {
		return nil, errors.Wrap(err, "Do")
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, errors.Wrap(err, "ReadAll")
	}

	if res.IsError() {
		zlog.Debug("engine error", zap.Int("status", res.StatusCode), zap.ByteString("body", body))
		return nil, &core.EngineError{Status: res.StatusCode, Body: string(body)}
	}

	return body, nil
}

func jsonReader(v interface{}) (io.Reader, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "Marshal")
	}

	return bytes.NewReader(data), nil
}
