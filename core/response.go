package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/olivere/elastic/v7"
	"github.com/pkg/errors"
)

type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeTransportFault
	OutcomeEngineError
	OutcomeShapeMismatch
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTransportFault:
		return "transport_fault"
	case OutcomeEngineError:
		return "engine_error"
	case OutcomeShapeMismatch:
		return "shape_mismatch"
	}

	return "unknown"
}

// Response is the raw outcome of the last dispatched operation. On failure
// Body holds the fault description encoded as a JSON string.
type Response struct {
	Op   string
	Kind Outcome
	Body json.RawMessage
	Err  error
}

func (r *Response) OK() bool {
	return r != nil && r.Kind == OutcomeOK
}

// String returns the body, or the fault description for failed operations.
func (r *Response) String() string {
	if r == nil {
		return ""
	}

	if r.Err != nil {
		return r.Err.Error()
	}

	return string(r.Body)
}

// EngineError is a response the engine answered with a non-2xx status.
type EngineError struct {
	Status int
	Body   string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine returned status %d: %s", e.Status, e.Body)
}

// OperationError is returned in strict mode instead of degrading a failure
// into the retained response.
type OperationError struct {
	Op   string
	Kind Outcome
	Err  error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

func newResponse(op string, body json.RawMessage, err error) *Response {
	if err == nil {
		return &Response{Op: op, Kind: OutcomeOK, Body: body}
	}

	desc, _ := json.Marshal(err.Error())
	return &Response{Op: op, Kind: classify(err), Body: desc, Err: err}
}

func classify(err error) Outcome {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return OutcomeEngineError
	}

	var elasticErr *elastic.Error
	if errors.As(err, &elasticErr) && elasticErr.Status > 0 {
		return OutcomeEngineError
	}

	return OutcomeTransportFault
}

// notFound reports whether err is the engine answering 404.
func notFound(err error) bool {
	if err == nil {
		return false
	}

	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Status == http.StatusNotFound
	}

	var elasticErr *elastic.Error
	if errors.As(err, &elasticErr) {
		return elasticErr.Status == http.StatusNotFound
	}

	return false
}

func decode(body json.RawMessage, target interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(target); err != nil {
		return errors.Wrap(ErrShapeMismatch, err.Error())
	}

	return nil
}

type (
	ackResponse struct {
		Acknowledged *bool `json:"acknowledged"`
	}

	shardsResponse struct {
		Shards *struct {
			Successful *int `json:"successful"`
		} `json:"_shards"`
	}

	bulkResponse struct {
		Errors *bool             `json:"errors"`
		Items  []json.RawMessage `json:"items"`
	}

	getResponse struct {
		Found  *bool                  `json:"found"`
		Source map[string]interface{} `json:"_source"`
	}

	searchHit struct {
		ID     string                 `json:"_id"`
		Source map[string]interface{} `json:"_source"`
	}

	searchResponse struct {
		Hits *struct {
			Total json.RawMessage `json:"total"`
			Hits  *[]searchHit    `json:"hits"`
		} `json:"hits"`
	}

	byQueryResponse struct {
		Deleted *int64 `json:"deleted"`
		Updated *int64 `json:"updated"`
	}

	countResponse struct {
		Count *int64 `json:"count"`
	}
)

func interpretAcknowledged(body json.RawMessage) (bool, error) {
	var res ackResponse
	if err := decode(body, &res); err != nil {
		return false, err
	}

	if res.Acknowledged == nil {
		return false, errors.Wrap(ErrShapeMismatch, "acknowledged")
	}

	return *res.Acknowledged, nil
}

func interpretShards(body json.RawMessage) (int, error) {
	var res shardsResponse
	if err := decode(body, &res); err != nil {
		return 0, err
	}

	if res.Shards == nil || res.Shards.Successful == nil {
		return 0, errors.Wrap(ErrShapeMismatch, "_shards.successful")
	}

	return *res.Shards.Successful, nil
}

// interpretBulk returns the item count of an error free bulk response. Any
// item failure yields 0; the caller inspects the raw response for details.
func interpretBulk(body json.RawMessage) (int, error) {
	var res bulkResponse
	if err := decode(body, &res); err != nil {
		return 0, err
	}

	if res.Errors == nil || res.Items == nil {
		return 0, errors.Wrap(ErrShapeMismatch, "errors/items")
	}

	if *res.Errors {
		return 0, nil
	}

	return len(res.Items), nil
}

// interpretGet returns the document source. A found document without source
// is an empty row when a projection excluded every field.
func interpretGet(body json.RawMessage, projected bool) (map[string]interface{}, error) {
	var res getResponse
	if err := decode(body, &res); err != nil {
		return nil, err
	}

	if res.Found != nil && !*res.Found {
		return nil, nil
	}

	if res.Source == nil {
		if projected && res.Found != nil {
			return map[string]interface{}{}, nil
		}
		return nil, errors.Wrap(ErrShapeMismatch, "_source")
	}

	return res.Source, nil
}

func interpretSearch(body json.RawMessage) (*ResultSet, error) {
	var res searchResponse
	if err := decode(body, &res); err != nil {
		return nil, err
	}

	if res.Hits == nil || res.Hits.Hits == nil {
		return nil, errors.Wrap(ErrShapeMismatch, "hits.hits")
	}

	total, err := interpretTotal(res.Hits.Total)
	if err != nil {
		return nil, err
	}

	hits := *res.Hits.Hits
	set := &ResultSet{Total: total, Data: make([]map[string]interface{}, 0, len(hits))}
	for _, hit := range hits {
		set.Data = append(set.Data, mergeID(hit.ID, hit.Source))
	}

	return set, nil
}

// interpretTotal accepts both {"value": n} and the legacy plain number.
func interpretTotal(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}

	var total struct {
		Value *int64 `json:"value"`
	}
	if err := json.Unmarshal(raw, &total); err == nil && total.Value != nil {
		return *total.Value, nil
	}

	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, errors.Wrap(ErrShapeMismatch, "hits.total")
	}

	return n, nil
}

func mergeID(id string, source map[string]interface{}) map[string]interface{} {
	row := make(map[string]interface{}, len(source)+1)
	for k, v := range source {
		row[k] = v
	}
	row[IDField] = id

	return row
}

func interpretDeleted(body json.RawMessage) (int, error) {
	var res byQueryResponse
	if err := decode(body, &res); err != nil {
		return 0, err
	}

	if res.Deleted == nil {
		return 0, errors.Wrap(ErrShapeMismatch, "deleted")
	}

	return int(*res.Deleted), nil
}

func interpretUpdated(body json.RawMessage) (int, error) {
	var res byQueryResponse
	if err := decode(body, &res); err != nil {
		return 0, err
	}

	if res.Updated == nil {
		return 0, errors.Wrap(ErrShapeMismatch, "updated")
	}

	return int(*res.Updated), nil
}

func interpretCount(body json.RawMessage) (int64, error) {
	var res countResponse
	if err := decode(body, &res); err != nil {
		return 0, err
	}

	if res.Count == nil {
		return 0, errors.Wrap(ErrShapeMismatch, "count")
	}

	return *res.Count, nil
}
