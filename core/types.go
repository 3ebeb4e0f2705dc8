package core

import (
	"net/http"
	"time"

	"github.com/olivere/elastic/v7"
	"go.uber.org/zap"
)

const (
	DefaultMaxInsertAll = 500
	DefaultPageSize     = 1
	DefaultScrollSize   = 10

	// IDField is the reserved key under which search rows carry the
	// engine-assigned document identifier.
	IDField = "_id"
)

type (
	SearchModel   string
	Bucket        string
	SortDirection string

	// ClientConfig holds transport level settings. It is read once when the
	// transport is built.
	ClientConfig struct {
		// Retries is the retry budget for connection failures. Responses with
		// a 4xx/5xx status are never retried.
		Retries             int           `json:"retries"`
		Sniff               bool          `json:"sniff"`
		HealthcheckInterval time.Duration `json:"-"`
		Strict              bool          `json:"strict"`
		MaxInsertAll        int           `json:"max_insert_all"`

		// Logger receives the client's own logs on both backends.
		Logger *zap.Logger  `json:"-"`
		Pool   *http.Client `json:"-"`
		// Serializer decodes olivere responses. The esapi backend returns
		// raw bodies and ignores it.
		Serializer elastic.Decoder `json:"-"`
	}

	// IndexParams carries the sub-documents merged into a create index body.
	IndexParams struct {
		Mappings map[string]interface{} `json:"mappings,omitempty"`
		Settings map[string]interface{} `json:"settings,omitempty"`
	}

	// Request is the document handed to the transport. It is rebuilt for
	// every operation and never mutated after dispatch.
	Request struct {
		Index  string                 `json:"index,omitempty"`
		ID     string                 `json:"id,omitempty"`
		Body   map[string]interface{} `json:"body,omitempty"`
		From   *int                   `json:"from,omitempty"`
		Size   *int                   `json:"size,omitempty"`
		Source []string               `json:"_source,omitempty"`
		// Lines holds the alternating action headers and documents of a
		// bulk request.
		Lines []interface{} `json:"lines,omitempty"`
	}

	// BulkAction is the header line preceding every bulk document.
	BulkAction struct {
		Index BulkTarget `json:"index"`
	}

	BulkTarget struct {
		Index string `json:"_index"`
		ID    string `json:"_id,omitempty"`
	}

	// ResultSet is the normalized search result.
	ResultSet struct {
		Total int64                    `json:"total"`
		Data  []map[string]interface{} `json:"data"`
	}

	// HitFunc receives scrolled hits one at a time. commit is true for the
	// last hit of every fetched batch.
	HitFunc func(id string, source []byte, nCurrentItem, nTotalItems int64, commit bool) error
)

const (
	ModelBool  SearchModel = "bool"
	ModelMatch SearchModel = "match"

	BucketMust   Bucket = "must"
	BucketFilter Bucket = "filter"
	BucketShould Bucket = "should"

	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// SearchBody returns the body with pagination and projection folded in, the
// way it goes over the wire.
func (r *Request) SearchBody() map[string]interface{} {
	body := make(map[string]interface{}, len(r.Body)+3)
	for k, v := range r.Body {
		body[k] = v
	}

	if r.From != nil {
		body["from"] = *r.From
	}

	if r.Size != nil {
		body["size"] = *r.Size
	}

	if r.Source != nil {
		body["_source"] = r.Source
	}

	return body
}

func (r *Request) clone() *Request {
	if r == nil {
		return nil
	}

	cp := *r
	return &cp
}
