package core

import (
	"encoding/json"
	"testing"

	"github.com/olivere/elastic/v7"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"engine", &EngineError{Status: 404, Body: "{}"}, OutcomeEngineError},
		{"wrapped engine", errors.Wrap(&EngineError{Status: 500}, "Do"), OutcomeEngineError},
		{"olivere status", errors.Wrap(&elastic.Error{Status: 409}, "Do"), OutcomeEngineError},
		{"olivere without status", &elastic.Error{}, OutcomeTransportFault},
		{"network", errors.New("i/o timeout"), OutcomeTransportFault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.err))
		})
	}
}

func TestNewResponse(t *testing.T) {
	res := newResponse("select", json.RawMessage(`{"hits":{}}`), nil)
	assert.True(t, res.OK())
	assert.Equal(t, `{"hits":{}}`, res.String())

	res = newResponse("select", nil, errors.New(`bad "thing"`))
	assert.False(t, res.OK())
	assert.Equal(t, OutcomeTransportFault, res.Kind)
	assert.Equal(t, `bad "thing"`, res.String())

	var desc string
	require.NoError(t, json.Unmarshal(res.Body, &desc))
	assert.Equal(t, `bad "thing"`, desc)

	var nilRes *Response
	assert.False(t, nilRes.OK())
	assert.Empty(t, nilRes.String())
}

func TestInterpretShards(t *testing.T) {
	n, err := interpretShards(json.RawMessage(`{"_shards":{"total":2,"successful":2,"failed":0}}`))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, body := range []string{`{}`, `{"_shards":{}}`, `[]`, `not json`} {
		_, err := interpretShards(json.RawMessage(body))
		assert.ErrorIs(t, err, ErrShapeMismatch, body)
	}
}

func TestInterpretBulk(t *testing.T) {
	n, err := interpretBulk(json.RawMessage(`{"errors":false,"items":[{},{},{}]}`))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = interpretBulk(json.RawMessage(`{"errors":true,"items":[{},{}]}`))
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = interpretBulk(json.RawMessage(`{"items":[]}`))
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestInterpretGet(t *testing.T) {
	doc, err := interpretGet(json.RawMessage(`{"found":true,"_source":{"n":1}}`), false)
	require.NoError(t, err)
	assert.Equal(t, json.Number("1"), doc["n"])

	doc, err = interpretGet(json.RawMessage(`{"found":false}`), false)
	require.NoError(t, err)
	assert.Nil(t, doc)

	_, err = interpretGet(json.RawMessage(`{"found":true}`), false)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	doc, err = interpretGet(json.RawMessage(`{"found":true}`), true)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{}, doc)
}

func TestNotFound(t *testing.T) {
	assert.True(t, notFound(errors.Wrap(&EngineError{Status: 404}, "Do")))
	assert.True(t, notFound(errors.Wrap(&elastic.Error{Status: 404}, "Get")))
	assert.False(t, notFound(&EngineError{Status: 400}))
	assert.False(t, notFound(errors.New("connection refused")))
	assert.False(t, notFound(nil))
}

func TestInterpretSearch(t *testing.T) {
	set, err := interpretSearch(json.RawMessage(`{"hits":{"total":7,"hits":[{"_id":"x1","_source":{"name":"a"}}]}}`))
	require.NoError(t, err)
	assert.EqualValues(t, 7, set.Total)
	assert.Equal(t, []map[string]interface{}{{"name": "a", "_id": "x1"}}, set.Data)

	set, err = interpretSearch(json.RawMessage(`{"hits":{"total":{"value":0,"relation":"eq"},"hits":[]}}`))
	require.NoError(t, err)
	assert.Empty(t, set.Data)
	assert.NotNil(t, set.Data)

	for _, body := range []string{`{}`, `{"hits":{}}`, `{"hits":{"total":"x","hits":[]}}`} {
		_, err := interpretSearch(json.RawMessage(body))
		assert.ErrorIs(t, err, ErrShapeMismatch, body)
	}
}

func TestMergeIDOverridesSource(t *testing.T) {
	source := map[string]interface{}{"_id": "stale", "n": 1}
	row := mergeID("fresh", source)

	assert.Equal(t, "fresh", row[IDField])
	assert.Equal(t, "stale", source["_id"])
}

func TestInterpretByQuery(t *testing.T) {
	n, err := interpretDeleted(json.RawMessage(`{"deleted":3,"updated":0}`))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = interpretDeleted(json.RawMessage(`{"updated":3}`))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	n, err = interpretUpdated(json.RawMessage(`{"updated":4}`))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	count, err := interpretCount(json.RawMessage(`{"count":9}`))
	require.NoError(t, err)
	assert.EqualValues(t, 9, count)

	ack, err := interpretAcknowledged(json.RawMessage(`{"acknowledged":true}`))
	require.NoError(t, err)
	assert.True(t, ack)
}

func TestOperationError(t *testing.T) {
	err := error(&OperationError{Op: "insert", Kind: OutcomeEngineError, Err: &EngineError{Status: 400, Body: "bad"}})
	assert.Equal(t, "insert: engine_error: engine returned status 400: bad", err.Error())

	var engineErr *EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, 400, engineErr.Status)
}
