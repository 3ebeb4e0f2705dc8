package core

import (
	"fmt"
)

// buildQuery finalizes the query block for the state's model. The match
// model falls back to the empty bool query when no field is shadowed.
func buildQuery(state *SearchState) map[string]interface{} {
	if state.Model() == ModelMatch && state.HasShadow() {
		return map[string]interface{}{"match": state.MatchClause()}
	}

	return boolQuery(state)
}

func boolQuery(state *SearchState) map[string]interface{} {
	return map[string]interface{}{"bool": state.BoolClause()}
}

func assembleSearch(index string, state *SearchState) *Request {
	from := state.Offset()
	size := state.ScrollSize()

	return &Request{
		Index: index,
		Body: map[string]interface{}{
			"query": buildQuery(state),
			"sort":  state.SortClause(),
		},
		From:   &from,
		Size:   &size,
		Source: state.Source(),
	}
}

func assembleCount(index string, state *SearchState) *Request {
	return &Request{
		Index: index,
		Body:  map[string]interface{}{"query": buildQuery(state)},
	}
}

// assembleByQuery builds delete/update by query bodies. Caller data is
// merged first; the accumulated bool query always wins over a caller
// supplied "query" key.
func assembleByQuery(index string, state *SearchState, data map[string]interface{}) *Request {
	body := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		body[k] = v
	}
	body["query"] = boolQuery(state)

	return &Request{Index: index, Body: body}
}

func assembleCreateIndex(index string, mappings, settings map[string]interface{}) *Request {
	body := make(map[string]interface{}, 2)
	if mappings != nil {
		body["mappings"] = mappings
	}

	if settings != nil {
		body["settings"] = settings
	}

	return &Request{Index: index, Body: body}
}

func assembleDocument(index, id string, data map[string]interface{}, source []string) *Request {
	return &Request{Index: index, ID: id, Body: data, Source: source}
}

// assembleUpdate wraps a partial document into {"doc": ...}. Bodies already
// carrying an update directive are passed through untouched.
func assembleUpdate(index, id string, data map[string]interface{}) *Request {
	body := data
	_, hasDoc := data["doc"]
	_, hasScript := data["script"]
	if !hasDoc && !hasScript {
		body = map[string]interface{}{"doc": data}
	}

	return &Request{Index: index, ID: id, Body: body}
}

// assembleBulk emits an index header followed by the record for every
// record. The value under idKey is promoted to the header and stripped from
// the emitted document. Records are copied, never mutated.
func assembleBulk(index string, records []map[string]interface{}, idKey string) *Request {
	lines := make([]interface{}, 0, 2*len(records))
	for _, record := range records {
		target := BulkTarget{Index: index}
		doc := make(map[string]interface{}, len(record))
		for k, v := range record {
			doc[k] = v
		}

		if idKey != "" {
			if id, ok := doc[idKey]; ok {
				if id != nil {
					target.ID = fmt.Sprint(id)
				}
				delete(doc, idKey)
			}
		}

		lines = append(lines, BulkAction{Index: target}, doc)
	}

	return &Request{Index: index, Lines: lines}
}
