package core

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var buckets = []Bucket{BucketMust, BucketFilter, BucketShould}

// SearchState accumulates predicates, sort directives, paging and projection
// for one query. It only grows until Reset.
type SearchState struct {
	clauses    map[Bucket][]map[string]interface{}
	boolTouch  bool
	match      map[string]interface{}
	sort       *orderedmap.OrderedMap[string, SortDirection]
	model      SearchModel
	pageSize   int
	scrollSize int
	keyword    string
	source     []string
}

func NewSearchState() *SearchState {
	s := &SearchState{}
	s.Reset()
	return s
}

// Reset restores the zero query: no predicates, no sort, bool model, first
// page of DefaultScrollSize rows, no projection.
func (s *SearchState) Reset() {
	s.clauses = make(map[Bucket][]map[string]interface{})
	s.boolTouch = false
	s.match = make(map[string]interface{})
	s.sort = orderedmap.New[string, SortDirection]()
	s.model = ModelBool
	s.pageSize = DefaultPageSize
	s.scrollSize = DefaultScrollSize
	s.keyword = ""
	s.source = nil
}

func (s *SearchState) Clone() *SearchState {
	cp := &SearchState{
		clauses:    make(map[Bucket][]map[string]interface{}, len(s.clauses)),
		boolTouch:  s.boolTouch,
		match:      make(map[string]interface{}, len(s.match)),
		sort:       orderedmap.New[string, SortDirection](),
		model:      s.model,
		pageSize:   s.pageSize,
		scrollSize: s.scrollSize,
		keyword:    s.keyword,
	}

	for bucket, preds := range s.clauses {
		cp.clauses[bucket] = append([]map[string]interface{}(nil), preds...)
	}

	for field, value := range s.match {
		cp.match[field] = value
	}

	for pair := s.sort.Oldest(); pair != nil; pair = pair.Next() {
		cp.sort.Set(pair.Key, pair.Value)
	}

	if s.source != nil {
		cp.source = append([]string{}, s.source...)
	}

	return cp
}

// Add appends {kind: {field: value}} to bucket and shadows field for the
// match model. Last write per field wins in the shadow map.
func (s *SearchState) Add(bucket Bucket, kind, field string, value interface{}) {
	s.push(bucket, map[string]interface{}{
		kind: map[string]interface{}{field: value},
	})
	s.match[field] = value
}

// AddMultiMatch appends a fuzzy multi_match over fields to the must bucket.
// It has no single field to shadow, so the match model ignores it.
func (s *SearchState) AddMultiMatch(fields []string, value string, fuzziness int) {
	s.push(BucketMust, map[string]interface{}{
		"multi_match": map[string]interface{}{
			"query":     value,
			"fuzziness": fuzziness,
			"fields":    append([]string{}, fields...),
		},
	})
}

func (s *SearchState) push(bucket Bucket, pred map[string]interface{}) {
	s.boolTouch = true
	s.clauses[bucket] = append(s.clauses[bucket], pred)
}

// SetSort sets the direction for field. A field keeps its original position
// when its direction is changed. Empty field names are ignored.
func (s *SearchState) SetSort(field string, dir SortDirection) {
	if field == "" {
		return
	}

	s.sort.Set(field, dir)
}

// SetPageSize sets the 1-based page number. Values below 1 clamp to 1.
func (s *SearchState) SetPageSize(page int) {
	if page <= 1 {
		page = 1
	}

	s.pageSize = page
}

// SetScrollSize sets the page length. Non-positive values are ignored.
func (s *SearchState) SetScrollSize(size int) {
	if size > 0 {
		s.scrollSize = size
	}
}

func (s *SearchState) PageSize() int   { return s.pageSize }
func (s *SearchState) ScrollSize() int { return s.scrollSize }

func (s *SearchState) Offset() int {
	return (s.pageSize - 1) * s.scrollSize
}

func (s *SearchState) SetModel(model SearchModel) { s.model = model }
func (s *SearchState) Model() SearchModel         { return s.model }

func (s *SearchState) SetKeyword(keyword string) { s.keyword = keyword }
func (s *SearchState) Keyword() string           { return s.keyword }

// SetSource restricts returned source fields. An empty, non-nil slice asks
// for no source fields at all.
func (s *SearchState) SetSource(fields []string) {
	if fields == nil {
		fields = []string{}
	}

	s.source = append([]string{}, fields...)
}

func (s *SearchState) Source() []string { return s.source }

// HasPredicates reports whether any predicate was ever added.
func (s *SearchState) HasPredicates() bool {
	return s.boolTouch || len(s.match) > 0
}

// HasShadow reports whether any field is shadowed for the match model.
func (s *SearchState) HasShadow() bool {
	return len(s.match) > 0
}

// Len returns the number of predicates held by bucket.
func (s *SearchState) Len(bucket Bucket) int {
	return len(s.clauses[bucket])
}

// Shadow returns the value last written for field by a predicate.
func (s *SearchState) Shadow(field string) (interface{}, bool) {
	v, ok := s.match[field]
	return v, ok
}

// BoolClause returns the finalized bool object. It is an empty object, never
// nil, when no predicate was added.
func (s *SearchState) BoolClause() map[string]interface{} {
	clause := make(map[string]interface{}, len(buckets))
	for _, bucket := range buckets {
		if preds := s.clauses[bucket]; len(preds) > 0 {
			clause[string(bucket)] = append([]map[string]interface{}(nil), preds...)
		}
	}

	return clause
}

// MatchClause returns the match model query: every shadowed field searched
// for the keyword, with the shadowed value used as the operator.
func (s *SearchState) MatchClause() map[string]interface{} {
	clause := make(map[string]interface{}, len(s.match))
	for field, operator := range s.match {
		clause[field] = map[string]interface{}{
			"query":    s.keyword,
			"operator": operator,
		}
	}

	return clause
}

// SortClause returns the sort directives in insertion order.
func (s *SearchState) SortClause() []map[string]SortDirection {
	clause := make([]map[string]SortDirection, 0, s.sort.Len())
	for pair := s.sort.Oldest(); pair != nil; pair = pair.Next() {
		clause = append(clause, map[string]SortDirection{pair.Key: pair.Value})
	}

	return clause
}

// SearchField returns a copy of the accumulated predicates in the
// {bool: {...}, match: {...}} shape.
func (s *SearchState) SearchField() map[string]interface{} {
	field := make(map[string]interface{}, 2)
	if s.boolTouch {
		field["bool"] = s.BoolClause()
	}

	if len(s.match) > 0 {
		match := make(map[string]interface{}, len(s.match))
		for k, v := range s.match {
			match[k] = v
		}
		field["match"] = match
	}

	return field
}
