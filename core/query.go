package core

func (c *ElasticClient) add(bucket Bucket, kind, field string, value interface{}) *ElasticClient {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.Add(bucket, kind, field, value)
	return c
}

// MustTerm requires an exact term match on field.
func (c *ElasticClient) MustTerm(field string, value interface{}) *ElasticClient {
	return c.add(BucketMust, "term", field, value)
}

// Where requires field to match value (full text).
func (c *ElasticClient) Where(field string, value interface{}) *ElasticClient {
	return c.add(BucketMust, "match", field, value)
}

func (c *ElasticClient) MustPrefix(field string, value interface{}) *ElasticClient {
	return c.add(BucketMust, "prefix", field, value)
}

// Like requires a fuzzy match of value against any of fields.
func (c *ElasticClient) Like(fields []string, value string, fuzziness int) *ElasticClient {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.AddMultiMatch(fields, value, fuzziness)
	return c
}

func (c *ElasticClient) FilterTerm(field string, value interface{}) *ElasticClient {
	return c.add(BucketFilter, "term", field, value)
}

// FilterRange filters field by comparison operators, e.g.
// {"gte": 10, "lte": 20}.
func (c *ElasticClient) FilterRange(field string, bounds map[string]interface{}) *ElasticClient {
	return c.add(BucketFilter, "range", field, bounds)
}

func (c *ElasticClient) FilterMatch(field string, value interface{}) *ElasticClient {
	return c.add(BucketFilter, "match", field, value)
}

func (c *ElasticClient) ShouldMatch(field string, value interface{}) *ElasticClient {
	return c.add(BucketShould, "match", field, value)
}

func (c *ElasticClient) ShouldTerm(field string, value interface{}) *ElasticClient {
	return c.add(BucketShould, "term", field, value)
}

func (c *ElasticClient) SortDesc(field string) *ElasticClient {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.SetSort(field, SortDesc)
	return c
}

func (c *ElasticClient) SortAsc(field string) *ElasticClient {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.SetSort(field, SortAsc)
	return c
}

// SetPageSize sets the 1-based page number.
func (c *ElasticClient) SetPageSize(page int) *ElasticClient {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.SetPageSize(page)
	return c
}

func (c *ElasticClient) PageSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state.PageSize()
}

// SetScrollSize sets the number of rows per page.
func (c *ElasticClient) SetScrollSize(size int) *ElasticClient {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.SetScrollSize(size)
	return c
}

func (c *ElasticClient) ScrollSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state.ScrollSize()
}

// Field restricts the returned source to fields. No fields means no source.
func (c *ElasticClient) Field(fields ...string) *ElasticClient {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.SetSource(fields)
	return c
}

func (c *ElasticClient) SetSearchModel(model SearchModel) *ElasticClient {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.SetModel(model)
	return c
}

// SetKeyword sets the text searched in every shadowed field by the match
// model.
func (c *ElasticClient) SetKeyword(keyword string) *ElasticClient {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.SetKeyword(keyword)
	return c
}
