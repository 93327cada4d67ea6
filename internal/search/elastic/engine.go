// Package elastic implements search.Engine on Elasticsearch 8.
package elastic

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/goccy/go-json"
	"github.com/syntrixbase/mongoriver/internal/search"
)

// Compile-time check that Engine implements search.Engine
var _ search.Engine = (*Engine)(nil)

// Config holds the connection settings.
type Config struct {
	URLs     []string
	Username string
	Password string

	// Transport overrides the HTTP transport. Optional.
	Transport http.RoundTripper
}

// Engine talks to an Elasticsearch cluster.
type Engine struct {
	client *elasticsearch.Client
}

// New creates an engine. It does not contact the cluster.
func New(cfg Config) (*Engine, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.URLs,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &Engine{client: client}, nil
}

type bulkResponse struct {
	Errors bool                          `json:"errors"`
	Items  []map[string]bulkItemResponse `json:"items"`
}

type bulkItemResponse struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

func (e *Engine) Bulk(ctx context.Context, index string, items []search.BulkItem) ([]search.ItemResult, error) {
	if len(items) == 0 {
		return nil, nil
	}
	body, err := encodeBulk(items)
	if err != nil {
		return nil, err
	}

	res, err := e.client.Bulk(bytes.NewReader(body),
		e.client.Bulk.WithContext(ctx),
		e.client.Bulk.WithIndex(index),
	)
	if err != nil {
		return nil, search.RequestError("bulk", 0, err.Error())
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, responseError("bulk", res)
	}

	var br bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return nil, search.RequestError("bulk", res.StatusCode, "decode response: "+err.Error())
	}
	if len(br.Items) != len(items) {
		return nil, search.RequestError("bulk", res.StatusCode,
			fmt.Sprintf("response has %d items, request had %d", len(br.Items), len(items)))
	}

	results := make([]search.ItemResult, len(items))
	for i, entry := range br.Items {
		for _, item := range entry {
			results[i] = search.ItemResult{ID: item.ID, Status: item.Status}
			if item.Error != nil {
				results[i].Error = item.Error.Type + ": " + item.Error.Reason
			}
		}
		if results[i].ID == "" {
			results[i].ID = items[i].ID
		}
	}
	return results, nil
}

// encodeBulk renders items as the NDJSON bulk body.
func encodeBulk(items []search.BulkItem) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, item := range items {
		meta := map[string]map[string]string{item.Op.String(): {"_id": item.ID}}
		if err := enc.Encode(meta); err != nil {
			return nil, fmt.Errorf("encode bulk action for %s: %w", item.ID, err)
		}
		if item.Op == search.OpDelete {
			continue
		}
		if err := enc.Encode(source(item.Document)); err != nil {
			return nil, fmt.Errorf("encode document %s: %w", item.ID, err)
		}
	}
	return buf.Bytes(), nil
}

// source returns doc without the _id field. Elasticsearch treats _id as
// metadata and rejects documents that carry it; the id travels in the
// action line instead.
func source(doc map[string]any) map[string]any {
	if doc == nil {
		return map[string]any{}
	}
	if _, ok := doc["_id"]; !ok {
		return doc
	}
	out := make(map[string]any, len(doc)-1)
	for k, v := range doc {
		if k != "_id" {
			out[k] = v
		}
	}
	return out
}

func (e *Engine) DeleteAll(ctx context.Context, index string) error {
	res, err := e.client.DeleteByQuery([]string{index},
		strings.NewReader(`{"query":{"match_all":{}}}`),
		e.client.DeleteByQuery.WithContext(ctx),
		e.client.DeleteByQuery.WithConflicts("proceed"),
		e.client.DeleteByQuery.WithRefresh(true),
	)
	if err != nil {
		return search.RequestError("delete_by_query", 0, err.Error())
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	if res.IsError() {
		return responseError("delete_by_query", res)
	}
	return nil
}

func (e *Engine) Get(ctx context.Context, index, id string) (map[string]any, bool, error) {
	res, err := e.client.Get(index, id, e.client.Get.WithContext(ctx))
	if err != nil {
		return nil, false, search.RequestError("get", 0, err.Error())
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if res.IsError() {
		return nil, false, responseError("get", res)
	}

	var body struct {
		Found  bool           `json:"found"`
		Source map[string]any `json:"_source"`
	}
	dec := json.NewDecoder(res.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, false, search.RequestError("get", res.StatusCode, "decode response: "+err.Error())
	}
	if !body.Found {
		return nil, false, nil
	}
	return body.Source, true, nil
}

func (e *Engine) Put(ctx context.Context, index, id string, doc map[string]any) error {
	data, err := json.Marshal(source(doc))
	if err != nil {
		return fmt.Errorf("encode document %s: %w", id, err)
	}
	res, err := e.client.Index(index, bytes.NewReader(data),
		e.client.Index.WithContext(ctx),
		e.client.Index.WithDocumentID(id),
	)
	if err != nil {
		return search.RequestError("index", 0, err.Error())
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError("index", res)
	}
	return nil
}

func (e *Engine) Delete(ctx context.Context, index, id string) error {
	res, err := e.client.Delete(index, id, e.client.Delete.WithContext(ctx))
	if err != nil {
		return search.RequestError("delete", 0, err.Error())
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	if res.IsError() {
		return responseError("delete", res)
	}
	return nil
}

func (e *Engine) CreateIndex(ctx context.Context, index string) error {
	res, err := e.client.Indices.Create(index, e.client.Indices.Create.WithContext(ctx))
	if err != nil {
		return search.RequestError("create_index", 0, err.Error())
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		if strings.Contains(string(detail), "resource_already_exists_exception") {
			return nil
		}
		return search.RequestError("create_index", res.StatusCode, strings.TrimSpace(string(detail)))
	}
	if res.IsError() {
		return responseError("create_index", res)
	}
	return nil
}

func (e *Engine) IndexExists(ctx context.Context, index string) (bool, error) {
	res, err := e.client.Indices.Exists([]string{index}, e.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, search.RequestError("exists", 0, err.Error())
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, responseError("exists", res)
	}
}

func (e *Engine) Refresh(ctx context.Context, index string) error {
	res, err := e.client.Indices.Refresh(
		e.client.Indices.Refresh.WithContext(ctx),
		e.client.Indices.Refresh.WithIndex(index),
	)
	if err != nil {
		return search.RequestError("refresh", 0, err.Error())
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return fmt.Errorf("refresh %s: %w", index, search.ErrIndexNotFound)
	}
	if res.IsError() {
		return responseError("refresh", res)
	}
	return nil
}

func responseError(op string, res *esapi.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return search.RequestError(op, res.StatusCode, strings.TrimSpace(string(detail)))
}
