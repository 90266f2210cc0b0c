package socket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// CredentialSetter is the credential surface of the remote adapter. The two
// credentials are mutually exclusive; setting one clears the other. The local
// adapter does not implement it.
type CredentialSetter interface {
	SetToken(token string)
	SetAPIKey(key string)
}

// remoteSocket serializes every call to an HTTP request against the fixed
// route mapping and decodes the response through the shared canonical codec,
// so results match the local adapter byte for byte. No automatic retry.
type remoteSocket struct {
	base    *url.URL
	client  *http.Client
	timeout time.Duration

	mu     sync.Mutex
	token  string
	apiKey string
}

var (
	_ Socket           = (*remoteSocket)(nil)
	_ CredentialSetter = (*remoteSocket)(nil)
)

func dialRemote(c Remote) (*remoteSocket, error) {
	if c.Endpoint == "" {
		return nil, errors.New("socket: remote config requires an endpoint")
	}
	if c.Token != "" && c.APIKey != "" {
		return nil, errors.New("socket: token and api key are mutually exclusive")
	}
	base, err := url.Parse(c.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("socket: invalid endpoint: %w", err)
	}
	client := c.Client
	if client == nil {
		client = &http.Client{}
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &remoteSocket{
		base:    base,
		client:  client,
		timeout: timeout,
		token:   c.Token,
		apiKey:  c.APIKey,
	}, nil
}

// SetToken installs a bearer session token and clears any API key.
func (r *remoteSocket) SetToken(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.token = token
	r.apiKey = ""
}

// SetAPIKey installs an API key and clears any bearer token.
func (r *remoteSocket) SetAPIKey(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apiKey = key
	r.token = ""
}

// errorEnvelope is the server's structured error body.
type errorEnvelope struct {
	Error *Error `json:"error"`
}

// do performs one HTTP call. A context without a deadline gets the adapter's
// default timeout. Structured error bodies map back onto the shared taxonomy;
// failures without one surface as TransportError, or the status-derived kind.
func (r *remoteSocket) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	u := *r.base
	u.Path, _ = url.JoinPath(r.base.Path, path)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return Wrap(err, KindTransport, "encode request body")
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return Wrap(err, KindTransport, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if actor := ActorFrom(ctx); actor != "" {
		req.Header.Set("X-Krapi-Actor", actor)
	}
	r.mu.Lock()
	switch {
	case r.token != "":
		req.Header.Set("Authorization", "Bearer "+r.token)
	case r.apiKey != "":
		req.Header.Set("X-API-Key", r.apiKey)
	}
	r.mu.Unlock()

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Wrap(err, KindTimeout, "request deadline exceeded")
		}
		if errors.Is(err, context.Canceled) {
			return Wrap(err, KindTimeout, "request cancelled")
		}
		return Wrap(err, KindTransport, "request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Wrap(err, KindTransport, "read response body")
	}

	if resp.StatusCode >= 400 {
		var env errorEnvelope
		if json.Unmarshal(raw, &env) == nil && env.Error != nil && env.Error.Kind != "" {
			return env.Error
		}
		return &Error{
			Kind:    KindFromStatus(resp.StatusCode),
			Message: fmt.Sprintf("server returned status %d", resp.StatusCode),
		}
	}

	if out == nil {
		return nil
	}
	if err := decodeCanonical(raw, out); err != nil {
		return Wrap(err, KindTransport, "decode response body")
	}
	return nil
}

func (r *remoteSocket) CreateProject(ctx context.Context, name string) (*Project, error) {
	var p Project
	body := map[string]string{"name": name}
	if err := r.do(ctx, http.MethodPost, "/projects", nil, body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *remoteSocket) GetProject(ctx context.Context, projectID string) (*Project, error) {
	var p Project
	if err := r.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID), nil, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *remoteSocket) ListProjects(ctx context.Context) ([]Project, error) {
	out := []Project{}
	if err := r.do(ctx, http.MethodGet, "/projects", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *remoteSocket) DeleteProject(ctx context.Context, projectID string) error {
	return r.do(ctx, http.MethodDelete, "/projects/"+url.PathEscape(projectID), nil, nil, nil)
}

func (r *remoteSocket) collectionPath(projectID, name string) string {
	return "/projects/" + url.PathEscape(projectID) + "/collections/" + url.PathEscape(name)
}

func (r *remoteSocket) CreateCollection(ctx context.Context, projectID string, spec CollectionSpec) (*Collection, error) {
	var c Collection
	path := "/projects/" + url.PathEscape(projectID) + "/collections"
	if err := r.do(ctx, http.MethodPost, path, nil, spec, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *remoteSocket) GetCollection(ctx context.Context, projectID, name string) (*Collection, error) {
	var c Collection
	if err := r.do(ctx, http.MethodGet, r.collectionPath(projectID, name), nil, nil, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *remoteSocket) ListCollections(ctx context.Context, projectID string) ([]Collection, error) {
	out := []Collection{}
	path := "/projects/" + url.PathEscape(projectID) + "/collections"
	if err := r.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *remoteSocket) UpdateCollection(ctx context.Context, projectID, name string, update CollectionUpdate) (*Collection, error) {
	var c Collection
	if err := r.do(ctx, http.MethodPut, r.collectionPath(projectID, name), nil, update, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *remoteSocket) DeleteCollection(ctx context.Context, projectID, name string, cascade bool) error {
	var query url.Values
	if cascade {
		query = url.Values{"cascade": {"true"}}
	}
	return r.do(ctx, http.MethodDelete, r.collectionPath(projectID, name), query, nil, nil)
}

func (r *remoteSocket) ValidateSchema(ctx context.Context, projectID, name string) (*SchemaReport, error) {
	var report SchemaReport
	path := r.collectionPath(projectID, name) + "/validate-schema"
	if err := r.do(ctx, http.MethodPost, path, nil, nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (r *remoteSocket) documentsPath(projectID, collection string) string {
	return r.collectionPath(projectID, collection) + "/documents"
}

func (r *remoteSocket) CreateDocument(ctx context.Context, projectID, collection string, data map[string]any) (*Document, error) {
	var d Document
	if err := r.do(ctx, http.MethodPost, r.documentsPath(projectID, collection), nil, data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *remoteSocket) GetDocument(ctx context.Context, projectID, collection, id string) (*Document, error) {
	var d Document
	path := r.documentsPath(projectID, collection) + "/" + url.PathEscape(id)
	if err := r.do(ctx, http.MethodGet, path, nil, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *remoteSocket) UpdateDocument(ctx context.Context, projectID, collection, id string, data map[string]any) (*Document, error) {
	var d Document
	path := r.documentsPath(projectID, collection) + "/" + url.PathEscape(id)
	if err := r.do(ctx, http.MethodPut, path, nil, data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *remoteSocket) DeleteDocument(ctx context.Context, projectID, collection, id string, opts DeleteOptions) error {
	path := r.documentsPath(projectID, collection) + "/" + url.PathEscape(id)
	var query url.Values
	if opts.DeletedBy != "" {
		query = url.Values{"deleted_by": {opts.DeletedBy}}
	}
	return r.do(ctx, http.MethodDelete, path, query, nil, nil)
}

func (r *remoteSocket) ListDocuments(ctx context.Context, projectID, collection string, opts ListOptions) (*DocumentPage, error) {
	query := url.Values{}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}
	if opts.OrderBy != "" {
		query.Set("order_by", opts.OrderBy)
	}
	if opts.OrderDirection != "" {
		query.Set("order_direction", string(opts.OrderDirection))
	}
	if opts.Filter != nil {
		raw, err := json.Marshal(opts.Filter)
		if err != nil {
			return nil, Wrap(err, KindTransport, "encode filter")
		}
		query.Set("filter", string(raw))
	}
	var page DocumentPage
	if err := r.do(ctx, http.MethodGet, r.documentsPath(projectID, collection), query, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// CountDocuments rides the list route with a zero limit; the envelope's total
// covers every match regardless of page size.
func (r *remoteSocket) CountDocuments(ctx context.Context, projectID, collection string, filter *Filter) (int64, error) {
	query := url.Values{"limit": {"0"}}
	if filter != nil {
		raw, err := json.Marshal(filter)
		if err != nil {
			return 0, Wrap(err, KindTransport, "encode filter")
		}
		query.Set("filter", string(raw))
	}
	var page DocumentPage
	if err := r.do(ctx, http.MethodGet, r.documentsPath(projectID, collection), query, nil, &page); err != nil {
		return 0, err
	}
	return page.Total, nil
}

type bulkCreateRequest struct {
	Items []map[string]any `json:"items"`
}

type bulkUpdateRequest struct {
	Items []BulkUpdateItem `json:"items"`
}

type bulkDeleteRequest struct {
	IDs       []string `json:"ids"`
	DeletedBy string   `json:"deleted_by,omitempty"`
}

func (r *remoteSocket) BulkCreate(ctx context.Context, projectID, collection string, items []map[string]any) (*BulkCreateResult, error) {
	var res BulkCreateResult
	path := r.documentsPath(projectID, collection) + "/bulk"
	if err := r.do(ctx, http.MethodPost, path, nil, bulkCreateRequest{Items: items}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *remoteSocket) BulkUpdate(ctx context.Context, projectID, collection string, items []BulkUpdateItem) (*BulkUpdateResult, error) {
	var res BulkUpdateResult
	path := r.documentsPath(projectID, collection) + "/bulk"
	if err := r.do(ctx, http.MethodPut, path, nil, bulkUpdateRequest{Items: items}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *remoteSocket) BulkDelete(ctx context.Context, projectID, collection string, ids []string, opts DeleteOptions) (*BulkDeleteResult, error) {
	var res BulkDeleteResult
	path := r.documentsPath(projectID, collection) + "/bulk-delete"
	body := bulkDeleteRequest{IDs: ids, DeletedBy: opts.DeletedBy}
	if err := r.do(ctx, http.MethodPost, path, nil, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *remoteSocket) Aggregate(ctx context.Context, projectID, collection string, req AggregateRequest) (*AggregateResult, error) {
	var res AggregateResult
	path := r.collectionPath(projectID, collection) + "/aggregate"
	if err := r.do(ctx, http.MethodPost, path, nil, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *remoteSocket) Search(ctx context.Context, projectID, collection, text string, fields []string) ([]Document, error) {
	out := []Document{}
	path := r.collectionPath(projectID, collection) + "/search"
	body := SearchRequest{Text: text, Fields: fields}
	if err := r.do(ctx, http.MethodPost, path, nil, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases idle transport connections. The adapter may not be used
// afterwards.
func (r *remoteSocket) Close() error {
	r.client.CloseIdleConnections()
	return nil
}
