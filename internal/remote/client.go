package remote

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
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultAPIVersion is sent as the version header when none is configured.
	DefaultAPIVersion = "2022-06-28"
	// DefaultPageSize is the query page size when the request leaves it unset.
	DefaultPageSize = 100

	headerAuthorization = "Authorization"
	headerContentType   = "Content-Type"
	headerVersion       = "Notion-Version"
	headerRetryAfter    = "Retry-After"
	contentTypeJSON     = "application/json"
	timestampLastEdited = "last_edited_time"
	directionDescending = "descending"
	maxErrorBodyBytes   = 64 << 10
	defaultHTTPTimeout  = 30 * time.Second
)

var (
	errMissingBaseURL = errors.New("remote: base url is required")
	errMissingToken   = errors.New("remote: api token is required")
)

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL    string
	Token      string
	APIVersion string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client is the HTTP implementation of the remote page API.
type Client struct {
	baseURL    string
	token      string
	apiVersion string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates the configuration and builds a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("remote: invalid base url: %w", err)
	}
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errMissingToken
	}
	apiVersion := strings.TrimSpace(cfg.APIVersion)
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		apiVersion: apiVersion,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type pageEnvelope struct {
	ID             string         `json:"id"`
	Archived       bool           `json:"archived"`
	LastEditedTime string         `json:"last_edited_time"`
	Properties     map[string]any `json:"properties"`
}

type createPageRequest struct {
	Parent     parentRef      `json:"parent"`
	Properties map[string]any `json:"properties"`
}

type parentRef struct {
	DatabaseID string `json:"database_id"`
}

type updatePageRequest struct {
	Properties map[string]any `json:"properties,omitempty"`
	Archived   *bool          `json:"archived,omitempty"`
}

type queryFilter struct {
	Timestamp      string          `json:"timestamp"`
	LastEditedTime timestampFilter `json:"last_edited_time"`
}

type timestampFilter struct {
	OnOrAfter string `json:"on_or_after"`
}

type querySort struct {
	Timestamp string `json:"timestamp"`
	Direction string `json:"direction"`
}

type queryDatabaseRequest struct {
	Filter      *queryFilter `json:"filter,omitempty"`
	Sorts       []querySort  `json:"sorts,omitempty"`
	StartCursor string       `json:"start_cursor,omitempty"`
	PageSize    int          `json:"page_size,omitempty"`
}

type queryDatabaseResponse struct {
	Results    []pageEnvelope `json:"results"`
	HasMore    bool           `json:"has_more"`
	NextCursor *string        `json:"next_cursor"`
}

type errorEnvelope struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CreateRecord creates a page in the container and returns its id.
func (c *Client) CreateRecord(ctx context.Context, containerID string, properties map[string]any) (string, error) {
	payload := createPageRequest{
		Parent:     parentRef{DatabaseID: containerID},
		Properties: nonNilProperties(properties),
	}
	var created pageEnvelope
	if err := c.do(ctx, http.MethodPost, "/v1/pages", payload, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", fmt.Errorf("remote: create in %s returned no id", containerID)
	}
	return created.ID, nil
}

// UpdateRecord patches the listed properties of a page.
func (c *Client) UpdateRecord(ctx context.Context, remoteID string, properties map[string]any) error {
	payload := updatePageRequest{Properties: nonNilProperties(properties)}
	return c.do(ctx, http.MethodPatch, "/v1/pages/"+url.PathEscape(remoteID), payload, nil)
}

// ArchiveRecord moves a page to the trash.
func (c *Client) ArchiveRecord(ctx context.Context, remoteID string) error {
	archived := true
	payload := updatePageRequest{Archived: &archived}
	return c.do(ctx, http.MethodPatch, "/v1/pages/"+url.PathEscape(remoteID), payload, nil)
}

// QueryRecords fetches one page of a container query.
func (c *Client) QueryRecords(ctx context.Context, containerID string, request QueryRequest) (QueryResult, error) {
	payload := queryDatabaseRequest{
		StartCursor: request.StartCursor,
		PageSize:    request.PageSize,
	}
	if payload.PageSize <= 0 {
		payload.PageSize = DefaultPageSize
	}
	if !request.EditedOnOrAfter.IsZero() {
		payload.Filter = &queryFilter{
			Timestamp:      timestampLastEdited,
			LastEditedTime: timestampFilter{OnOrAfter: request.EditedOnOrAfter.UTC().Format(time.RFC3339Nano)},
		}
	}
	if request.NewestFirst {
		payload.Sorts = []querySort{{Timestamp: timestampLastEdited, Direction: directionDescending}}
	}

	var response queryDatabaseResponse
	if err := c.do(ctx, http.MethodPost, "/v1/databases/"+url.PathEscape(containerID)+"/query", payload, &response); err != nil {
		return QueryResult{}, err
	}

	result := QueryResult{HasMore: response.HasMore, Results: make([]Page, 0, len(response.Results))}
	if response.NextCursor != nil {
		result.NextCursor = *response.NextCursor
	}
	for _, envelope := range response.Results {
		page, err := envelope.toPage()
		if err != nil {
			return QueryResult{}, err
		}
		result.Results = append(result.Results, page)
	}
	return result, nil
}

// GetRecord fetches one page by id.
func (c *Client) GetRecord(ctx context.Context, remoteID string) (Page, error) {
	var envelope pageEnvelope
	if err := c.do(ctx, http.MethodGet, "/v1/pages/"+url.PathEscape(remoteID), nil, &envelope); err != nil {
		return Page{}, err
	}
	return envelope.toPage()
}

func (c *Client) do(ctx context.Context, method string, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("remote: encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("remote: build %s %s: %w", method, path, err)
	}
	request.Header.Set(headerAuthorization, "Bearer "+c.token)
	request.Header.Set(headerVersion, c.apiVersion)
	if payload != nil {
		request.Header.Set(headerContentType, contentTypeJSON)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.logger.Warn("remote request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return fmt.Errorf("%w: %s %s: %v", ErrUnreachable, method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return decodeError(response)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("remote: decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(response *http.Response) error {
	remoteErr := &Error{Status: response.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	var envelope errorEnvelope
	if len(raw) > 0 && json.Unmarshal(raw, &envelope) == nil {
		remoteErr.Code = envelope.Code
		remoteErr.Message = envelope.Message
	} else {
		remoteErr.Message = strings.TrimSpace(string(raw))
	}
	remoteErr.RetryAfter = parseRetryAfter(response.Header.Get(headerRetryAfter), time.Now())
	return remoteErr
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string, now time.Time) time.Duration {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(trimmed, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds * float64(time.Second))
	}
	if at, err := http.ParseTime(trimmed); err == nil {
		if delay := at.Sub(now); delay > 0 {
			return delay
		}
	}
	return 0
}

func (e pageEnvelope) toPage() (Page, error) {
	page := Page{ID: e.ID, Archived: e.Archived, Properties: e.Properties}
	if page.Properties == nil {
		page.Properties = map[string]any{}
	}
	if e.LastEditedTime != "" {
		edited, err := time.Parse(time.RFC3339Nano, e.LastEditedTime)
		if err != nil {
			return Page{}, fmt.Errorf("remote: page %s has invalid last_edited_time %q: %w", e.ID, e.LastEditedTime, err)
		}
		page.LastEditedTime = edited.UTC()
	}
	return page, nil
}

func nonNilProperties(properties map[string]any) map[string]any {
	if properties == nil {
		return map[string]any{}
	}
	return properties
}
