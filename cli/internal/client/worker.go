package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/inboxrelay/relay/common/httputil"
	"github.com/inboxrelay/relay/common/middleware"
	"github.com/inboxrelay/relay/common/models"
	"github.com/inboxrelay/relay/common/render"
)

// WorkerClient talks to the worker's internal API.
type WorkerClient struct {
	baseURL     string
	internalKey string
	client      *http.Client
}

// APIError is a non-2xx worker response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("worker returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("worker returned %d: %s", e.StatusCode, e.Message)
}

// PreviewResult is a rendered step as returned by the worker. Outputs is
// kept generic since its shape depends on the channel.
type PreviewResult struct {
	StepID  string         `json:"stepId,omitempty" yaml:"stepId,omitempty"`
	Channel models.Channel `json:"channel" yaml:"channel"`
	Outputs map[string]any `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Issues  []render.Issue `json:"issues,omitempty" yaml:"issues,omitempty"`
	Skipped bool           `json:"skipped,omitempty" yaml:"skipped,omitempty"`
}

type Counts struct {
	UnseenCount int  `json:"unseenCount"`
	UnreadCount int  `json:"unreadCount"`
	HasMore     bool `json:"hasMore"`
}

type MessagesResponse struct {
	Data   []models.Message `json:"data"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

func NewWorkerClient(baseURL, internalKey string) *WorkerClient {
	return &WorkerClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		internalKey: internalKey,
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *WorkerClient) doRequest(method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(bodyBytes)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.internalKey != "" {
		req.Header.Set(middleware.InternalKeyHeader, c.internalKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var er httputil.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&er)
		if er.Error == "" {
			er.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Code: er.Code, Message: er.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func subscriberPath(environmentID, subscriberID string) string {
	return "/api/v1/environments/" + url.PathEscape(environmentID) + "/subscribers/" + url.PathEscape(subscriberID)
}

func (c *WorkerClient) Preview(req render.Request) (*PreviewResult, error) {
	var out PreviewResult
	if err := c.doRequest(http.MethodPost, "/api/v1/preview", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitJob renders and delivers a job synchronously. The raw result is
// returned for printing.
func (c *WorkerClient) SubmitJob(job any) (map[string]any, error) {
	var out map[string]any
	if err := c.doRequest(http.MethodPost, "/api/v1/jobs", job, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *WorkerClient) ListMessages(environmentID, subscriberID string, limit, offset int) (*MessagesResponse, error) {
	path := fmt.Sprintf("%s/messages?limit=%d&offset=%d", subscriberPath(environmentID, subscriberID), limit, offset)
	var out MessagesResponse
	if err := c.doRequest(http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *WorkerClient) Counts(environmentID, subscriberID string) (*Counts, error) {
	var out Counts
	if err := c.doRequest(http.MethodGet, subscriberPath(environmentID, subscriberID)+"/counts", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChangeState applies change to messageID, or to every message when change
// is read_all or seen_all.
func (c *WorkerClient) ChangeState(environmentID, subscriberID, messageID string, change models.ChangeKind) (int64, error) {
	path := subscriberPath(environmentID, subscriberID) + "/messages/"
	if change == models.ChangeReadAll || change == models.ChangeSeenAll {
		path += string(change)
	} else {
		path += url.PathEscape(messageID) + "/" + string(change)
	}

	var out struct {
		Changed int64 `json:"changed"`
	}
	if err := c.doRequest(http.MethodPost, path, nil, &out); err != nil {
		return 0, err
	}
	return out.Changed, nil
}

func (c *WorkerClient) PutTranslation(resourceType, resourceID, locale string, content map[string]any) error {
	path := fmt.Sprintf("/api/v1/translations/%s/%s/%s",
		url.PathEscape(resourceType), url.PathEscape(resourceID), url.PathEscape(locale))
	return c.doRequest(http.MethodPut, path, content, nil)
}
