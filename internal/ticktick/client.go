// Package ticktick is a small client for the TickTick Open API v1, covering
// the calls the reconciler needs.
package ticktick

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"tickwatch/internal/domain"
)

const DefaultBaseURL = "https://api.ticktick.com/open/v1"

// Client talks to the upstream API. HTTPClient is expected to carry the
// bearer token, see Credentials.HTTPClient.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func New(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{BaseURL: baseURL, HTTPClient: httpClient}
}

// Credentials select the token source. With a refresh token and client
// credentials the access token is renewed automatically; otherwise the
// static access token is used as is.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ClientID     string
	ClientSecret string
	TokenURL     string
}

const DefaultTokenURL = "https://ticktick.com/oauth/token"

func (c Credentials) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	if c.RefreshToken != "" && c.ClientID != "" {
		tokenURL := c.TokenURL
		if tokenURL == "" {
			tokenURL = DefaultTokenURL
		}
		cfg := &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInHeader},
		}
		return cfg.TokenSource(ctx, &oauth2.Token{AccessToken: c.AccessToken, RefreshToken: c.RefreshToken}), nil
	}
	if c.AccessToken == "" {
		return nil, errors.New("ticktick: access token or refresh credentials required")
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.AccessToken, TokenType: "Bearer"}), nil
}

// HTTPClient returns an authenticated client whose requests time out after timeout.
func (c Credentials) HTTPClient(ctx context.Context, timeout time.Duration) (*http.Client, error) {
	ts, err := c.TokenSource(ctx)
	if err != nil {
		return nil, err
	}
	hc := oauth2.NewClient(ctx, ts)
	hc.Timeout = timeout
	return hc, nil
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) ListProjects(ctx context.Context) ([]domain.Project, error) {
	var projects []domain.Project
	body, err := c.get(ctx, "project")
	if err != nil {
		return nil, &domain.UpstreamError{Op: "list projects", Err: err}
	}
	if err := json.Unmarshal(body, &projects); err != nil {
		return nil, &domain.UpstreamError{Op: "list projects", Err: err}
	}
	return projects, nil
}

type projectData struct {
	Tasks []json.RawMessage `json:"tasks"`
}

// ListOpenTasks returns the incomplete tasks of one project.
func (c *Client) ListOpenTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	op := "list tasks " + projectID
	body, err := c.get(ctx, "project/"+url.PathEscape(projectID)+"/data")
	if err != nil {
		return nil, &domain.UpstreamError{Op: op, Err: err}
	}
	var data projectData
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, &domain.UpstreamError{Op: op, Err: err}
	}
	tasks := make([]domain.Task, 0, len(data.Tasks))
	for _, raw := range data.Tasks {
		t, err := domain.DecodeTask(raw)
		if err != nil {
			return nil, &domain.UpstreamError{Op: op, Err: err}
		}
		if t.ID == "" || t.IsCompleted() {
			continue
		}
		if t.ProjectID == "" {
			t.ProjectID = projectID
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// FetchTask looks up a single task. A 404, or an empty answer, is
// domain.ErrTaskNotFound.
func (c *Client) FetchTask(ctx context.Context, projectID, taskID string) (domain.Task, error) {
	op := "fetch task " + taskID
	body, err := c.get(ctx, "project/"+url.PathEscape(projectID)+"/task/"+url.PathEscape(taskID))
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	if err != nil {
		return domain.Task{}, &domain.UpstreamError{Op: op, Err: err}
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	t, err := domain.DecodeTask(body)
	if err != nil {
		return domain.Task{}, &domain.UpstreamError{Op: op, Err: err}
	}
	if t.ID == "" {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	if t.ProjectID == "" {
		t.ProjectID = projectID
	}
	return t, nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	u := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return b, nil
}
