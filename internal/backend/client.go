package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseSize = 1 << 20 // 1MB
)

// Client communicates with the remote lab-automation gateway: synchronous
// action submission and result polling over HTTP, live status delivery over
// an authenticated WebSocket.
type Client struct {
	baseURL    string
	wsBaseURL  string
	token      string
	httpClient *http.Client
}

// NewClient creates a gateway client. wsBaseURL may be empty, in which case
// the subscription URL is derived from baseURL (http -> ws).
func NewClient(baseURL, wsBaseURL, token string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if wsBaseURL == "" {
		wsBaseURL = deriveWSURL(baseURL)
	}
	return &Client{
		baseURL:   baseURL,
		wsBaseURL: strings.TrimRight(wsBaseURL, "/"),
		token:     token,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// NewClientWithHTTPClient is NewClient with an injected *http.Client (tests).
func NewClientWithHTTPClient(baseURL, wsBaseURL, token string, hc *http.Client) *Client {
	c := NewClient(baseURL, wsBaseURL, token)
	c.httpClient = hc
	return c
}

func deriveWSURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/api/action/subscribe"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/api/action/subscribe"
	}
	return baseURL + "/api/action/subscribe"
}

type submitEnvelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		TaskID string `json:"taskId"`
	} `json:"data"`
}

// Submit dispatches one action and returns the backend-issued task id.
// Transport errors, non-2xx responses and non-zero envelope codes all come
// back as *SubmissionError: no task id exists and nothing was recorded.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling submission: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/action/execute", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &SubmissionError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		return "", &SubmissionError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	var env submitEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&env); err != nil {
		return "", &SubmissionError{Err: &ParseError{Err: err}}
	}
	if env.Code != 0 {
		return "", &SubmissionError{Code: env.Code, Message: env.Message}
	}
	if env.Data.TaskID == "" {
		return "", &SubmissionError{Message: "response carried no task id"}
	}

	return env.Data.TaskID, nil
}

// PollResult fetches the current result for a task. Used as the
// fallback/refresh path when the stream is unavailable. The response uses
// the same envelope shapes as stream frames.
func (c *Client) PollResult(ctx context.Context, taskID string) (*StatusEvent, error) {
	u := c.baseURL + "/api/action/result?taskId=" + url.QueryEscape(taskID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("polling result for %s: %w", taskID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		return nil, fmt.Errorf("result poll returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading result body: %w", err)
	}

	ev := DecodeEvent(respBody)
	if ev.Kind != EventStatus {
		return nil, &ParseError{Raw: respBody}
	}
	return ev.Status, nil
}

// Subscribe opens the live status channel for a task. Frames are decoded
// into tagged Events; the channel closes when the connection drops or the
// returned close func is called. Close is idempotent.
func (c *Client) Subscribe(ctx context.Context, taskID string) (<-chan Event, func() error, error) {
	u, err := url.Parse(c.wsBaseURL)
	if err != nil {
		return nil, nil, &StreamError{TaskID: taskID, Err: err}
	}
	q := u.Query()
	q.Set("taskId", taskID)
	u.RawQuery = q.Encode()

	origin := c.baseURL
	if origin == "" {
		origin = "http://localhost/"
	}
	cfg, err := websocket.NewConfig(u.String(), origin)
	if err != nil {
		return nil, nil, &StreamError{TaskID: taskID, Err: err}
	}
	if c.token != "" {
		cfg.Header.Set("Authorization", "Bearer "+c.token)
	}

	ws, err := websocket.DialConfig(cfg)
	if err != nil {
		return nil, nil, &StreamError{TaskID: taskID, Err: err}
	}

	var once sync.Once
	closeConn := func() error {
		var cerr error
		once.Do(func() { cerr = ws.Close() })
		return cerr
	}

	events := make(chan Event)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer close(events)
		for {
			var raw []byte
			if err := websocket.Message.Receive(ws, &raw); err != nil {
				return
			}
			select {
			case events <- DecodeEvent(raw):
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-readerDone:
		}
	}()

	return events, closeConn, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
}
