// Package remote implements the Realtime Store contract on top of a running
// ue1live service: rows travel over the HTTP row API and change
// notifications over the WebSocket change feed.
package remote

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

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"ue1live/pkg/interfaces"
	"ue1live/pkg/schema"
	"ue1live/pkg/types"
)

const (
	// DefaultQueueSize bounds undelivered changes per subscription.
	DefaultQueueSize = 256
	// DefaultReadTimeout is how long the feed may stay silent; the service
	// pings well within it.
	DefaultReadTimeout = 60 * time.Second
)

// Client is a RealtimeStore backed by a remote service.
type Client struct {
	baseURL     *url.URL
	httpClient  *http.Client
	dialer      *websocket.Dialer
	clientID    string
	queueSize   int
	readTimeout time.Duration

	mu     sync.Mutex
	feed   *feedConn // current change-feed connection, nil until first Subscribe
	closed bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithDialer replaces the default WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(cl *Client) { cl.dialer = d }
}

// WithClientID sets the id sent for per-client rate limiting.
func WithClientID(id string) Option {
	return func(cl *Client) { cl.clientID = id }
}

// WithQueueSize bounds undelivered changes per subscription.
func WithQueueSize(n int) Option {
	return func(cl *Client) {
		if n > 0 {
			cl.queueSize = n
		}
	}
}

// WithReadTimeout sets how long the change feed may stay silent before it
// is considered lost.
func WithReadTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.readTimeout = d
		}
	}
}

// New creates a client for the service at baseURL, e.g. http://localhost:8080.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parse service URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("service URL must be http or https, got %q", baseURL)
	}

	c := &Client{
		baseURL:     u,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		dialer:      websocket.DefaultDialer,
		clientID:    uuid.New().String(),
		queueSize:   DefaultQueueSize,
		readTimeout: DefaultReadTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ClientID returns the id this client presents to the service.
func (c *Client) ClientID() string {
	return c.clientID
}

// Upsert implements interfaces.RealtimeStore.
func (c *Client) Upsert(ctx context.Context, table string, row types.Row, conflictKey []string) (types.Row, error) {
	body := map[string]interface{}{"row": row, "conflict_key": conflictKey}
	var resp struct {
		Row types.Row `json:"row"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/rows/"+url.PathEscape(table)+"/upsert", nil, body, &resp); err != nil {
		return nil, err
	}
	return canonical(table, resp.Row)
}

// Update implements interfaces.RealtimeStore.
func (c *Client) Update(ctx context.Context, table string, partial types.Row, match types.Filter) (types.Row, error) {
	body := map[string]interface{}{"set": partial, "match": match}
	var resp struct {
		Row types.Row `json:"row"`
	}
	if err := c.do(ctx, http.MethodPatch, "/api/rows/"+url.PathEscape(table), nil, body, &resp); err != nil {
		return nil, err
	}
	return canonical(table, resp.Row)
}

// Select implements interfaces.RealtimeStore.
func (c *Client) Select(ctx context.Context, table string, filter types.Filter) ([]types.Row, error) {
	query := url.Values{}
	for column, v := range filter {
		query.Set(column, queryValue(v))
	}

	var resp struct {
		Rows []types.Row `json:"rows"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/rows/"+url.PathEscape(table), query, nil, &resp); err != nil {
		return nil, err
	}

	rows := make([]types.Row, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		r, err := canonical(table, row)
		if err != nil {
			return nil, err
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// Subscribe implements interfaces.RealtimeStore. All subscriptions share
// one feed connection; when it drops every one of them is signalled lost and
// the next Subscribe dials afresh.
func (c *Client) Subscribe(ctx context.Context, table string, filter types.Filter, onChange interfaces.ChangeHandler) (interfaces.Subscription, error) {
	if onChange == nil {
		return nil, errors.New("change handler is required")
	}
	if _, err := schema.Lookup(table); err != nil {
		return nil, err
	}

	feed, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	return feed.subscribe(ctx, table, filter, onChange)
}

// Close drops the change feed; live subscriptions are signalled lost.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	feed := c.feed
	c.feed = nil
	c.mu.Unlock()

	if feed != nil {
		feed.shutdown()
	}
	return nil
}

func (c *Client) connect(ctx context.Context) (*feedConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}
	if c.feed != nil && !c.feed.isDone() {
		return c.feed, nil
	}

	wsURL := *c.baseURL
	if wsURL.Scheme == "https" {
		wsURL.Scheme = "wss"
	} else {
		wsURL.Scheme = "ws"
	}
	wsURL.Path = strings.TrimRight(wsURL.Path, "/") + "/ws"

	conn, _, err := c.dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial change feed")
	}

	c.feed = newFeedConn(conn, c.queueSize, c.readTimeout)
	return c.feed, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClientClosed
	}

	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Client-ID", c.clientID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

// decodeError maps an error body back onto the store's sentinel errors.
func decodeError(status int, data []byte) error {
	var body struct {
		Message string `json:"message"`
		Reason  string `json:"reason"`
	}
	_ = json.Unmarshal(data, &body)

	if sentinel := interfaces.FromReason(body.Reason); sentinel != nil {
		return errors.Wrap(sentinel, body.Message)
	}
	if body.Message == "" {
		body.Message = http.StatusText(status)
	}
	return errors.Wrapf(ErrUnexpectedStatus, "%d: %s", status, body.Message)
}

// canonical restores the store's value types lost in JSON transit, e.g.
// timestamps arriving as strings.
func canonical(table string, row types.Row) (types.Row, error) {
	t, err := schema.Lookup(table)
	if err != nil {
		return nil, err
	}
	out, err := t.CoerceRow(row)
	if err != nil {
		return nil, errors.Wrap(err, "decode row")
	}
	return out, nil
}

func queryValue(v interface{}) string {
	switch x := types.NormalizeValue(v).(type) {
	case nil:
		return ""
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}
