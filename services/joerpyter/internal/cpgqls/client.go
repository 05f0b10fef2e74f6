// Package cpgqls is a client for the query server protocol spoken by
// "joern --server": results are announced on a websocket and fetched over HTTP.
package cpgqls

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	helpers "github.com/joerpyter/go-joerpyter/pkg/shared"
	"github.com/joerpyter/go-joerpyter/pkg/shared/defs"
)

// ConnectedMessage is the greeting sent on the websocket endpoint
const ConnectedMessage = "connected"

var (
	ErrAuthFailed         = errors.New("basic authentication failed")
	ErrUnexpectedGreeting = errors.New("received unexpected first message on websocket endpoint")
)

type Client struct {
	endpoint   string
	username   string
	password   string
	httpClient *http.Client
	dialer     *websocket.Dialer
	timeout    time.Duration
}

type Option func(*Client)

// WithTimeout bounds each Send. Zero (the default) leaves queries unbounded.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for a server at endpoint ("host:port")
func New(endpoint, username, password string, opts ...Option) *Client {
	c := &Client{
		endpoint:   endpoint,
		username:   username,
		password:   password,
		httpClient: http.DefaultClient,
		dialer:     websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

func (c *Client) connectURL() string {
	return "ws://" + c.endpoint + "/connect"
}

func (c *Client) queryURL() string {
	return "http://" + c.endpoint + "/query"
}

func (c *Client) resultURL(id string) string {
	return "http://" + c.endpoint + "/result/" + id
}

func (c *Client) authHeader() http.Header {
	req := http.Request{Header: http.Header{}}
	req.SetBasicAuth(c.username, c.password)
	return req.Header
}

// Ping opens the notification websocket and waits for the greeting.
// It is the cheapest way to tell whether the server accepts connections.
func (c *Client) Ping(ctx context.Context) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	helpers.CloseOrLog(conn)
	return nil
}

// Send runs one query and returns its result. It does not retry.
func (c *Client) Send(ctx context.Context, query string) (defs.QueryResult, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return defs.QueryResult{}, err
	}
	defer func() { _ = conn.Close() }()

	// Closing the socket is the only way to abandon a query in flight
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	id, err := c.postQuery(ctx, query)
	if err != nil {
		return defs.QueryResult{}, err
	}

	if err := awaitCompletion(conn, id); err != nil {
		return defs.QueryResult{}, contextError(ctx, id, err)
	}

	return c.fetchResult(ctx, id)
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.connectURL(), c.authHeader())
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrAuthFailed
		}
		return nil, fmt.Errorf("connect to %s: %w", c.connectURL(), err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	_, msg, err := conn.ReadMessage()
	stop()
	if err != nil {
		helpers.CloseOrLog(conn)
		return nil, fmt.Errorf("read greeting: %w", err)
	}
	if string(msg) != ConnectedMessage {
		helpers.CloseOrLog(conn)
		return nil, fmt.Errorf("%w: %q", ErrUnexpectedGreeting, msg)
	}
	return conn, nil
}

type queryRequest struct {
	Query string `json:"query"`
}

type queryResponse struct {
	Success bool   `json:"success"`
	UUID    string `json:"uuid"`
}

func (c *Client) postQuery(ctx context.Context, query string) (string, error) {
	body, err := json.Marshal(queryRequest{Query: query})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.queryURL(), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post query: %w", err)
	}
	defer helpers.CloseOrLog(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return "", ErrAuthFailed
	default:
		return "", fmt.Errorf("could not post query to the HTTP endpoint: status %d", resp.StatusCode)
	}

	var qr queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return "", fmt.Errorf("decode query response: %w", err)
	}
	id, err := uuid.Parse(qr.UUID)
	if err != nil {
		return "", fmt.Errorf("server returned invalid query id %q: %w", qr.UUID, err)
	}
	return id.String(), nil
}

// awaitCompletion reads notifications until the server announces id.
// Notifications for other queries (another client on the same server) are skipped.
func awaitCompletion(conn *websocket.Conn, id string) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("waiting for query %s: %w", id, err)
		}
		if string(msg) == id {
			return nil
		}
	}
}

// contextError reports a failed wait in terms of the context when the context
// caused it, whether through its deadline on the socket or by closing it.
func contextError(ctx context.Context, id string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("waiting for query %s: %w", id, ctxErr)
	}
	// gorilla hides the net error behind its own type, which does not unwrap
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("waiting for query %s: %w", id, context.DeadlineExceeded)
	}
	return err
}

func (c *Client) fetchResult(ctx context.Context, id string) (defs.QueryResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resultURL(id), nil)
	if err != nil {
		return defs.QueryResult{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return defs.QueryResult{}, fmt.Errorf("get result: %w", err)
	}
	defer helpers.CloseOrLog(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return defs.QueryResult{}, ErrAuthFailed
	default:
		return defs.QueryResult{}, fmt.Errorf("could not fetch result %s: status %d", id, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return defs.QueryResult{}, fmt.Errorf("read result: %w", err)
	}
	return DecodeResult(body)
}

// DecodeResult parses a result payload. Missing fields stay at their zero
// values: empty text and a failure flag.
func DecodeResult(body []byte) (defs.QueryResult, error) {
	var result defs.QueryResult
	if err := json.Unmarshal(body, &result); err != nil {
		return defs.QueryResult{}, fmt.Errorf("decode result: %w", err)
	}
	return result, nil
}
