// Package wsrpc implements robot.Dialer as JSON-RPC over a WebSocket.
//
// A connection authenticates once with an API key. The returned access token
// is a JWT whose exp claim bounds the session. Calls are multiplexed over the
// single socket and matched to responses by request id.
package wsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/biotinker/viam-homeassistant/internal/robot"
)

// Transport defaults.
const (
	defaultPort             = 8080
	defaultPath             = "/rpc"
	defaultHandshakeTimeout = 10 * time.Second

	// maxMessageSize bounds a single inbound frame.
	maxMessageSize = 1 << 20
)

// Options configures the Dialer.
type Options struct {
	// Port is used when the endpoint has no explicit port.
	Port int
	// Path is the RPC path on the robot.
	Path string
	// TLS selects wss:// for bare host endpoints.
	TLS bool
	// HandshakeTimeout bounds the WebSocket upgrade.
	HandshakeTimeout time.Duration
}

// Dialer opens wsrpc connections.
type Dialer struct {
	opts   Options
	dialer *websocket.Dialer
}

// NewDialer creates a Dialer, filling unset options with defaults.
func NewDialer(opts Options) *Dialer {
	if opts.Port == 0 {
		opts.Port = defaultPort
	}
	if opts.Path == "" {
		opts.Path = defaultPath
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &Dialer{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
	}
}

// Dial connects to endpoint and authenticates with creds.
//
// endpoint may be a bare host, host:port, or a full ws:// / wss:// URL.
//
// Returns:
//   - robot.Conn: authenticated connection
//   - error: wraps robot.ErrAuthRejected, robot.ErrUnreachable, or the ctx error
func (d *Dialer) Dial(ctx context.Context, endpoint string, creds robot.Credentials) (robot.Conn, error) {
	target, err := d.buildURL(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", robot.ErrUnreachable, err)
	}

	ws, resp, err := d.dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck // Handshake body is never read
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", robot.ErrAuthRejected, resp.StatusCode)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("dialing %s: %w", target, ctxErr)
		}
		return nil, fmt.Errorf("%w: dialing %s: %w", robot.ErrUnreachable, target, err)
	}

	c := newConn(ws)
	go c.readLoop()

	var auth AuthResult
	err = c.call(ctx, MethodAuthenticate, AuthParams{
		Entity: creds.APIKeyID,
		Credentials: AuthCredentials{
			Type:    credentialTypeAPIKey,
			Payload: creds.APIKey,
		},
	}, &auth)
	if err != nil {
		c.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("authenticating: %w", err)
	}
	if auth.AccessToken == "" {
		c.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("%w: empty access token", robot.ErrAuthRejected)
	}

	c.expiresAt = tokenExpiry(auth.AccessToken)
	return c, nil
}

// buildURL resolves endpoint into a WebSocket URL.
func (d *Dialer) buildURL(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", errors.New("empty endpoint")
	}

	if strings.Contains(endpoint, "://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return "", fmt.Errorf("parsing endpoint: %w", err)
		}
		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		}
		if u.Path == "" {
			u.Path = d.opts.Path
		}
		return u.String(), nil
	}

	host := endpoint
	if _, _, err := net.SplitHostPort(endpoint); err != nil {
		host = net.JoinHostPort(endpoint, strconv.Itoa(d.opts.Port))
	}

	scheme := "ws"
	if d.opts.TLS {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: host, Path: d.opts.Path}
	return u.String(), nil
}

// tokenExpiry reads the exp claim without verifying the signature. The robot
// verifies the token; the bridge only needs to know when to re-authenticate.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// conn is a robot.Conn over one WebSocket.
type conn struct {
	ws        *websocket.Conn
	expiresAt time.Time

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan Response

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ robot.Conn = (*conn)(nil)

func newConn(ws *websocket.Conn) *conn {
	ws.SetReadLimit(maxMessageSize)
	return &conn{
		ws:      ws,
		pending: make(map[string]chan Response),
		done:    make(chan struct{}),
	}
}

// readLoop dispatches responses to pending calls until the socket fails.
func (c *conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %w", robot.ErrClosed, err))
			return
		}

		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.pendingMu.Unlock()

		if ok {
			ch <- resp
		}
	}
}

// call sends one request and waits for its response or ctx.
func (c *conn) call(ctx context.Context, method string, params any, out any) error {
	select {
	case <-c.done:
		return c.closeErr
	default:
	}

	id := uuid.NewString()
	ch := make(chan Response, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(ctx, Request{ID: id, Method: method, Params: params}); err != nil {
		return err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error.err(method)
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("%w: decoding %s result: %w", robot.ErrRemote, method, err)
		}
		return nil
	case <-c.done:
		return c.closeErr
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

func (c *conn) write(ctx context.Context, req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", req.Method, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultHandshakeTimeout)
	}
	//nolint:errcheck // Deadline errors surface on the write below
	c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.shutdown(fmt.Errorf("%w: %w", robot.ErrClosed, err))
		return fmt.Errorf("%w: writing %s: %w", robot.ErrUnreachable, req.Method, err)
	}
	return nil
}

// shutdown closes the socket once and fails all pending calls.
func (c *conn) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.closeErr = reason
		close(c.done)
		c.ws.Close() //nolint:errcheck // Socket may already be gone
	})
}

func (c *conn) InvokeActuator(ctx context.Context, name string, dir robot.Direction, durationHint time.Duration) error {
	return c.call(ctx, MethodSetPower, SetPowerParams{
		Name:           name,
		Power:          dir.Power(),
		DurationHintMS: durationHint.Milliseconds(),
	}, nil)
}

func (c *conn) StopActuator(ctx context.Context, name string) error {
	return c.call(ctx, MethodStop, NameParams{Name: name}, nil)
}

func (c *conn) ReadSensor(ctx context.Context, name string) (robot.Readings, error) {
	var res ReadingsResult
	if err := c.call(ctx, MethodGetReadings, NameParams{Name: name}, &res); err != nil {
		return nil, err
	}
	if res.Readings == nil {
		res.Readings = robot.Readings{}
	}
	return res.Readings, nil
}

func (c *conn) ListResources(ctx context.Context) ([]robot.Resource, error) {
	var res ResourceNamesResult
	if err := c.call(ctx, MethodResourceNames, nil, &res); err != nil {
		return nil, err
	}
	return res.Resources, nil
}

func (c *conn) ListSensors(ctx context.Context) ([]string, error) {
	resources, err := c.ListResources(ctx)
	if err != nil {
		return nil, err
	}
	return robot.SensorNames(resources), nil
}

func (c *conn) Ping(ctx context.Context) error {
	var v VersionResult
	return c.call(ctx, MethodGetVersion, nil, &v)
}

func (c *conn) ExpiresAt() time.Time {
	return c.expiresAt
}

func (c *conn) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame and tears the socket down.
func (c *conn) Close() error {
	c.writeMu.Lock()
	//nolint:errcheck // Best-effort close frame
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	c.shutdown(robot.ErrClosed)
	return nil
}
