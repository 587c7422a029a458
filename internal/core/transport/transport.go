// Package transport carries authenticated requests to a DVR server. Requests
// are asynchronous: results come back on channels so a single goroutine can
// own all session state.
package transport

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/net/http2"
)

const (
	LoginPath  = "/ajax/loginapp.php"
	LogoutPath = "/ajax/logoutapp.php"

	defaultTimeout = 30 * time.Second
	logoutTimeout  = 5 * time.Second
)

// ErrNotOnline is returned for requests sent without an authenticated session.
var ErrNotOnline = errors.New("transport: not online")

// Error is a request that reached the server but was refused.
type Error struct {
	Path       string
	StatusCode int
	Status     string
	Message    string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("transport: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("transport: %s: %s", e.Path, e.Status)
}

// EventKind identifies a session level transport event.
type EventKind int

const (
	LoginSucceeded EventKind = iota + 1
	LoginFailed
	Disconnected
)

func (k EventKind) String() string {
	switch k {
	case LoginSucceeded:
		return "login_succeeded"
	case LoginFailed:
		return "login_failed"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event reports a change of the transport's session. Err is set for LoginFailed.
type Event struct {
	Kind EventKind
	Err  error
}

// Reply is the outcome of one request. Exactly one of Body and Err is meaningful.
type Reply struct {
	Body []byte
	Err  error
}

// Transport is the request channel of one endpoint.
type Transport interface {
	// Login starts authentication; the outcome is reported on Events.
	Login(ctx context.Context, username, password string)
	// Logout drops the session. Disconnected is emitted if it was online.
	Logout()
	IsOnline() bool
	// Send issues a GET for path. The returned channel receives exactly one Reply.
	Send(ctx context.Context, path string) <-chan Reply
	Events() <-chan Event
	Close()
}

// Target resolves the address of the server at login time.
type Target interface {
	Hostname() string
	ServerPort() int
}

// Option configures an HTTPTransport.
type Option func(*HTTPTransport)

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option {
	return func(t *HTTPTransport) { t.timeout = d }
}

// HTTPTransport talks to the DVR web API over HTTPS with a cookie session.
// Every login gets its own client and cookie jar; only the connection pool
// is shared between sessions.
type HTTPTransport struct {
	target  Target
	log     *slog.Logger
	rt      *http.Transport
	timeout time.Duration

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.RWMutex
	online  bool
	cancel  context.CancelFunc // cancels the in-flight or current session
	session context.Context
	client  *resty.Client // bound to session
}

// NewHTTPTransport creates a transport for target. tlsConf decides which
// server certificates are accepted.
func NewHTTPTransport(target Target, tlsConf *tls.Config, log *slog.Logger, opts ...Option) (*HTTPTransport, error) {
	t := &HTTPTransport{
		target:  target,
		log:     log,
		timeout: defaultTimeout,
		events:  make(chan Event, 16),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}

	rt, err := newRoundTripper(tlsConf)
	if err != nil {
		return nil, err
	}
	t.rt = rt
	return t, nil
}

func newRoundTripper(tlsConf *tls.Config) (*http.Transport, error) {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     tlsConf,
		TLSHandshakeTimeout: 15 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConnsPerHost: 4,
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, fmt.Errorf("transport: configure http2: %w", err)
	}
	return tr, nil
}

// newClient returns a client with an empty cookie jar for one session.
func (t *HTTPTransport) newClient(base string) *resty.Client {
	jar, _ := cookiejar.New(nil) // never fails without options
	hc := &http.Client{Transport: t.rt, Jar: jar, Timeout: t.timeout}
	return resty.NewWithClient(hc).
		SetBaseURL(base).
		SetHeader("Accept", "application/xml, text/xml").
		SetHeader("User-Agent", "dvrsession")
}

// BaseURL returns the URL the next login will use.
func (t *HTTPTransport) BaseURL() string {
	return "https://" + net.JoinHostPort(t.target.Hostname(), strconv.Itoa(t.target.ServerPort()))
}

func (t *HTTPTransport) Events() <-chan Event { return t.events }

func (t *HTTPTransport) IsOnline() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online
}

// Login authenticates in the background. A previous session is abandoned.
func (t *HTTPTransport) Login(ctx context.Context, username, password string) {
	base := t.BaseURL()
	client := t.newClient(base)

	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	sess, cancel := context.WithCancel(ctx)
	t.session, t.cancel, t.client = sess, cancel, client
	wasOnline := t.online
	t.online = false
	t.mu.Unlock()

	if wasOnline {
		t.emit(Event{Kind: Disconnected})
	}

	go func() {
		err := postLogin(sess, client, username, password)

		t.mu.Lock()
		if sess.Err() != nil || t.session != sess {
			t.mu.Unlock()
			t.log.Debug("discarding login outcome of abandoned session", "base_url", base)
			return
		}
		t.online = err == nil
		t.mu.Unlock()

		if err != nil {
			t.log.Warn("login failed", "base_url", base, "error", err)
			t.emit(Event{Kind: LoginFailed, Err: err})
			return
		}
		t.log.Info("logged in", "base_url", base, "user", username)
		t.emit(Event{Kind: LoginSucceeded})
	}()
}

type loginResponse struct {
	XMLName xml.Name `xml:"response"`
	Status  string   `xml:"status"`
	Message string   `xml:"message"`
}

func postLogin(ctx context.Context, client *resty.Client, username, password string) error {
	resp, err := client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"login":       username,
			"password":    password,
			"from_client": "true",
		}).
		Post(LoginPath)
	if err != nil {
		return fmt.Errorf("transport: login: %w", err)
	}
	if resp.IsError() {
		return &Error{Path: LoginPath, StatusCode: resp.StatusCode(), Status: resp.Status()}
	}

	var lr loginResponse
	if err := xml.Unmarshal(resp.Body(), &lr); err != nil {
		// Servers that answer without a response document accept the login.
		return nil
	}
	if lr.Status != "OK" {
		msg := lr.Message
		if msg == "" {
			msg = "login rejected: " + lr.Status
		}
		return &Error{Path: LoginPath, StatusCode: resp.StatusCode(), Status: resp.Status(), Message: msg}
	}
	return nil
}

// Logout drops the session locally and notifies the server best-effort.
func (t *HTTPTransport) Logout() {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	client := t.client
	t.cancel, t.session, t.client = nil, nil, nil
	wasOnline := t.online
	t.online = false
	t.mu.Unlock()

	if !wasOnline {
		return
	}
	t.emit(Event{Kind: Disconnected})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
		defer cancel()
		if _, err := client.R().SetContext(ctx).Get(LogoutPath); err != nil {
			t.log.Debug("logout request failed", "error", err)
		}
	}()
}

// Send issues an authenticated GET in the background.
func (t *HTTPTransport) Send(ctx context.Context, path string) <-chan Reply {
	out := make(chan Reply, 1)

	t.mu.RLock()
	online, sess, client := t.online, t.session, t.client
	t.mu.RUnlock()
	if !online {
		out <- Reply{Err: ErrNotOnline}
		close(out)
		return out
	}

	go func() {
		defer close(out)
		reqCtx, cancel := mergeCancel(ctx, sess)
		defer cancel()

		resp, err := client.R().SetContext(reqCtx).Get(path)
		switch {
		case err != nil:
			out <- Reply{Err: fmt.Errorf("transport: GET %s: %w", path, err)}
		case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
			t.drop(sess)
			out <- Reply{Err: &Error{Path: path, StatusCode: resp.StatusCode(), Status: resp.Status()}}
		case resp.IsError():
			out <- Reply{Err: &Error{Path: path, StatusCode: resp.StatusCode(), Status: resp.Status()}}
		default:
			out <- Reply{Body: resp.Body()}
		}
	}()
	return out
}

// drop ends sess after the server refused its credentials.
func (t *HTTPTransport) drop(sess context.Context) {
	t.mu.Lock()
	if t.session != sess || !t.online {
		t.mu.Unlock()
		return
	}
	t.online = false
	t.cancel()
	t.cancel, t.session, t.client = nil, nil, nil
	t.mu.Unlock()

	t.log.Warn("server ended the session", "base_url", t.BaseURL())
	t.emit(Event{Kind: Disconnected})
}

// Close abandons the session without contacting the server.
func (t *HTTPTransport) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		if t.cancel != nil {
			t.cancel()
		}
		t.cancel, t.session, t.client = nil, nil, nil
		t.online = false
		t.mu.Unlock()
		close(t.done)
		t.rt.CloseIdleConnections()
	})
}

func (t *HTTPTransport) emit(evt Event) {
	select {
	case t.events <- evt:
	case <-t.done:
	}
}

// mergeCancel returns a context cancelled when either parent is done.
func mergeCancel(ctx, sess context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	if sess == nil {
		return merged, cancel
	}
	stop := context.AfterFunc(sess, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
