// Package mediaserver talks to a Jellyfin/Emby style media server: item
// lookup, playback negotiation, play-state reports and the session socket.
package mediaserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/justchokingaround/mbplay/internal/httpclient"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// ClientName is sent in the authorization header
const ClientName = "mbplay"

// ErrNotAuthenticated is returned by calls that need a token when none is held
var ErrNotAuthenticated = errors.New("not logged in to media server")

// Client is an authenticated connection to one media server
type Client struct {
	baseURL    string
	deviceName string
	deviceID   string
	version    string

	http    *httpclient.Client
	reports *httpclient.Client
	logger  *slog.Logger

	mu     sync.RWMutex
	token  *oauth2.Token
	userID string

	items singleflight.Group

	// Storage callbacks for credential persistence
	saveCredentials func(*oauth2.Token, string) error
}

// Config contains configuration for the media server client
type Config struct {
	BaseURL    string
	DeviceName string
	DeviceID   string
	Version    string

	// HTTP serves lookups and negotiation; Reports serves play-state
	// reports and must not retry. Both default when nil.
	HTTP    *httpclient.Client
	Reports *httpclient.Client
	Logger  *slog.Logger

	SaveCredentials func(token *oauth2.Token, userID string) error
	LoadCredentials func() (*oauth2.Token, string, error)
}

// NewClient creates a client, restoring stored credentials when a loader is given
func NewClient(cfg Config) *Client {
	if cfg.HTTP == nil {
		cfg.HTTP = httpclient.NewClient(httpclient.DefaultClientConfig())
	}
	if cfg.Reports == nil {
		cfg.Reports = httpclient.NewClient(httpclient.ClientConfig{DisableRetry: true})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	c := &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		deviceName:      cfg.DeviceName,
		deviceID:        cfg.DeviceID,
		version:         cfg.Version,
		http:            cfg.HTTP,
		reports:         cfg.Reports,
		logger:          cfg.Logger,
		saveCredentials: cfg.SaveCredentials,
	}

	if cfg.LoadCredentials != nil {
		token, userID, err := cfg.LoadCredentials()
		if err != nil {
			c.logger.Warn("failed to load stored credentials", "error", err)
		} else if token != nil {
			c.token = token
			c.userID = userID
		}
	}

	return c
}

// BaseURL returns the server root without a trailing slash
func (c *Client) BaseURL() string { return c.baseURL }

// DeviceID returns the identifier this client reports to the server
func (c *Client) DeviceID() string { return c.deviceID }

// UserID returns the logged-in user's id, or ""
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Token returns the access token, or "" when not logged in
func (c *Client) Token() string {
	tok, err := c.TokenSource().Token()
	if err != nil {
		return ""
	}
	return tok.AccessToken
}

// TokenSource exposes the current credentials as an oauth2.TokenSource
func (c *Client) TokenSource() oauth2.TokenSource {
	return tokenSource{c}
}

// Authenticated reports whether the client holds a usable token and user
func (c *Client) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token.Valid() && c.userID != ""
}

// SetCredentials installs a token and user id, persisting them when storage is configured.
// A nil token logs the client out.
func (c *Client) SetCredentials(token *oauth2.Token, userID string) error {
	c.mu.Lock()
	c.token = token
	c.userID = userID
	c.mu.Unlock()

	if c.saveCredentials != nil {
		if err := c.saveCredentials(token, userID); err != nil {
			return fmt.Errorf("failed to save credentials: %w", err)
		}
	}
	return nil
}

// Logout drops the held credentials
func (c *Client) Logout() error {
	return c.SetCredentials(nil, "")
}

type tokenSource struct{ c *Client }

func (s tokenSource) Token() (*oauth2.Token, error) {
	s.c.mu.RLock()
	defer s.c.mu.RUnlock()
	if !s.c.token.Valid() {
		return nil, ErrNotAuthenticated
	}
	return s.c.token, nil
}

// AuthorizationHeader builds the MediaBrowser authorization value. The token
// part is omitted before login.
func (c *Client) AuthorizationHeader() string {
	parts := []string{
		fmt.Sprintf("Client=%q", ClientName),
		fmt.Sprintf("Device=%q", c.deviceName),
		fmt.Sprintf("DeviceId=%q", c.deviceID),
		fmt.Sprintf("Version=%q", c.version),
	}
	if tok := c.Token(); tok != "" {
		parts = append(parts, fmt.Sprintf("Token=%q", tok))
	}
	return "MediaBrowser " + strings.Join(parts, ", ")
}

func (c *Client) headers() map[string]string {
	return map[string]string{"Authorization": c.AuthorizationHeader()}
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// Login authenticates with username and password and stores the resulting credentials
func (c *Client) Login(ctx context.Context, username, password string) (*AuthenticationResult, error) {
	resp, err := c.http.Post(ctx, c.endpoint("/Users/AuthenticateByName", nil),
		AuthenticateRequest{Username: username, Pw: password}, c.headers())
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	var result AuthenticationResult
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("failed to parse login response: %w", err)
	}
	if result.AccessToken == "" || result.User.ID == "" {
		return nil, errors.New("login response did not include a token")
	}

	token := &oauth2.Token{AccessToken: result.AccessToken, TokenType: "MediaBrowser"}
	if err := c.SetCredentials(token, result.User.ID); err != nil {
		return nil, err
	}

	c.logger.Info("logged in to media server", "user", result.User.Name, "server_id", result.ServerID)
	return &result, nil
}

// GetItem fetches an item with its media sources. Concurrent lookups of the
// same id share one request.
func (c *Client) GetItem(ctx context.Context, itemID string) (*Item, error) {
	if !c.Authenticated() {
		return nil, ErrNotAuthenticated
	}
	userID := c.UserID()

	v, err, _ := c.items.Do(userID+"/"+itemID, func() (interface{}, error) {
		resp, err := c.http.Get(ctx, c.endpoint("/Users/"+url.PathEscape(userID)+"/Items/"+url.PathEscape(itemID), nil), c.headers())
		if err != nil {
			return nil, err
		}
		var item Item
		if err := json.Unmarshal(resp.Body(), &item); err != nil {
			return nil, fmt.Errorf("failed to parse item: %w", err)
		}
		return &item, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get item %s: %w", itemID, err)
	}
	return v.(*Item), nil
}

// PlaybackInfo negotiates how itemID should be played under req's constraints
func (c *Client) PlaybackInfo(ctx context.Context, itemID string, req PlaybackInfoRequest) (*PlaybackInfoResponse, error) {
	if !c.Authenticated() {
		return nil, ErrNotAuthenticated
	}
	if req.UserID == "" {
		req.UserID = c.UserID()
	}

	resp, err := c.http.Post(ctx, c.endpoint("/Items/"+url.PathEscape(itemID)+"/PlaybackInfo", nil), req, c.headers())
	if err != nil {
		return nil, fmt.Errorf("playback negotiation failed for %s: %w", itemID, err)
	}

	var info PlaybackInfoResponse
	if err := json.Unmarshal(resp.Body(), &info); err != nil {
		return nil, fmt.Errorf("failed to parse playback info: %w", err)
	}
	return &info, nil
}

// ReportPlaybackStart posts /Sessions/Playing
func (c *Client) ReportPlaybackStart(ctx context.Context, r PlaybackReport) error {
	return c.report(ctx, "/Sessions/Playing", r)
}

// ReportPlaybackProgress posts /Sessions/Playing/Progress
func (c *Client) ReportPlaybackProgress(ctx context.Context, r PlaybackReport) error {
	return c.report(ctx, "/Sessions/Playing/Progress", r)
}

// ReportPlaybackStopped posts /Sessions/Playing/Stopped
func (c *Client) ReportPlaybackStopped(ctx context.Context, r PlaybackReport) error {
	return c.report(ctx, "/Sessions/Playing/Stopped", r)
}

func (c *Client) report(ctx context.Context, path string, r PlaybackReport) error {
	if !c.Authenticated() {
		return ErrNotAuthenticated
	}
	if _, err := c.reports.Post(ctx, c.endpoint(path, nil), r, c.headers()); err != nil {
		return fmt.Errorf("report %s failed: %w", path, err)
	}
	return nil
}

// ReportCapabilities registers this device as a controllable session
func (c *Client) ReportCapabilities(ctx context.Context) error {
	if !c.Authenticated() {
		return ErrNotAuthenticated
	}
	caps := Capabilities{
		PlayableMediaTypes:           []string{"Audio", "Video"},
		SupportedCommands:            []string{"Play", "Playstate"},
		SupportsMediaControl:         true,
		SupportsPersistentIdentifier: true,
	}
	if _, err := c.http.Post(ctx, c.endpoint("/Sessions/Capabilities/Full", nil), caps, c.headers()); err != nil {
		return fmt.Errorf("failed to report capabilities: %w", err)
	}
	return nil
}

// StaticStreamURL builds the direct-play URL for a media source
func (c *Client) StaticStreamURL(itemID string, src MediaSource, playSessionID string) string {
	q := url.Values{}
	q.Set("Static", "true")
	q.Set("MediaSourceId", src.ID)
	q.Set("DeviceId", c.deviceID)
	q.Set("api_key", c.Token())
	if playSessionID != "" {
		q.Set("PlaySessionId", playSessionID)
	}
	if src.ETag != "" {
		q.Set("Tag", src.ETag)
	}

	path := "/Videos/" + url.PathEscape(itemID) + "/stream"
	if src.Container != "" {
		path += "." + strings.Split(src.Container, ",")[0]
	}
	return c.endpoint(path, q)
}

// ServerURL resolves a server-relative path (e.g. a TranscodingUrl) against the base
func (c *Client) ServerURL(relative string) string {
	if strings.HasPrefix(relative, "http://") || strings.HasPrefix(relative, "https://") {
		return relative
	}
	if !strings.HasPrefix(relative, "/") {
		relative = "/" + relative
	}
	return c.baseURL + relative
}

// DownloadURL is the original-file endpoint for itemID
func (c *Client) DownloadURL(itemID string) string {
	q := url.Values{}
	q.Set("api_key", c.Token())
	return c.endpoint("/Items/"+url.PathEscape(itemID)+"/Download", q)
}

// DownloadHeaders returns the headers needed to fetch a download
func (c *Client) DownloadHeaders() map[string]string {
	return c.headers()
}

// WebURL is the item's page in the server's web client
func (c *Client) WebURL(itemID string) string {
	return c.baseURL + "/web/index.html#!/details?id=" + url.QueryEscape(itemID)
}
