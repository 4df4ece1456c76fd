// Package tcia is a client for the TCIA/NBIA REST archive. It handles OAuth
// token authentication (including anonymous guest access), series metadata
// lookup, and retrieval of the per-slice DICOM files of a series, with an
// injected retry policy for transient failures and a shared rate limiter so
// parallel workers do not overload the archive.
package tcia

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// Credentials of the public NBIA OAuth client. These are published by
	// TCIA for API access and are not a secret.
	oauthClientID     = "nbiaRestAPIClient"
	oauthClientSecret = "ItsBetweenUAndMe"

	// GuestUsername downloads only publicly available collections.
	GuestUsername = "nbia_guest"
)

// Options configures a Client.
type Options struct {
	// APIURL is the base URL of the NBIA services API.
	APIURL string

	// LoginURL is the OAuth token endpoint.
	LoginURL string

	// RequestsPerSecond caps the request rate shared by all users of this
	// client. Zero means no limit.
	RequestsPerSecond float64

	// Retry is applied to transient failures of every archive operation.
	Retry RetryPolicy

	// HTTPClient overrides the transport, used by tests. Defaults to a
	// client with a generous timeout sized for multi-hundred-MB series.
	HTTPClient *http.Client

	Logger *zap.Logger
}

// Client talks to the NBIA archive. It is safe for concurrent use; the token
// is shared and refreshed under a mutex.
type Client struct {
	apiURL   string
	loginURL string
	http     *http.Client
	limiter  *rate.Limiter
	retry    RetryPolicy
	log      *zap.Logger

	mu           sync.Mutex
	username     string
	password     string
	token        string
	refreshToken string
	refreshAt    time.Time
}

// NewClient builds a client from opts. Call Login or GuestLogin before any
// archive operation.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Minute}
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		apiURL:   strings.TrimRight(opts.APIURL, "/"),
		loginURL: opts.LoginURL,
		http:     httpClient,
		limiter:  limiter,
		retry:    opts.Retry,
		log:      log,
	}
}

// tokenResponse is the OAuth token endpoint payload.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// Login obtains an access token for the given account.
func (c *Client) Login(ctx context.Context, username, password string) error {
	tok, err := c.requestToken(ctx, url.Values{
		"username":      {username},
		"password":      {password},
		"grant_type":    {"password"},
		"client_id":     {oauthClientID},
		"client_secret": {oauthClientSecret},
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username = username
	c.password = password
	c.storeToken(tok)
	return nil
}

// GuestLogin authenticates as the anonymous guest account, which can access
// only publicly available collections.
func (c *Client) GuestLogin(ctx context.Context) error {
	return c.Login(ctx, GuestUsername, "")
}

func (c *Client) requestToken(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.loginURL+"?"+form.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 500 {
			return nil, &TransientError{Status: resp.StatusCode}
		}
		return nil, &AuthError{Status: resp.StatusCode, Msg: strings.TrimSpace(string(body))}
	}
	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, &AuthError{Status: resp.StatusCode, Msg: "empty access token"}
	}
	return &tok, nil
}

// storeToken records tok and schedules a refresh at three quarters of its
// lifetime. Callers hold c.mu.
func (c *Client) storeToken(tok *tokenResponse) {
	c.token = tok.AccessToken
	c.refreshToken = tok.RefreshToken
	c.refreshAt = time.Now().Add(time.Duration(float64(tok.ExpiresIn)*0.75) * time.Second)
}

// authToken returns a valid bearer token, refreshing it when its scheduled
// refresh time has passed.
func (c *Client) authToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" {
		return "", &AuthError{Msg: "not logged in"}
	}
	if time.Now().Before(c.refreshAt) {
		return c.token, nil
	}

	c.log.Debug("refreshing archive token")
	tok, err := c.requestToken(ctx, url.Values{
		"refresh_token": {c.refreshToken},
		"grant_type":    {"refresh_token"},
		"client_id":     {oauthClientID},
		"client_secret": {oauthClientSecret},
	})
	if err != nil {
		// A rejected refresh token still leaves the password; fall back to a
		// fresh login before giving up.
		var ae *AuthError
		if errors.As(err, &ae) {
			tok, err = c.requestToken(ctx, url.Values{
				"username":      {c.username},
				"password":      {c.password},
				"grant_type":    {"password"},
				"client_id":     {oauthClientID},
				"client_secret": {oauthClientSecret},
			})
		}
		if err != nil {
			return "", err
		}
	}
	c.storeToken(tok)
	return c.token, nil
}

// SeriesMeta is the subset of the archive's series metadata the pipeline
// uses. The archive reports keys with embedded spaces.
type SeriesMeta struct {
	SeriesUID      string `json:"Series UID"`
	Collection     string `json:"Collection"`
	Modality       string `json:"Modality"`
	NumberOfImages string `json:"Number of Images"`
	FileSize       string `json:"File Size"`
}

// SeriesMetadata fetches the archive's metadata for one series.
func (c *Client) SeriesMetadata(ctx context.Context, seriesUID string) ([]SeriesMeta, error) {
	var metas []SeriesMeta
	err := c.retry.do(ctx, func() error {
		body, err := c.get(ctx, "/getSeriesMetaData", url.Values{"SeriesInstanceUID": {seriesUID}}, seriesUID)
		if err != nil {
			return err
		}
		defer body.Close()
		metas = metas[:0]
		if err := json.NewDecoder(body).Decode(&metas); err != nil {
			return fmt.Errorf("decoding series metadata: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(metas) == 0 {
		return nil, &NotFoundError{SeriesUID: seriesUID}
	}
	return metas, nil
}

// DownloadSeries retrieves the series ZIP, extracts the contained DICOM
// files into destDir, and returns their paths sorted by name. Transient
// failures restart the whole download under the retry policy.
func (c *Client) DownloadSeries(ctx context.Context, seriesUID, destDir string) ([]string, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, err
	}
	var files []string
	err := c.retry.do(ctx, func() error {
		zipPath := filepath.Join(destDir, "series.zip")
		if err := c.downloadImageZip(ctx, seriesUID, zipPath); err != nil {
			return err
		}
		defer os.Remove(zipPath)
		var err error
		files, err = extractDicoms(zipPath, destDir)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, &NotFoundError{SeriesUID: seriesUID}
	}
	c.log.Debug("downloaded series",
		zap.String("series", seriesUID),
		zap.Int("files", len(files)))
	return files, nil
}

// downloadImageZip streams the getImage response to zipPath.
func (c *Client) downloadImageZip(ctx context.Context, seriesUID, zipPath string) error {
	body, err := c.get(ctx, "/getImage", url.Values{"SeriesInstanceUID": {seriesUID}}, seriesUID)
	if err != nil {
		return err
	}
	defer body.Close()

	out, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, body); err != nil {
		out.Close()
		os.Remove(zipPath)
		// A connection dropped mid-transfer is as retryable as a 503.
		return &TransientError{Err: err}
	}
	return out.Close()
}

// get issues an authenticated GET and returns the response body on 200.
func (c *Client) get(ctx context.Context, path string, params url.Values, seriesUID string) (io.ReadCloser, error) {
	token, err := c.authToken(ctx)
	if err != nil {
		return nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, statusError(resp.StatusCode, seriesUID)
	}
	return resp.Body, nil
}

// transportError classifies transport-level failures. Everything except
// context cancellation is worth a retry.
func transportError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &TransientError{Err: err}
}

// extractDicoms unpacks every file of the series archive into destDir,
// flattening any directory structure and refusing entries that would escape
// the destination.
func extractDicoms(zipPath, destDir string) ([]string, error) {
	archive, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("corrupt series archive: %w", err)}
	}
	defer archive.Close()

	var files []string
	for _, entry := range archive.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(entry.Name)
		if name == "" || name == "." || strings.Contains(name, "..") {
			return nil, fmt.Errorf("series archive contains invalid entry %q", entry.Name)
		}
		destPath := filepath.Join(destDir, name)

		src, err := entry.Open()
		if err != nil {
			return nil, err
		}
		dst, err := os.Create(destPath)
		if err != nil {
			src.Close()
			return nil, err
		}
		_, err = io.Copy(dst, src)
		src.Close()
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, err
		}
		files = append(files, destPath)
	}
	sort.Strings(files)
	return files, nil
}
