package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"xpilot/internal/errdefs"
	logx "xpilot/pkg/logx"
)

const (
	defaultBaseURL = "https://api.x.com/2"
	tokenPath      = "/oauth2/token"
)

type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	// RatePerSec caps outbound requests across all tenants. 0 disables pacing.
	RatePerSec float64

	// OAuth app client used by RefreshToken.
	ClientID     string
	ClientSecret string
}

// Client is the HTTP implementation of API.
type Client struct {
	base         string
	httpc        *http.Client
	pacer        *rate.Limiter
	clientID     string
	clientSecret string
	log          logx.Logger
}

func NewClient(cfg ClientConfig, log logx.Logger) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var pacer *rate.Limiter
	if cfg.RatePerSec > 0 {
		pacer = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return &Client{
		base:         base,
		httpc:        &http.Client{Timeout: timeout},
		pacer:        pacer,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		log:          log,
	}
}

var _ API = (*Client)(nil)

type postBody struct {
	Text  string     `json:"text"`
	Reply *replyBody `json:"reply,omitempty"`
	Media *mediaBody `json:"media,omitempty"`
}

type replyBody struct {
	InReplyToTweetID string `json:"in_reply_to_tweet_id"`
}

type mediaBody struct {
	MediaIDs []string `json:"media_ids"`
}

func (c *Client) CreatePost(ctx context.Context, creds Credentials, body, inReplyTo, mediaID string) (string, error) {
	req := postBody{Text: body}
	if inReplyTo != "" {
		req.Reply = &replyBody{InReplyToTweetID: inReplyTo}
	}
	if mediaID != "" {
		req.Media = &mediaBody{MediaIDs: []string{mediaID}}
	}
	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.do(ctx, creds, http.MethodPost, "/tweets", nil, req, &out); err != nil {
		return "", err
	}
	if out.Data.ID == "" {
		return "", errdefs.Permanentf("create post: response carried no id")
	}
	return out.Data.ID, nil
}

func (c *Client) Me(ctx context.Context, creds Credentials) (User, error) {
	var out struct {
		Data struct {
			ID       string `json:"id"`
			Username string `json:"username"`
			Name     string `json:"name"`
			Verified bool   `json:"verified"`
		} `json:"data"`
	}
	q := url.Values{"user.fields": {"verified"}}
	if err := c.do(ctx, creds, http.MethodGet, "/users/me", q, nil, &out); err != nil {
		return User{}, err
	}
	return User{ID: out.Data.ID, Handle: out.Data.Username, Name: out.Data.Name, Verified: out.Data.Verified}, nil
}

func (c *Client) SearchUsers(ctx context.Context, creds Credentials, keyword string, limit int) ([]User, error) {
	if limit <= 0 {
		limit = 10
	}
	q := url.Values{
		"query":       {keyword},
		"max_results": {strconv.Itoa(limit)},
		"user.fields": {"verified"},
	}
	var out struct {
		Data []struct {
			ID       string `json:"id"`
			Username string `json:"username"`
			Name     string `json:"name"`
			Verified bool   `json:"verified"`
		} `json:"data"`
	}
	if err := c.do(ctx, creds, http.MethodGet, "/users/search", q, nil, &out); err != nil {
		return nil, err
	}
	users := make([]User, 0, len(out.Data))
	for _, d := range out.Data {
		users = append(users, User{ID: d.ID, Handle: d.Username, Name: d.Name, Verified: d.Verified})
	}
	return users, nil
}

func (c *Client) Follow(ctx context.Context, creds Credentials, selfID, targetID string) error {
	req := map[string]string{"target_user_id": targetID}
	var out struct {
		Data struct {
			Following bool `json:"following"`
		} `json:"data"`
	}
	return c.do(ctx, creds, http.MethodPost, "/users/"+url.PathEscape(selfID)+"/following", nil, req, &out)
}

func (c *Client) Unfollow(ctx context.Context, creds Credentials, selfID, targetID string) error {
	path := "/users/" + url.PathEscape(selfID) + "/following/" + url.PathEscape(targetID)
	var out struct {
		Data struct {
			Following bool `json:"following"`
		} `json:"data"`
	}
	return c.do(ctx, creds, http.MethodDelete, path, nil, nil, &out)
}

// UploadMedia fetches the image and forwards it as a multipart upload. The
// returned media ID attaches on a subsequent CreatePost.
func (c *Client) UploadMedia(ctx context.Context, creds Credentials, imageURL string) (string, error) {
	if creds.AccessToken == "" {
		return "", errdefs.Configf("no access token for media upload")
	}
	img, err := c.fetchImage(ctx, imageURL)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("media", "media")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(img); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/media/upload", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.send(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", classifyStatus(resp.StatusCode, readSnippet(resp.Body), "media upload")
	}
	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errdefs.Transientf("media upload: decode response: %v", err)
	}
	if out.Data.ID == "" {
		return "", errdefs.Permanentf("media upload: response carried no id")
	}
	return out.Data.ID, nil
}

// fetchImage downloads the generated image before re-uploading it. The
// generator hands back hosted URLs, not bytes.
func (c *Client) fetchImage(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, errdefs.Permanentf("fetch image: %v", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errdefs.Transientf("fetch image: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, readSnippet(resp.Body), "fetch image")
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) PostMetrics(ctx context.Context, creds Credentials, remoteID string) (Metrics, error) {
	q := url.Values{"tweet.fields": {"public_metrics"}}
	var out struct {
		Data struct {
			PublicMetrics struct {
				Impressions int `json:"impression_count"`
				Likes       int `json:"like_count"`
				Reposts     int `json:"retweet_count"`
				Replies     int `json:"reply_count"`
			} `json:"public_metrics"`
		} `json:"data"`
	}
	if err := c.do(ctx, creds, http.MethodGet, "/tweets/"+url.PathEscape(remoteID), q, nil, &out); err != nil {
		return Metrics{}, err
	}
	pm := out.Data.PublicMetrics
	return Metrics{Impressions: pm.Impressions, Likes: pm.Likes, Reposts: pm.Reposts, Replies: pm.Replies}, nil
}

func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (Token, error) {
	if refreshToken == "" {
		return Token{}, errdefs.Configf("refresh token is empty")
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.clientSecret != "" {
		req.SetBasicAuth(c.clientID, c.clientSecret)
	}

	resp, err := c.send(ctx, req)
	if err != nil {
		return Token{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Token{}, classifyStatus(resp.StatusCode, readSnippet(resp.Body), "token refresh")
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Token{}, errdefs.Transientf("token refresh: decode response: %v", err)
	}
	if out.AccessToken == "" {
		return Token{}, errdefs.Permanentf("token refresh: response carried no access token")
	}
	return Token{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		ExpiresIn:    time.Duration(out.ExpiresIn) * time.Second,
	}, nil
}

func (c *Client) do(ctx context.Context, creds Credentials, method, path string, q url.Values, in, out any) error {
	if creds.AccessToken == "" {
		return errdefs.Configf("no access token for %s %s", method, path)
	}

	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.send(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyStatus(resp.StatusCode, readSnippet(resp.Body), method+" "+path)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errdefs.Transientf("%s %s: decode response: %v", method, path, err)
	}
	return nil
}

// send paces and performs one request. Transport-level failures are
// transient: the request never reached a platform decision.
func (c *Client) send(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.pacer != nil {
		if err := c.pacer.Wait(ctx); err != nil {
			return nil, err
		}
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errdefs.Transientf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	return resp, nil
}

// classifyStatus maps an HTTP status to the failure taxonomy: 429 and 5xx
// are transient, everything else in 4xx is a platform rejection.
func classifyStatus(status int, snippet, op string) error {
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return errdefs.Transientf("%s: status %d: %s", op, status, snippet)
	default:
		return errdefs.Permanentf("%s: status %d: %s", op, status, snippet)
	}
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	s := strings.TrimSpace(string(b))
	if s == "" {
		return "<empty body>"
	}
	return s
}

// FreshestToken picks the access token to use given a possibly stale record:
// it is a plain helper so callers do not need to reimplement the expiry
// comparison.
func FreshestToken(access string, expiresAt *time.Time, now time.Time) (string, error) {
	if access == "" {
		return "", errdefs.Configf("credential has no access token")
	}
	if expiresAt != nil && !expiresAt.After(now) {
		return "", errdefs.Configf("access token expired at %s", expiresAt.UTC().Format(time.RFC3339))
	}
	return access, nil
}
