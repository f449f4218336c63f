// Package platform talks to the X API v2. Remote failures are classified
// into the transient/permanent taxonomy so callers can decide retry behavior
// with errors.Is alone.
package platform

import (
	"context"
	"time"
)

// Credentials is the per-call auth material. The engine resolves it from the
// credential store per tenant; the client itself is tenant-agnostic.
type Credentials struct {
	AccessToken string
}

// User is a platform account as returned by lookups and searches.
type User struct {
	ID       string
	Handle   string
	Name     string
	Verified bool
}

// Metrics is the public engagement counters for one post.
type Metrics struct {
	Impressions int
	Likes       int
	Reposts     int
	Replies     int
}

// Token is the result of an OAuth refresh. RefreshToken may be empty when
// the platform did not rotate it; callers keep the old one in that case.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// API is the platform capability surface the engine depends on.
type API interface {
	// CreatePost publishes body and returns the remote post ID. A non-empty
	// inReplyTo chains the post under an existing one; a non-empty mediaID
	// attaches previously uploaded media.
	CreatePost(ctx context.Context, creds Credentials, body, inReplyTo, mediaID string) (string, error)

	// UploadMedia fetches the image at imageURL and uploads it, returning
	// the media reference to attach on a post.
	UploadMedia(ctx context.Context, creds Credentials, imageURL string) (string, error)

	// Me returns the authenticated account.
	Me(ctx context.Context, creds Credentials) (User, error)

	// SearchUsers finds up to limit accounts matching the keyword.
	SearchUsers(ctx context.Context, creds Credentials, keyword string, limit int) ([]User, error)

	// Follow follows the target account on behalf of the caller.
	Follow(ctx context.Context, creds Credentials, selfID, targetID string) error

	// Unfollow reverses a follow of the target account.
	Unfollow(ctx context.Context, creds Credentials, selfID, targetID string) error

	// PostMetrics fetches engagement counters for a published post.
	PostMetrics(ctx context.Context, creds Credentials, remoteID string) (Metrics, error)

	// RefreshToken exchanges a refresh token for a fresh access token.
	RefreshToken(ctx context.Context, refreshToken string) (Token, error)
}
