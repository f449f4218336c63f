package credentials

import (
	"context"
	"errors"
	"testing"
	"time"

	"xpilot/internal/clock"
	"xpilot/internal/errdefs"
	"xpilot/internal/platform"
	"xpilot/internal/storage"
	logx "xpilot/pkg/logx"
)

type stubStore struct {
	records map[uint]*storage.CredentialRecord
	saved   []storage.CredentialRecord
}

func newStubStore(records ...storage.CredentialRecord) *stubStore {
	s := &stubStore{records: map[uint]*storage.CredentialRecord{}}
	for i := range records {
		r := records[i]
		s.records[r.TenantID] = &r
	}
	return s
}

func (s *stubStore) CredentialForTenant(_ context.Context, tenantID uint) (*storage.CredentialRecord, error) {
	r, ok := s.records[tenantID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *stubStore) CredentialsByMethod(_ context.Context, m storage.AuthMethod) ([]storage.CredentialRecord, error) {
	var out []storage.CredentialRecord
	for _, r := range s.records {
		if r.Method == m {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *stubStore) SaveCredential(_ context.Context, c *storage.CredentialRecord) error {
	cp := *c
	s.records[c.TenantID] = &cp
	s.saved = append(s.saved, cp)
	return nil
}

type stubRefresherAPI struct {
	calls  int
	tokens map[string]platform.Token
	errFor map[string]error
}

func (s *stubRefresherAPI) RefreshToken(_ context.Context, rt string) (platform.Token, error) {
	s.calls++
	if err := s.errFor[rt]; err != nil {
		return platform.Token{}, err
	}
	tok, ok := s.tokens[rt]
	if !ok {
		return platform.Token{}, errdefs.Permanentf("unknown refresh token")
	}
	return tok, nil
}

func ptr(t time.Time) *time.Time { return &t }

func TestRunRefreshesOnlyWithinHorizon(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	clk := clock.NewFake(now)

	st := newStubStore(
		storage.CredentialRecord{
			TenantID: 1, Method: storage.AuthRefreshable,
			AccessToken: "at-1", RefreshToken: "rt-1",
			ExpiresAt: ptr(now.Add(10 * time.Minute)), // inside 30m horizon
		},
		storage.CredentialRecord{
			TenantID: 2, Method: storage.AuthRefreshable,
			AccessToken: "at-2", RefreshToken: "rt-2",
			ExpiresAt: ptr(now.Add(2 * time.Hour)), // outside horizon
		},
		storage.CredentialRecord{
			TenantID: 3, Method: storage.AuthStaticKeys,
			AccessToken: "static",
		},
	)
	api := &stubRefresherAPI{tokens: map[string]platform.Token{
		"rt-1": {AccessToken: "at-1-new", RefreshToken: "rt-1-new", ExpiresIn: 2 * time.Hour},
	}}
	r := New(st, api, DefaultHorizon, clk, logx.Nop())

	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if api.calls != 1 {
		t.Fatalf("refresh calls = %d, want 1", api.calls)
	}

	got := st.records[1]
	if got.AccessToken != "at-1-new" || got.RefreshToken != "rt-1-new" {
		t.Fatalf("tenant 1 = %+v", got)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(now.Add(2*time.Hour).UTC()) {
		t.Fatalf("tenant 1 expiry = %v", got.ExpiresAt)
	}
	if st.records[2].AccessToken != "at-2" {
		t.Fatal("tenant 2 outside horizon must not change")
	}
	if st.records[3].AccessToken != "static" {
		t.Fatal("static keys must never refresh")
	}
}

func TestRunKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	st := newStubStore(storage.CredentialRecord{
		TenantID: 1, Method: storage.AuthRefreshable,
		AccessToken: "old", RefreshToken: "rt-stable",
		ExpiresAt: ptr(now.Add(time.Minute)),
	})
	api := &stubRefresherAPI{tokens: map[string]platform.Token{
		"rt-stable": {AccessToken: "new", ExpiresIn: time.Hour}, // no rotation
	}}
	r := New(st, api, DefaultHorizon, clock.NewFake(now), logx.Nop())

	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := st.records[1]
	if got.AccessToken != "new" || got.RefreshToken != "rt-stable" {
		t.Fatalf("record = %+v, refresh token must survive", got)
	}
}

func TestRunIsolatesFailures(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	st := newStubStore(
		storage.CredentialRecord{
			TenantID: 1, Method: storage.AuthRefreshable,
			AccessToken: "a", RefreshToken: "rt-bad",
			ExpiresAt: ptr(now.Add(time.Minute)),
		},
		storage.CredentialRecord{
			TenantID: 2, Method: storage.AuthRefreshable,
			AccessToken: "b", RefreshToken: "rt-good",
			ExpiresAt: ptr(now.Add(time.Minute)),
		},
	)
	api := &stubRefresherAPI{
		tokens: map[string]platform.Token{"rt-good": {AccessToken: "b-new", ExpiresIn: time.Hour}},
		errFor: map[string]error{"rt-bad": errdefs.Transientf("oauth endpoint down")},
	}
	r := New(st, api, DefaultHorizon, clock.NewFake(now), logx.Nop())

	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st.records[2].AccessToken != "b-new" {
		t.Fatal("healthy record must refresh despite sibling failure")
	}
	if st.records[1].AccessToken != "a" {
		t.Fatal("failed record must stay untouched")
	}
}

func TestFresh(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	clk := clock.NewFake(now)

	st := newStubStore(
		storage.CredentialRecord{
			TenantID: 1, Method: storage.AuthStaticKeys, AccessToken: "static-at",
		},
		storage.CredentialRecord{
			TenantID: 2, Method: storage.AuthRefreshable,
			AccessToken: "stale-at", RefreshToken: "rt-2",
			ExpiresAt: ptr(now.Add(-time.Minute)), // already expired
		},
	)
	api := &stubRefresherAPI{tokens: map[string]platform.Token{
		"rt-2": {AccessToken: "fresh-at", ExpiresIn: time.Hour},
	}}
	r := New(st, api, DefaultHorizon, clk, logx.Nop())

	creds, err := r.Fresh(context.Background(), 1)
	if err != nil || creds.AccessToken != "static-at" {
		t.Fatalf("static = %+v, %v", creds, err)
	}

	creds, err = r.Fresh(context.Background(), 2)
	if err != nil || creds.AccessToken != "fresh-at" {
		t.Fatalf("inline refresh = %+v, %v", creds, err)
	}

	if _, err := r.Fresh(context.Background(), 404); !errors.Is(err, errdefs.ErrConfig) {
		t.Fatalf("missing credential err = %v, want ErrConfig", err)
	}
}
