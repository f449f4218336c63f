package autopilot

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"xpilot/internal/ai"
	"xpilot/internal/clock"
	"xpilot/internal/errdefs"
	"xpilot/internal/format"
	"xpilot/internal/platform"
	"xpilot/internal/settings"
	"xpilot/internal/storage"
	logx "xpilot/pkg/logx"
)

type fakeStore struct {
	mu        sync.Mutex
	tenants   []storage.Tenant
	strategy  map[uint]*storage.Strategy
	persona   map[uint]*storage.Persona
	aiPosts   map[uint]int64
	followCnt map[uint]int64
	created   []*storage.Post
	targets   map[string]*storage.FollowTarget
}

func newFakeStore(tenants ...storage.Tenant) *fakeStore {
	return &fakeStore{
		tenants:   tenants,
		strategy:  map[uint]*storage.Strategy{},
		persona:   map[uint]*storage.Persona{},
		aiPosts:   map[uint]int64{},
		followCnt: map[uint]int64{},
		targets:   map[string]*storage.FollowTarget{},
	}
}

func (f *fakeStore) ActiveTenants(context.Context) ([]storage.Tenant, error) {
	return append([]storage.Tenant(nil), f.tenants...), nil
}

func (f *fakeStore) ActiveStrategy(_ context.Context, id uint) (*storage.Strategy, error) {
	return f.strategy[id], nil
}

func (f *fakeStore) ActivePersona(_ context.Context, id uint) (*storage.Persona, error) {
	return f.persona[id], nil
}

func (f *fakeStore) CountAIPostsSince(_ context.Context, id uint, _ time.Time) (int64, error) {
	return f.aiPosts[id], nil
}

func (f *fakeStore) CreatePost(_ context.Context, p *storage.Post) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, p)
	return nil
}

func (f *fakeStore) FollowTargetExists(_ context.Context, remoteID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.targets[remoteID]
	return ok, nil
}

func (f *fakeStore) CreateFollowTarget(_ context.Context, t *storage.FollowTarget) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets[t.RemoteUserID] = t
	return nil
}

func (f *fakeStore) CountUsageSince(_ context.Context, id uint, cat storage.UsageCategory, _ time.Time) (int64, error) {
	if cat == storage.UsageFollow {
		return f.followCnt[id], nil
	}
	return 0, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []*storage.Post
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, p *storage.Post, _ storage.Tier, _ platform.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, p)
	return nil
}

type fakeCreds struct{ err error }

func (f *fakeCreds) Fresh(context.Context, uint) (platform.Credentials, error) {
	if f.err != nil {
		return platform.Credentials{}, f.err
	}
	return platform.Credentials{AccessToken: "tok"}, nil
}

type fakeGen struct {
	post     string
	thread   []string
	imageURL string
	imageErr error
	lastReq  ai.Request
}

func (f *fakeGen) GeneratePost(_ context.Context, req ai.Request) (string, error) {
	f.lastReq = req
	return f.post, nil
}

func (f *fakeGen) GenerateThread(_ context.Context, req ai.Request) ([]string, error) {
	f.lastReq = req
	return f.thread, nil
}

func (f *fakeGen) GenerateImage(context.Context, string) (string, error) {
	if f.imageErr != nil {
		return "", f.imageErr
	}
	return f.imageURL, nil
}

type fakeSocial struct {
	mu       sync.Mutex
	me       platform.User
	found    map[string][]platform.User
	followed []string
	failFor  map[string]error
}

func (f *fakeSocial) Me(context.Context, platform.Credentials) (platform.User, error) {
	return f.me, nil
}

func (f *fakeSocial) SearchUsers(_ context.Context, _ platform.Credentials, kw string, _ int) ([]platform.User, error) {
	return f.found[kw], nil
}

func (f *fakeSocial) Follow(_ context.Context, _ platform.Credentials, _, targetID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[targetID]; err != nil {
		return err
	}
	f.followed = append(f.followed, targetID)
	return nil
}

type fakeLimiter struct {
	allowErr   error
	allowAfter int // deny with quota after this many allows, 0 = never
	allows     int
	records    int
	paced      int
}

func (f *fakeLimiter) Allow(context.Context, uint, storage.Tier, storage.UsageCategory) error {
	f.allows++
	if f.allowErr != nil {
		return f.allowErr
	}
	if f.allowAfter > 0 && f.allows > f.allowAfter {
		return errdefs.Quotaf("exhausted")
	}
	return nil
}

func (f *fakeLimiter) Record(context.Context, uint, storage.Tier, storage.UsageCategory) error {
	f.records++
	return nil
}

func (f *fakeLimiter) PaceFollow(context.Context, uint, time.Duration) error {
	f.paced++
	return nil
}

func autoDefaults(extra map[string]string) map[string]string {
	d := map[string]string{
		settings.KeyAutoPilotEnabled:  "true",
		settings.KeyAutoPostEnabled:   "true",
		settings.KeyAutoPostWithImage: "false",
		settings.KeyAutoFollowEnabled: "true",
	}
	for k, v := range extra {
		d[k] = v
	}
	return d
}

func newDispatcher(st *fakeStore, pub *fakePublisher, gen *fakeGen, soc *fakeSocial, lim *fakeLimiter, defaults map[string]string) *Dispatcher {
	res := settings.NewResolver(nil, defaults)
	sel := format.New(rand.NewSource(1))
	clk := clock.NewFake(time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC))
	return New(st, pub, &fakeCreds{}, gen, soc, lim, res, sel, clk, logx.Nop(), Config{FollowPause: time.Nanosecond})
}

func TestAutoPostPublishesWithinCap(t *testing.T) {
	t.Parallel()
	st := newFakeStore(storage.Tenant{ID: 1, Tier: storage.TierPro, IsActive: true})
	st.strategy[1] = &storage.Strategy{ID: 9, TenantID: 1, MixRaw: `{"short": 1}`, PillarsRaw: `["golang","devops"]`}
	st.persona[1] = &storage.Persona{ID: 4, TenantID: 1, Name: "The Gopher", Tone: "playful"}
	pub := &fakePublisher{}
	gen := &fakeGen{post: "a generated post"}
	d := newDispatcher(st, pub, gen, &fakeSocial{}, &fakeLimiter{}, autoDefaults(nil))

	if err := d.RunAutoPost(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(st.created) != 1 || len(pub.published) != 1 {
		t.Fatalf("created %d, published %d", len(st.created), len(pub.published))
	}
	p := st.created[0]
	if !p.AIGenerated || p.Body != "a generated post" || p.Format != storage.FormatShort {
		t.Fatalf("post = %+v", p)
	}
	if p.PersonaID == nil || *p.PersonaID != 4 {
		t.Fatalf("persona id = %v", p.PersonaID)
	}
	if gen.lastReq.Persona.Name != "The Gopher" || len(gen.lastReq.Pillars) != 2 {
		t.Fatalf("generation request = %+v", gen.lastReq)
	}
}

func TestAutoPostSkipsWhenDisabledOrNoStrategy(t *testing.T) {
	t.Parallel()
	st := newFakeStore(
		storage.Tenant{ID: 1, Tier: storage.TierPro, IsActive: true}, // no strategy
		storage.Tenant{ID: 2, Tier: storage.TierPro, IsActive: true}, // disabled below
	)
	pub := &fakePublisher{}
	d := newDispatcher(st, pub, &fakeGen{post: "x"}, &fakeSocial{}, &fakeLimiter{},
		map[string]string{settings.KeyAutoPilotEnabled: "false"})

	if err := d.RunAutoPost(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(st.created) != 0 {
		t.Fatalf("created = %d, want 0", len(st.created))
	}
}

func TestAutoPostDailyCap(t *testing.T) {
	t.Parallel()
	st := newFakeStore(storage.Tenant{ID: 1, Tier: storage.TierPro, IsActive: true})
	st.strategy[1] = &storage.Strategy{MixRaw: `{"short": 1}`}
	st.aiPosts[1] = 3 // default cap is 3/day
	pub := &fakePublisher{}
	d := newDispatcher(st, pub, &fakeGen{post: "x"}, &fakeSocial{}, &fakeLimiter{}, autoDefaults(nil))

	if err := d.RunAutoPost(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(st.created) != 0 {
		t.Fatal("capped tenant must not post")
	}
}

func TestAutoPostThreadFormat(t *testing.T) {
	t.Parallel()
	st := newFakeStore(storage.Tenant{ID: 1, Tier: storage.TierPro, IsActive: true})
	st.strategy[1] = &storage.Strategy{MixRaw: `{"thread": 1}`}
	gen := &fakeGen{thread: []string{"one", "two", "three"}}
	d := newDispatcher(st, &fakePublisher{}, gen, &fakeSocial{}, &fakeLimiter{}, autoDefaults(nil))

	if err := d.RunAutoPost(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(st.created) != 1 {
		t.Fatalf("created = %d", len(st.created))
	}
	p := st.created[0]
	if p.Format != storage.FormatThread || len(p.Segments) != 3 || p.Segments[2].OrderIdx != 2 {
		t.Fatalf("post = %+v", p)
	}
}

func TestAutoPostTenantIsolation(t *testing.T) {
	t.Parallel()
	st := newFakeStore(
		storage.Tenant{ID: 1, Tier: storage.TierPro, IsActive: true},
		storage.Tenant{ID: 2, Tier: storage.TierPro, IsActive: true},
	)
	st.strategy[1] = &storage.Strategy{MixRaw: `{"short": 1}`}
	st.strategy[2] = &storage.Strategy{MixRaw: `{"short": 1}`}
	pub := &fakePublisher{err: errdefs.Transientf("platform down")}
	d := newDispatcher(st, pub, &fakeGen{post: "x"}, &fakeSocial{}, &fakeLimiter{}, autoDefaults(nil))

	// Both tenants are attempted; the pass itself reports success.
	if err := d.RunAutoPost(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(st.created) != 2 {
		t.Fatalf("created = %d, want 2 (second tenant attempted despite first failing)", len(st.created))
	}
}

func TestAutoFollowFollowsAndDedups(t *testing.T) {
	t.Parallel()
	st := newFakeStore(storage.Tenant{ID: 1, Tier: storage.TierBasic, IsActive: true})
	st.targets["u2"] = &storage.FollowTarget{RemoteUserID: "u2"} // already targeted
	soc := &fakeSocial{
		me: platform.User{ID: "me"},
		found: map[string][]platform.User{
			"golang": {
				{ID: "me", Handle: "self"},
				{ID: "u2", Handle: "dup"},
				{ID: "u3", Handle: "fresh"},
			},
		},
	}
	lim := &fakeLimiter{}
	d := newDispatcher(st, &fakePublisher{}, &fakeGen{}, soc, lim,
		autoDefaults(map[string]string{settings.KeyAutoFollowKeywords: "golang"}))

	if err := d.RunAutoFollow(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(soc.followed) != 1 || soc.followed[0] != "u3" {
		t.Fatalf("followed = %v, want only u3", soc.followed)
	}
	tgt := st.targets["u3"]
	if tgt == nil || tgt.Status != storage.FollowCompleted || tgt.FollowedAt == nil || tgt.Keyword != "golang" {
		t.Fatalf("target = %+v", tgt)
	}
	if lim.records != 1 || lim.paced != 1 {
		t.Fatalf("limiter records = %d, paced = %d", lim.records, lim.paced)
	}
}

func TestAutoFollowDailyBudget(t *testing.T) {
	t.Parallel()
	st := newFakeStore(storage.Tenant{ID: 1, Tier: storage.TierBasic, IsActive: true})
	st.followCnt[1] = 9 // 9 of default 10 used today
	soc := &fakeSocial{
		me: platform.User{ID: "me"},
		found: map[string][]platform.User{
			"ai": {{ID: "u1", Handle: "a"}, {ID: "u2", Handle: "b"}},
		},
	}
	d := newDispatcher(st, &fakePublisher{}, &fakeGen{}, soc, &fakeLimiter{},
		autoDefaults(map[string]string{settings.KeyAutoFollowKeywords: "ai"}))

	if err := d.RunAutoFollow(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(soc.followed) != 1 {
		t.Fatalf("followed = %v, want exactly 1 (remaining budget)", soc.followed)
	}
}

func TestAutoFollowQuotaDenialEndsPassCleanly(t *testing.T) {
	t.Parallel()
	st := newFakeStore(storage.Tenant{ID: 1, Tier: storage.TierFree, IsActive: true})
	soc := &fakeSocial{
		me:    platform.User{ID: "me"},
		found: map[string][]platform.User{"x": {{ID: "u1", Handle: "a"}}},
	}
	lim := &fakeLimiter{allowErr: errdefs.Quotaf("tier free has no follow access")}
	d := newDispatcher(st, &fakePublisher{}, &fakeGen{}, soc, lim,
		autoDefaults(map[string]string{settings.KeyAutoFollowKeywords: "x"}))

	if err := d.RunAutoFollow(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(soc.followed) != 0 {
		t.Fatalf("followed = %v, want none", soc.followed)
	}
}

func TestAutoFollowFailedFollowIsRecordedAndSkippedForever(t *testing.T) {
	t.Parallel()
	st := newFakeStore(storage.Tenant{ID: 1, Tier: storage.TierBasic, IsActive: true})
	soc := &fakeSocial{
		me: platform.User{ID: "me"},
		found: map[string][]platform.User{
			"go": {{ID: "u1", Handle: "flaky"}, {ID: "u2", Handle: "ok"}},
		},
		failFor: map[string]error{"u1": errdefs.Permanentf("blocked")},
	}
	d := newDispatcher(st, &fakePublisher{}, &fakeGen{}, soc, &fakeLimiter{},
		autoDefaults(map[string]string{settings.KeyAutoFollowKeywords: "go"}))

	if err := d.RunAutoFollow(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(soc.followed) != 1 || soc.followed[0] != "u2" {
		t.Fatalf("followed = %v", soc.followed)
	}
	if tgt := st.targets["u1"]; tgt == nil || tgt.Status != storage.FollowFailed {
		t.Fatalf("failed target = %+v, must be recorded", tgt)
	}
}
