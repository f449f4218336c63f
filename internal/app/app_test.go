package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"xpilot/internal/ai"
	"xpilot/internal/clock"
	"xpilot/internal/errdefs"
	"xpilot/internal/eventbus"
	"xpilot/internal/kvstore"
	"xpilot/internal/platform"
	"xpilot/internal/settings"
	"xpilot/internal/storage"
	logx "xpilot/pkg/logx"
)

type fakeStore struct {
	tenants   map[uint]*storage.Tenant
	templates map[uint]*storage.Template
	persona   *storage.Persona
	created   []*storage.Post
}

func (f *fakeStore) GetTenant(_ context.Context, id uint) (*storage.Tenant, error) {
	t, ok := f.tenants[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) GetTemplate(_ context.Context, id uint) (*storage.Template, error) {
	t, ok := f.templates[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) ActivePersona(context.Context, uint) (*storage.Persona, error) {
	return f.persona, nil
}

func (f *fakeStore) CreatePost(_ context.Context, p *storage.Post) error {
	p.ID = uint(len(f.created) + 1)
	f.created = append(f.created, p)
	return nil
}

type fakeGen struct {
	body string
	err  error
	got  ai.Request
}

func (f *fakeGen) GeneratePost(_ context.Context, req ai.Request) (string, error) {
	f.got = req
	return f.body, f.err
}

type fakeCreds struct{ err error }

func (f *fakeCreds) Fresh(context.Context, uint) (platform.Credentials, error) {
	return platform.Credentials{AccessToken: "tok"}, f.err
}

type fakePub struct {
	err   error
	calls []*storage.Post
}

func (f *fakePub) Publish(_ context.Context, post *storage.Post, _ storage.Tier, _ platform.Credentials) error {
	f.calls = append(f.calls, post)
	if f.err == nil {
		post.Status = storage.PostPosted
		post.RemoteID = "r1"
	}
	return f.err
}

func newTestEngine(st *fakeStore, gen *fakeGen, pub *fakePub) *Engine {
	return &Engine{
		log:      logx.Nop(),
		settings: settings.NewResolver(nil, nil),
		fstore:   st,
		gen:      gen,
		creds:    &fakeCreds{},
		pub:      pub,
		bus:      eventbus.New(),
	}
}

func activeTenant(id uint) map[uint]*storage.Tenant {
	return map[uint]*storage.Tenant{id: {ID: id, Tier: storage.TierBasic, IsActive: true}}
}

func TestFireScheduleFreeform(t *testing.T) {
	t.Parallel()
	st := &fakeStore{tenants: activeTenant(1)}
	pub := &fakePub{}
	e := newTestEngine(st, &fakeGen{}, pub)

	ch, unsub := e.bus.Subscribe(8)
	defer unsub()

	def := &storage.ScheduleDefinition{
		ID: 5, TenantID: 1, Kind: storage.ScheduleRecurring,
		Source: storage.SourceFreeform, Body: "hello world", IsActive: true,
	}
	if err := e.FireSchedule(context.Background(), def); err != nil {
		t.Fatal(err)
	}

	if len(pub.calls) != 1 {
		t.Fatalf("publish calls = %d", len(pub.calls))
	}
	post := pub.calls[0]
	if post.Body != "hello world" || post.Format != storage.FormatShort {
		t.Fatalf("post = %+v", post)
	}
	if post.ScheduleID == nil || *post.ScheduleID != 5 {
		t.Fatal("schedule id not linked")
	}

	types := map[string]bool{}
	for len(ch) > 0 {
		types[(<-ch).Type] = true
	}
	if !types[eventbus.TypeScheduleFired] || !types[eventbus.TypePostPublished] {
		t.Fatalf("events = %v", types)
	}
}

func TestFireScheduleLongBodyBecomesLongForm(t *testing.T) {
	t.Parallel()
	long := make([]rune, 300)
	for i := range long {
		long[i] = 'x'
	}
	st := &fakeStore{tenants: activeTenant(1)}
	pub := &fakePub{}
	e := newTestEngine(st, &fakeGen{}, pub)

	def := &storage.ScheduleDefinition{ID: 1, TenantID: 1, Source: storage.SourceFreeform, Body: string(long)}
	if err := e.FireSchedule(context.Background(), def); err != nil {
		t.Fatal(err)
	}
	if pub.calls[0].Format != storage.FormatLongForm {
		t.Fatalf("format = %q", pub.calls[0].Format)
	}
}

func TestFireScheduleTemplate(t *testing.T) {
	t.Parallel()
	tmplID := uint(9)
	st := &fakeStore{
		tenants:   activeTenant(1),
		templates: map[uint]*storage.Template{9: {ID: 9, TenantID: 1, Body: "from template"}},
	}
	pub := &fakePub{}
	e := newTestEngine(st, &fakeGen{}, pub)

	def := &storage.ScheduleDefinition{ID: 2, TenantID: 1, Source: storage.SourceTemplate, TemplateID: &tmplID}
	if err := e.FireSchedule(context.Background(), def); err != nil {
		t.Fatal(err)
	}
	if pub.calls[0].Body != "from template" {
		t.Fatalf("body = %q", pub.calls[0].Body)
	}
}

func TestFireScheduleTemplateWrongTenant(t *testing.T) {
	t.Parallel()
	tmplID := uint(9)
	st := &fakeStore{
		tenants:   activeTenant(1),
		templates: map[uint]*storage.Template{9: {ID: 9, TenantID: 2, Body: "other tenant"}},
	}
	e := newTestEngine(st, &fakeGen{}, &fakePub{})

	def := &storage.ScheduleDefinition{ID: 2, TenantID: 1, Source: storage.SourceTemplate, TemplateID: &tmplID}
	err := e.FireSchedule(context.Background(), def)
	if !errors.Is(err, errdefs.ErrConfig) {
		t.Fatalf("err = %v, want config error", err)
	}
}

func TestFireScheduleTemplateMissingID(t *testing.T) {
	t.Parallel()
	st := &fakeStore{tenants: activeTenant(1)}
	e := newTestEngine(st, &fakeGen{}, &fakePub{})

	def := &storage.ScheduleDefinition{ID: 2, TenantID: 1, Source: storage.SourceTemplate}
	if err := e.FireSchedule(context.Background(), def); !errors.Is(err, errdefs.ErrConfig) {
		t.Fatalf("err = %v, want config error", err)
	}
}

func TestFireScheduleAIPrompt(t *testing.T) {
	t.Parallel()
	st := &fakeStore{
		tenants: activeTenant(1),
		persona: &storage.Persona{ID: 3, TenantID: 1, Name: "Ada", Tone: "witty"},
	}
	gen := &fakeGen{body: "generated"}
	pub := &fakePub{}
	e := newTestEngine(st, gen, pub)

	def := &storage.ScheduleDefinition{ID: 4, TenantID: 1, Source: storage.SourceAIPrompt, Body: "write about Go"}
	if err := e.FireSchedule(context.Background(), def); err != nil {
		t.Fatal(err)
	}

	if gen.got.Prompt != "write about Go" || gen.got.Persona.Name != "Ada" {
		t.Fatalf("request = %+v", gen.got)
	}
	post := pub.calls[0]
	if !post.AIGenerated || post.PersonaID == nil || *post.PersonaID != 3 {
		t.Fatalf("post = %+v", post)
	}
	if post.Body != "generated" {
		t.Fatalf("body = %q", post.Body)
	}
}

func TestFireScheduleInactiveTenantSkips(t *testing.T) {
	t.Parallel()
	st := &fakeStore{tenants: map[uint]*storage.Tenant{1: {ID: 1, IsActive: false}}}
	pub := &fakePub{}
	e := newTestEngine(st, &fakeGen{}, pub)

	def := &storage.ScheduleDefinition{ID: 1, TenantID: 1, Source: storage.SourceFreeform, Body: "x"}
	if err := e.FireSchedule(context.Background(), def); err != nil {
		t.Fatal(err)
	}
	if len(pub.calls) != 0 || len(st.created) != 0 {
		t.Fatal("inactive tenant should not publish")
	}
}

func TestFireSchedulePublishFailureEmitsFailedEvent(t *testing.T) {
	t.Parallel()
	st := &fakeStore{tenants: activeTenant(1)}
	pub := &fakePub{err: errdefs.Permanentf("rejected")}
	e := newTestEngine(st, &fakeGen{}, pub)

	ch, unsub := e.bus.Subscribe(8)
	defer unsub()

	def := &storage.ScheduleDefinition{ID: 1, TenantID: 1, Source: storage.SourceFreeform, Body: "x"}
	if err := e.FireSchedule(context.Background(), def); !errors.Is(err, errdefs.ErrPermanent) {
		t.Fatalf("err = %v", err)
	}

	var failed bool
	for len(ch) > 0 {
		if ev := <-ch; ev.Type == eventbus.TypePostFailed {
			failed = true
			if ev.Data.(eventbus.PostEvent).Error == "" {
				t.Fatal("failed event has no error")
			}
		}
	}
	if !failed {
		t.Fatal("no post.failed event")
	}
}

func TestFireScheduleGeneratorFailureAborts(t *testing.T) {
	t.Parallel()
	st := &fakeStore{tenants: activeTenant(1)}
	gen := &fakeGen{err: errdefs.Transientf("upstream")}
	pub := &fakePub{}
	e := newTestEngine(st, gen, pub)

	def := &storage.ScheduleDefinition{ID: 1, TenantID: 1, Source: storage.SourceAIPrompt, Body: "p"}
	if err := e.FireSchedule(context.Background(), def); !errors.Is(err, errdefs.ErrTransient) {
		t.Fatalf("err = %v", err)
	}
	if len(st.created) != 0 || len(pub.calls) != 0 {
		t.Fatal("generation failure must abort before create/publish")
	}
}

func TestJobRunBookkeeping(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	e := &Engine{log: logx.Nop(), clk: clk, kv: kvstore.NewMemory(clk)}
	ctx := context.Background()

	if _, ok := e.lastJobRun(ctx, "analytics"); ok {
		t.Fatal("marker present before any run")
	}

	e.recordJobRun(ctx, "analytics")
	last, ok := e.lastJobRun(ctx, "analytics")
	if !ok {
		t.Fatal("marker missing after run")
	}
	if !last.Equal(clk.Now().UTC().Truncate(time.Second)) {
		t.Fatalf("last run = %v, want %v", last, clk.Now().UTC())
	}

	// Markers expire rather than accumulating forever.
	clk.Advance(jobRunTTL + time.Hour)
	if _, ok := e.lastJobRun(ctx, "analytics"); ok {
		t.Fatal("marker survived past its TTL")
	}
}

func TestJobRunBookkeepingWithoutKV(t *testing.T) {
	t.Parallel()
	e := &Engine{log: logx.Nop(), clk: clock.System()}
	e.recordJobRun(context.Background(), "reconcile")
	if _, ok := e.lastJobRun(context.Background(), "reconcile"); ok {
		t.Fatal("nil kv reported a run")
	}
}
