package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"xpilot/internal/ai"
	"xpilot/internal/errdefs"
	"xpilot/internal/eventbus"
	"xpilot/internal/settings"
	"xpilot/internal/storage"
	logx "xpilot/pkg/logx"
)

// FireSchedule turns a due schedule definition into a post and drives it
// through the publish pipeline. The reconciler calls this from scheduler
// workers; the definition was re-read just before the call.
func (e *Engine) FireSchedule(ctx context.Context, def *storage.ScheduleDefinition) error {
	// Each fire gets a correlation ID carried through the events and logs.
	fireID := uuid.NewString()
	log := e.log.With(
		logx.String("fire_id", fireID),
		logx.Int64("schedule_id", int64(def.ID)),
		logx.Int64("tenant_id", int64(def.TenantID)),
	)

	tenant, err := e.fstore.GetTenant(ctx, def.TenantID)
	if err != nil {
		return fmt.Errorf("load tenant %d: %w", def.TenantID, err)
	}
	if !tenant.IsActive {
		log.Debug("tenant inactive; schedule fire skipped")
		return nil
	}

	e.bus.Publish(eventbus.Event{
		Type: eventbus.TypeScheduleFired,
		Data: eventbus.ScheduleEvent{ScheduleID: def.ID, TenantID: def.TenantID, Kind: string(def.Kind), FireID: fireID},
	})

	post, err := e.composeFromSchedule(ctx, def)
	if err != nil {
		return err
	}
	if err := e.fstore.CreatePost(ctx, post); err != nil {
		return err
	}

	creds, err := e.creds.Fresh(ctx, def.TenantID)
	if err != nil {
		return err
	}

	pubErr := e.pub.Publish(ctx, post, tenant.Tier, creds)
	ev := eventbus.PostEvent{
		PostID:   post.ID,
		TenantID: post.TenantID,
		Format:   string(post.Format),
		RemoteID: post.RemoteID,
		FireID:   fireID,
	}
	if pubErr != nil {
		ev.Error = pubErr.Error()
		e.bus.Publish(eventbus.Event{Type: eventbus.TypePostFailed, Data: ev})
		return pubErr
	}
	log.Info("schedule fire published", logx.String("remote_id", post.RemoteID))
	e.bus.Publish(eventbus.Event{Type: eventbus.TypePostPublished, Data: ev})
	return nil
}

// composeFromSchedule resolves the post body per the definition's content
// source and picks short versus long form from the resolved length.
func (e *Engine) composeFromSchedule(ctx context.Context, def *storage.ScheduleDefinition) (*storage.Post, error) {
	scheduleID := def.ID
	post := &storage.Post{
		TenantID:   def.TenantID,
		Status:     storage.PostDraft,
		ScheduleID: &scheduleID,
	}

	switch def.Source {
	case storage.SourceFreeform:
		post.Body = def.Body

	case storage.SourceTemplate:
		if def.TemplateID == nil {
			return nil, errdefs.Configf("schedule %d uses a template but has none set", def.ID)
		}
		tmpl, err := e.fstore.GetTemplate(ctx, *def.TemplateID)
		if err != nil {
			return nil, fmt.Errorf("load template %d: %w", *def.TemplateID, err)
		}
		if tmpl.TenantID != def.TenantID {
			return nil, errdefs.Configf("template %d belongs to another tenant", tmpl.ID)
		}
		post.Body = tmpl.Body

	case storage.SourceAIPrompt:
		body, personaID, err := e.generateFromPrompt(ctx, def)
		if err != nil {
			return nil, err
		}
		post.Body = body
		post.AIGenerated = true
		post.PersonaID = personaID

	default:
		return nil, errdefs.Configf("unknown content source %q", def.Source)
	}

	shortLimit := e.settings.GetInt(ctx, def.TenantID, settings.KeyShortLimit, 280)
	if len([]rune(post.Body)) > shortLimit {
		post.Format = storage.FormatLongForm
	} else {
		post.Format = storage.FormatShort
	}
	return post, nil
}

func (e *Engine) generateFromPrompt(ctx context.Context, def *storage.ScheduleDefinition) (string, *uint, error) {
	req := ai.Request{
		Prompt:   def.Body,
		Language: e.settings.Get(ctx, def.TenantID, settings.KeyLanguage),
		MaxChars: e.settings.GetInt(ctx, def.TenantID, settings.KeyShortLimit, 280),
	}

	var personaID *uint
	persona, err := e.fstore.ActivePersona(ctx, def.TenantID)
	if err != nil {
		return "", nil, err
	}
	if persona != nil {
		personaID = &persona.ID
		req.Persona = ai.Persona{
			Name:     persona.Name,
			Tone:     persona.Tone,
			Audience: persona.Audience,
			Style:    persona.Style,
		}
	}

	body, err := e.gen.GeneratePost(ctx, req)
	if err != nil {
		return "", nil, err
	}
	return body, personaID, nil
}
