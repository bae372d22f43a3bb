package flow

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/matomo-bridge/internal/entries"
	"github.com/nugget/matomo-bridge/internal/events"
	"github.com/nugget/matomo-bridge/internal/matomo"
)

// SiteLister is the validation call made by the user step.
type SiteLister interface {
	Sites(ctx context.Context) ([]matomo.Site, error)
}

// EntryStore persists created entries.
type EntryStore interface {
	Create(e entries.Entry) (entries.Entry, error)
	FindByUnique(baseURL string, siteID int) (entries.Entry, error)
}

// Deps are shared by every flow.
type Deps struct {
	// NewClient builds a Matomo client for the submitted credentials.
	NewClient func(baseURL, token string) SiteLister
	Store     EntryStore
	Bus       *events.Bus
	Logger    *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// UserInput is submitted to the user step.
type UserInput struct {
	URL   string
	Token string
}

// SiteInput is submitted to the site step.
type SiteInput struct {
	SiteID           int
	IncludeAggregate bool
}

// ConfigFlow creates one config entry. Nothing is persisted until the
// site step succeeds.
type ConfigFlow struct {
	id      string
	deps    Deps
	created time.Time

	mu      sync.Mutex
	step    string
	baseURL string
	token   string
	sites   []matomo.Site
	done    bool
}

// NewConfigFlow starts a flow at the user step.
func NewConfigFlow(deps Deps) *ConfigFlow {
	return &ConfigFlow{
		id:      uuid.NewString(),
		deps:    deps,
		created: time.Now(),
		step:    StepUser,
	}
}

// ID identifies the flow in the registry and in URLs.
func (f *ConfigFlow) ID() string { return f.id }

// Created is when the flow was started.
func (f *ConfigFlow) Created() time.Time { return f.created }

// Done reports whether the flow has finished (created or aborted).
func (f *ConfigFlow) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// Current returns the form for the step the flow is waiting on.
func (f *ConfigFlow) Current() Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.step == StepSite {
		return f.siteForm(nil)
	}
	return f.userForm(nil)
}

func (f *ConfigFlow) userForm(errs map[string]string) Result {
	r := Result{FlowID: f.id, Type: ResultForm, StepID: StepUser, Errors: errs}
	if f.baseURL != "" {
		r.Defaults = map[string]string{FieldURL: f.baseURL}
	}
	return r
}

func (f *ConfigFlow) siteForm(errs map[string]string) Result {
	return Result{
		FlowID:   f.id,
		Type:     ResultForm,
		StepID:   StepSite,
		Errors:   errs,
		Sites:    f.sites,
		Defaults: map[string]string{FieldSiteID: strconv.Itoa(f.sites[0].ID)},
	}
}

// SubmitUser validates the URL and token with one Sites call. On
// success the flow advances to the site step.
func (f *ConfigFlow) SubmitUser(ctx context.Context, in UserInput) Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.done {
		return f.abort("flow_finished")
	}

	log := f.deps.logger().With("flow_id", f.id)
	baseURL := matomo.NormalizeBaseURL(in.URL)
	f.baseURL = baseURL

	errs := map[string]string{}
	if err := matomo.ValidateBaseURL(baseURL); err != nil {
		errs[FieldURL] = ErrInvalidURL
	}
	if in.Token == "" {
		errs[FieldToken] = ErrInvalidAuth
	}
	if len(errs) > 0 {
		return f.formError(StepUser, errs)
	}

	sites, err := f.deps.NewClient(baseURL, in.Token).Sites(ctx)
	switch {
	case errors.Is(err, matomo.ErrAuth):
		log.Error("matomo rejected token", "url", baseURL, "error", err)
		errs[FieldToken] = ErrInvalidAuth
	case err != nil:
		log.Error("matomo connection failed", "url", baseURL, "error", err)
		errs[FieldURL] = ErrCannotConnect
	case len(sites) == 0:
		errs[FieldBase] = ErrNoSites
	}
	if len(errs) > 0 {
		return f.formError(StepUser, errs)
	}

	f.token = in.Token
	f.sites = sites
	f.step = StepSite
	log.Debug("matomo credentials validated", "url", baseURL, "sites", len(sites))
	return f.siteForm(nil)
}

// SubmitSite picks the site and creates the entry, or aborts when the
// (base URL, site ID) pair is already configured.
func (f *ConfigFlow) SubmitSite(ctx context.Context, in SiteInput) Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.done {
		return f.abort("flow_finished")
	}
	if f.step != StepSite {
		return f.userForm(nil)
	}

	var site *matomo.Site
	for i := range f.sites {
		if f.sites[i].ID == in.SiteID {
			site = &f.sites[i]
			break
		}
	}
	if site == nil {
		return f.formError(StepSite, map[string]string{FieldSiteID: ErrInvalidSite})
	}

	if _, err := f.deps.Store.FindByUnique(f.baseURL, site.ID); err == nil {
		return f.abort(AbortAlreadyConfigured)
	} else if !errors.Is(err, entries.ErrNotFound) {
		f.deps.logger().Error("entry lookup failed", "flow_id", f.id, "error", err)
		return f.formError(StepSite, map[string]string{FieldBase: "unknown"})
	}

	entry, err := f.deps.Store.Create(entries.Entry{
		Title:            "Matomo - " + site.Name,
		BaseURL:          f.baseURL,
		Token:            f.token,
		SiteID:           site.ID,
		SiteName:         site.Name,
		IncludeAggregate: in.IncludeAggregate,
	})
	if errors.Is(err, entries.ErrAlreadyConfigured) {
		return f.abort(AbortAlreadyConfigured)
	}
	if err != nil {
		f.deps.logger().Error("entry create failed", "flow_id", f.id, "error", err)
		return f.formError(StepSite, map[string]string{FieldBase: "unknown"})
	}

	f.done = true
	f.deps.logger().Info("config entry created",
		"entry_id", entry.ID, "url", entry.BaseURL, "site_id", entry.SiteID,
		"include_aggregate", entry.IncludeAggregate)
	f.deps.Bus.Publish(events.Event{
		Source: events.SourceFlow,
		Kind:   events.KindEntryCreated,
		Data:   map[string]any{"entry_id": entry.ID, "title": entry.Title},
	})
	return Result{FlowID: f.id, Type: ResultCreateEntry, Entry: &entry}
}

func (f *ConfigFlow) formError(step string, errs map[string]string) Result {
	f.deps.Bus.Publish(events.Event{
		Source: events.SourceFlow,
		Kind:   events.KindFlowError,
		Data:   map[string]any{"flow_id": f.id, "step": step, "errors": errs},
	})
	if step == StepSite {
		return f.siteForm(errs)
	}
	return f.userForm(errs)
}

func (f *ConfigFlow) abort(reason string) Result {
	f.done = true
	f.deps.Bus.Publish(events.Event{
		Source: events.SourceFlow,
		Kind:   events.KindFlowAbort,
		Data:   map[string]any{"flow_id": f.id, "reason": reason},
	})
	return Result{FlowID: f.id, Type: ResultAbort, Reason: reason}
}

// ImportInput is one entry to create without user interaction.
type ImportInput struct {
	URL              string
	Token            string
	SiteID           int
	IncludeAggregate bool
}

// Import runs both steps of a config flow with the given input. An
// already-configured pair returns an abort result and a nil error; a
// step that fails validation returns a *FormError.
func Import(ctx context.Context, deps Deps, in ImportInput) (Result, error) {
	f := NewConfigFlow(deps)

	r := f.SubmitUser(ctx, UserInput{URL: in.URL, Token: in.Token})
	if r.Type == ResultForm && len(r.Errors) > 0 {
		return r, &FormError{StepID: r.StepID, Errors: r.Errors}
	}

	r = f.SubmitSite(ctx, SiteInput{SiteID: in.SiteID, IncludeAggregate: in.IncludeAggregate})
	if r.Type == ResultForm {
		return r, &FormError{StepID: r.StepID, Errors: r.Errors}
	}
	return r, nil
}
