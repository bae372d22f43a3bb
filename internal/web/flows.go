package web

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/nugget/matomo-bridge/internal/entries"
	"github.com/nugget/matomo-bridge/internal/flow"
)

// FlowData is the template context for both config flow steps.
type FlowData struct {
	PageData
	Result flow.Result
}

// OptionsData is the template context for the options form.
type OptionsData struct {
	PageData
	Entry            entries.Entry
	Result           flow.Result
	IncludeAggregate bool
}

// handleFlowStart begins a config flow and redirects to its first step.
func (s *WebServer) handleFlowStart(w http.ResponseWriter, r *http.Request) {
	f := flow.NewConfigFlow(s.flowDeps)
	s.flows.Put(f)
	http.Redirect(w, r, "/flows/"+f.ID(), http.StatusSeeOther)
}

func (s *WebServer) configFlow(w http.ResponseWriter, r *http.Request) (*flow.ConfigFlow, bool) {
	f, ok := s.flows.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "setup expired, start again", http.StatusNotFound)
		return nil, false
	}
	cf, ok := f.(*flow.ConfigFlow)
	if !ok {
		http.NotFound(w, r)
		return nil, false
	}
	return cf, true
}

func (s *WebServer) handleFlowShow(w http.ResponseWriter, r *http.Request) {
	cf, ok := s.configFlow(w, r)
	if !ok {
		return
	}
	s.render(w, r, http.StatusOK, "flow.html", FlowData{PageData: s.page("new"), Result: cf.Current()})
}

// handleFlowSubmit feeds the posted form to whichever step the flow is
// waiting on. A created entry is set up immediately.
func (s *WebServer) handleFlowSubmit(w http.ResponseWriter, r *http.Request) {
	cf, ok := s.configFlow(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	var res flow.Result
	switch cf.Current().StepID {
	case flow.StepSite:
		siteID, _ := strconv.Atoi(r.PostFormValue(flow.FieldSiteID))
		res = cf.SubmitSite(r.Context(), flow.SiteInput{
			SiteID:           siteID,
			IncludeAggregate: checked(r.PostFormValue(flow.FieldIncludeAggregate)),
		})
	default:
		res = cf.SubmitUser(r.Context(), flow.UserInput{
			URL:   r.PostFormValue(flow.FieldURL),
			Token: r.PostFormValue(flow.FieldToken),
		})
	}

	switch res.Type {
	case flow.ResultCreateEntry:
		s.flows.Delete(cf.ID())
		if err := s.manager.Setup(r.Context(), *res.Entry); err != nil {
			s.logger.Error("entry setup failed", "entry_id", res.Entry.ID, "error", err)
		}
		s.redirect(w, r, "/")
	case flow.ResultAbort:
		s.flows.Delete(cf.ID())
		s.render(w, r, http.StatusConflict, "flow.html", FlowData{PageData: s.page("new"), Result: res})
	default:
		status := http.StatusOK
		if len(res.Errors) > 0 {
			status = http.StatusUnprocessableEntity
		}
		s.render(w, r, status, "flow.html", FlowData{PageData: s.page("new"), Result: res})
	}
}

func (s *WebServer) handleOptionsShow(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	f := flow.NewOptionsFlow(e, s.manager, s.logger)
	s.flows.Put(f)
	s.renderOptions(w, r, http.StatusOK, e, f.Current())
}

// handleOptionsSubmit commits the options form. A missing or expired
// flow_id starts a fresh options flow, since the form has one field.
func (s *WebServer) handleOptionsSubmit(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	var of *flow.OptionsFlow
	if f, ok := s.flows.Get(r.PostFormValue("flow_id")); ok {
		of, _ = f.(*flow.OptionsFlow)
	}
	if of == nil {
		of = flow.NewOptionsFlow(e, s.manager, s.logger)
	}

	res := of.Submit(r.Context(), checked(r.PostFormValue(flow.FieldIncludeAggregate)))
	if res.Type == flow.ResultCreateEntry {
		s.flows.Delete(of.ID())
		s.redirect(w, r, "/")
		return
	}
	s.flows.Put(of)
	s.renderOptions(w, r, http.StatusUnprocessableEntity, e, res)
}

func (s *WebServer) renderOptions(w http.ResponseWriter, r *http.Request, status int, e entries.Entry, res flow.Result) {
	s.render(w, r, status, "options.html", OptionsData{
		PageData:         s.page("entries"),
		Entry:            e,
		Result:           res,
		IncludeAggregate: res.Defaults[flow.FieldIncludeAggregate] == "true",
	})
}

func (s *WebServer) entry(w http.ResponseWriter, r *http.Request) (entries.Entry, bool) {
	id := r.PathValue("id")
	e, err := s.entries.Get(id)
	if errors.Is(err, entries.ErrNotFound) {
		http.NotFound(w, r)
		return entries.Entry{}, false
	}
	if err != nil {
		s.logger.Error("entry lookup failed", "entry_id", id, "error", err)
		http.Error(w, "entry lookup failed", http.StatusInternalServerError)
		return entries.Entry{}, false
	}
	return e, true
}

// checked interprets an HTML checkbox value.
func checked(v string) bool {
	b, err := strconv.ParseBool(v)
	return v == "on" || (err == nil && b)
}
