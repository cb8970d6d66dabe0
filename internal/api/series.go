package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/susu3304/sessionbot/internal/lifecycle"
	"github.com/susu3304/sessionbot/internal/recurrence"
	"github.com/susu3304/sessionbot/internal/series"
	"github.com/susu3304/sessionbot/internal/store"
)

type createSeriesRequest struct {
	lifecycle.Draft
	Recurrence recurrence.Rule `json:"recurrence"`
}

func (a *API) handleCreateSeries(w http.ResponseWriter, r *http.Request) {
	var req createSeriesRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := a.deps.Series.CreateSeries(r.Context(), req.Draft, req.Recurrence)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (a *API) handleGetSeries(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	all, err := queryBool(r, "all")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	tmpl, err := a.deps.Series.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	instances, err := a.deps.Series.Instances(r.Context(), id, !all, limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if instances == nil {
		instances = []store.Session{}
	}
	writeJSON(w, http.StatusOK, series.Series{Template: tmpl, Instances: instances})
}

func (a *API) handleUpdateSeries(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var p series.TemplatePatch
	if !decode(w, r, &p) {
		return
	}
	tmpl, touched, err := a.deps.Series.UpdateTemplate(r.Context(), id, p)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"template": tmpl, "instances_updated": touched})
}

func (a *API) handleDeleteSeries(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	future, err := queryBool(r, "delete_future")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	removed, err := a.deps.Series.DeleteTemplate(r.Context(), id, future)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"instances_removed": removed})
}

func (a *API) handleExtendSeries(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	count, err := queryInt(r, "count", 0)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	added, err := a.deps.Series.Extend(r.Context(), id, count)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if added == nil {
		added = []store.Session{}
	}
	writeJSON(w, http.StatusOK, added)
}

func (a *API) handleFailedOutbox(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	msgs, err := a.deps.Outbox.Abandoned(r.Context(), limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []store.OutboxMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *API) handleListSweeps(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.deps.Sweeps.Names())
}

// handleRunSweep runs a sweep synchronously and returns its result.
func (a *API) handleRunSweep(w http.ResponseWriter, r *http.Request) {
	res, err := a.deps.Sweeps.Run(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
