package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/susu3304/sessionbot/internal/attendance"
	"github.com/susu3304/sessionbot/internal/lifecycle"
	"github.com/susu3304/sessionbot/internal/session"
	"github.com/susu3304/sessionbot/internal/store"
)

const defaultListLimit = 50

type sessionDetail struct {
	*store.Session
	Attendance []store.Attendance `json:"attendance"`
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	upcoming, err := queryBool(r, "upcoming")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	q := store.SessionQuery{Limit: limit}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := session.Status(strings.TrimSpace(part))
			if !st.Valid() {
				writeBadRequest(w, "invalid status "+part)
				return
			}
			q.Statuses = append(q.Statuses, st)
		}
	}
	if upcoming {
		now := time.Now()
		q.StartAfter = &now
	}

	sessions, err := a.deps.Sessions.List(r.Context(), q)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (a *API) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var d lifecycle.Draft
	if !decode(w, r, &d) {
		return
	}
	sess, err := a.deps.Sessions.Create(r.Context(), d)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sess, err := a.deps.Sessions.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := sessionDetail{Session: sess, Attendance: []store.Attendance{}}
	if !sess.IsTemplate {
		recs, err := a.deps.Attendance.Records(r.Context(), id)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		if recs != nil {
			out.Attendance = recs
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var p lifecycle.Patch
	if !decode(w, r, &p) {
		return
	}
	sess, err := a.deps.Sessions.Update(r.Context(), id, p)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.deps.Sessions.Delete(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	sess, err := a.deps.Sessions.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type attendanceRequest struct {
	DisplayName string `json:"display_name"`
	Response    string `json:"response"`
	attendance.Extra
}

func (a *API) handlePutAttendance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req attendanceRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Response) == "" {
		writeBadRequest(w, "response is required")
		return
	}
	pid := mux.Vars(r)["participant"]
	name := req.DisplayName
	if name == "" {
		name = pid
	}
	res, err := a.deps.Attendance.RecordResponse(r.Context(), id, store.Participant{ID: pid, DisplayName: name}, req.Response, req.Extra)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleDeleteAttendance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	counts, removed, err := a.deps.Attendance.RemoveResponse(r.Context(), id, mux.Vars(r)["participant"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if !removed {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no response recorded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}
