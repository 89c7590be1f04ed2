// Package httpapi wires the HTTP JSON routes onto the Session Runner,
// the database, and the SSE/WebSocket stream endpoints.
package httpapi

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sessionforge/sessionforge/internal/auth"
	"github.com/sessionforge/sessionforge/internal/db"
	"github.com/sessionforge/sessionforge/internal/errs"
	"github.com/sessionforge/sessionforge/internal/id"
	"github.com/sessionforge/sessionforge/internal/runner"
	"github.com/sessionforge/sessionforge/internal/stream"
)

// API holds the dependencies every route handler needs.
type API struct {
	q        *db.Queries
	runner   *runner.Runner
	streams  *stream.Streams
	provider string
	model    string
}

func New(q *db.Queries, r *runner.Runner, streams *stream.Streams, defaultProvider, defaultModel string) *API {
	return &API{q: q, runner: r, streams: streams, provider: defaultProvider, model: defaultModel}
}

// MountAPI registers the bounded-duration JSON routes on mux. Callers
// wrap mux with auth.Middleware and auth.TimeoutMiddleware.
func (a *API) MountAPI(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/login", a.login)
	mux.HandleFunc("POST /api/signup", a.signup)

	mux.HandleFunc("POST /api/sessions", a.createSession)
	mux.HandleFunc("GET /api/sessions", a.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", a.getSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", a.deleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/messages", a.sendMessage)
	mux.HandleFunc("POST /api/sessions/{id}/stop", a.stopSession)
	mux.HandleFunc("POST /api/sessions/{id}/interrupt", a.interruptSession)
	mux.HandleFunc("POST /api/sessions/{id}/revert", a.revertSession)
	mux.HandleFunc("PUT /api/sessions/{id}/pin", a.pinSession)
	mux.HandleFunc("PUT /api/sessions/{id}/model", a.setModel)
}

// MountStreams registers the long-lived SSE/WebSocket routes on mux.
// The SSE routes read the caller from auth.Middleware; the WebSocket route
// authenticates in-band and is served without that middleware. None of
// them is wrapped with auth.TimeoutMiddleware, since these connections are
// expected to stay open for the session's lifetime.
func (a *API) MountStreams(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions/{id}/events", a.streams.SessionEvents(a.refKeyForRequest))
	mux.HandleFunc("GET /api/events", a.streams.UserEvents)
	mux.HandleFunc("GET /api/ws", a.streams.WS)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	writeJSON(w, errs.HTTPStatus(kind), map[string]string{"error": err.Error()})
}

// refKeyForRequest resolves the {id} path segment, scoped to the
// authenticated caller, to the composite ref_key a session is stored and
// streamed under.
func (a *API) refKeyForRequest(r *http.Request) (string, error) {
	user, err := auth.MustGetUser(r.Context())
	if err != nil {
		return "", err
	}
	sess, err := a.q.GetSessionByUserAndID(r.Context(), db.GetSessionByUserAndIDParams{
		UserID: user.ID, SessionID: r.PathValue("id"),
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", errs.New(errs.KindNotFound, "session not found")
		}
		return "", err
	}
	return sess.RefKey, nil
}

func (a *API) sessionRef(r *http.Request) (db.Session, runner.Ref, error) {
	user, err := auth.MustGetUser(r.Context())
	if err != nil {
		return db.Session{}, runner.Ref{}, err
	}
	sess, err := a.q.GetSessionByUserAndID(r.Context(), db.GetSessionByUserAndIDParams{
		UserID: user.ID, SessionID: r.PathValue("id"),
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return db.Session{}, runner.Ref{}, errs.New(errs.KindNotFound, "session not found")
		}
		return db.Session{}, runner.Ref{}, err
	}
	return sess, runner.Ref{UserID: sess.UserID, RepoID: sess.RepoID, SessionID: sess.SessionID}, nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.KindValidation, "invalid body"))
		return
	}
	token, user, err := auth.Login(r.Context(), a.q, req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "user": user})
}

func (a *API) signup(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.KindValidation, "invalid body"))
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, errs.New(errs.KindValidation, "username and password required"))
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	userID := id.Generate()
	if err := a.q.CreateUser(r.Context(), db.CreateUserParams{ID: userID, Username: req.Username, PasswordHash: hash}); err != nil {
		writeError(w, errs.Wrap(errs.KindAlreadyExists, "create user", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": userID})
}

type createSessionRequest struct {
	ID         string `json:"id"`
	RepoID     string `json:"repoId"`
	IdentityID string `json:"identityId"`
	Branch     string `json:"branch"`
	Prompt     string `json:"prompt"`
	Model      string `json:"model"`
	Provider   string `json:"provider"`
}

func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	user, err := auth.MustGetUser(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.KindValidation, "invalid body"))
		return
	}
	if req.ID == "" || req.RepoID == "" || req.Prompt == "" {
		writeError(w, errs.New(errs.KindValidation, "id, repoId, and prompt are required"))
		return
	}
	if req.Branch == "" {
		req.Branch = "main"
	}
	if req.Model == "" {
		req.Model = a.model
	}
	if req.Provider == "" {
		req.Provider = a.provider
	}

	repo, err := a.q.GetOwnedRepo(r.Context(), db.GetOwnedRepoParams{ID: req.RepoID, UserID: user.ID})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, errs.New(errs.KindNotFound, "repo not found"))
			return
		}
		writeError(w, err)
		return
	}

	refKey := user.ID + "/" + req.RepoID + "/" + req.ID
	if err := a.q.CreateSession(r.Context(), db.CreateSessionParams{
		SessionID: req.ID, RepoID: req.RepoID, UserID: user.ID, RefKey: refKey,
		IdentityID: req.IdentityID, RepoURL: repo.RepoURL, Branch: req.Branch,
		Prompt: req.Prompt, Status: "pending", Model: req.Model, Provider: req.Provider,
	}); err != nil {
		if errors.Is(err, db.ErrAlreadyExists) {
			writeError(w, errs.Wrap(errs.KindAlreadyExists, "session exists", err))
			return
		}
		writeError(w, err)
		return
	}

	sess, err := a.q.GetSessionByRefKey(r.Context(), refKey)
	if err != nil {
		writeError(w, err)
		return
	}

	a.runner.StartSession(runner.Ref{UserID: user.ID, RepoID: req.RepoID, SessionID: req.ID}, req.Prompt)
	writeJSON(w, http.StatusCreated, sess)
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	user, err := auth.MustGetUser(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	sessions, err := a.q.ListSessionsByUser(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	sess, _, err := a.sessionRef(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) deleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ref, err := a.sessionRef(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.runner.Stop(r.Context(), ref); err != nil {
		writeError(w, err)
		return
	}
	if err := a.runner.RemoveWorktree(r.Context(), ref); err != nil {
		writeError(w, err)
		return
	}
	if err := a.q.DeleteSession(r.Context(), sess.RefKey); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type messageRequest struct {
	Message string `json:"message"`
}

func (a *API) sendMessage(w http.ResponseWriter, r *http.Request) {
	_, ref, err := a.sessionRef(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeError(w, errs.New(errs.KindValidation, "message is required"))
		return
	}
	if err := a.runner.SendMessage(r.Context(), ref, req.Message); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) stopSession(w http.ResponseWriter, r *http.Request) {
	_, ref, err := a.sessionRef(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.runner.Stop(r.Context(), ref); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) interruptSession(w http.ResponseWriter, r *http.Request) {
	_, ref, err := a.sessionRef(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.runner.Interrupt(r.Context(), ref); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type revertRequest struct {
	MessageID string `json:"messageId"`
}

func (a *API) revertSession(w http.ResponseWriter, r *http.Request) {
	_, ref, err := a.sessionRef(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req revertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MessageID == "" {
		writeError(w, errs.New(errs.KindValidation, "messageId is required"))
		return
	}
	if err := a.runner.Revert(r.Context(), ref, req.MessageID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type pinRequest struct {
	Pinned bool `json:"pinned"`
}

func (a *API) pinSession(w http.ResponseWriter, r *http.Request) {
	sess, _, err := a.sessionRef(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req pinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.KindValidation, "invalid body"))
		return
	}
	if err := a.q.SetSessionPinned(r.Context(), db.SetSessionPinnedParams{RefKey: sess.RefKey, Pinned: req.Pinned}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type modelRequest struct {
	Model string `json:"model"`
}

func (a *API) setModel(w http.ResponseWriter, r *http.Request) {
	sess, _, err := a.sessionRef(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req modelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Model == "" {
		writeError(w, errs.New(errs.KindValidation, "model is required"))
		return
	}
	if err := a.q.UpdateSessionModel(r.Context(), db.UpdateSessionModelParams{RefKey: sess.RefKey, Model: req.Model}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
