// Package gateway exposes the orchestration core over HTTP: task and
// session CRUD plus a WebSocket stream of signal fan-out, matching the
// REST surface one handler struct per resource, body-size-limited, the
// way the rest of this codebase's HTTP layer is built.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/orchestra/squadcore/internal/apperr"
	"github.com/orchestra/squadcore/internal/orchestration/bridge"
	"github.com/orchestra/squadcore/internal/orchestration/reservations"
	"github.com/orchestra/squadcore/internal/orchestration/signals"
	"github.com/orchestra/squadcore/internal/orchestration/supervisor"
	"github.com/orchestra/squadcore/internal/orchestration/tasks"
	"github.com/orchestra/squadcore/internal/orchestration/types"
)

// MaxPayloadSize bounds request bodies to guard against oversized
// payloads.
const MaxPayloadSize = 1 * 1024 * 1024 // 1MB

// Gateway wires the core components to an HTTP router and a WebSocket
// stream endpoint.
type Gateway struct {
	taskSt *tasks.Store
	sup    *supervisor.Supervisor
	bus    *signals.Bus
	br     *bridge.Bridge
	ledger *reservations.Ledger

	router   *mux.Router
	upgrader websocket.Upgrader
}

// New constructs a Gateway and registers its routes.
func New(taskSt *tasks.Store, sup *supervisor.Supervisor, bus *signals.Bus, br *bridge.Bridge, ledger *reservations.Ledger) *Gateway {
	g := &Gateway{
		taskSt: taskSt,
		sup:    sup,
		bus:    bus,
		br:     br,
		ledger: ledger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	g.setupRoutes()
	return g
}

// Router returns the http.Handler to mount.
func (g *Gateway) Router() http.Handler { return g.router }

func (g *Gateway) setupRoutes() {
	r := mux.NewRouter()
	r.Use(limitBodyMiddleware)

	r.HandleFunc("/tasks", g.handleCreateTask).Methods(http.MethodPost)
	r.HandleFunc("/tasks", g.handleListTasks).Methods(http.MethodGet)
	r.HandleFunc("/tasks/bulk", g.handleBulkCreate).Methods(http.MethodPost)
	r.HandleFunc("/tasks/ready", g.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}", g.handleShowTask).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}", g.handleUpdateTask).Methods(http.MethodPatch)
	r.HandleFunc("/tasks/{id}", g.handleCloseTask).Methods(http.MethodDelete)

	r.HandleFunc("/work/spawn", g.handleSpawn).Methods(http.MethodPost)

	r.HandleFunc("/sessions", g.handleListSessions).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{name}/pause", g.handlePause).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{name}/attach", g.handleAttach).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{name}", g.handleKillSession).Methods(http.MethodDelete)

	r.HandleFunc("/signals/{kind}", g.handleSignal).Methods(http.MethodPost)
	r.HandleFunc("/signals/stream", g.handleStream).Methods(http.MethodGet)

	r.HandleFunc("/epic/close-eligible", g.handleCloseEligibleEpics).Methods(http.MethodGet)

	r.HandleFunc("/reservations", g.handleListReservations).Methods(http.MethodGet)
	r.HandleFunc("/reservations", g.handleAcquireReservation).Methods(http.MethodPost)
	r.HandleFunc("/reservations/{path:.*}", g.handleReleaseReservation).Methods(http.MethodDelete)

	g.router = r
}

func limitBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, MaxPayloadSize)
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondErr translates an apperr.Kind to its HTTP status and writes a
// JSON error body.
func (g *Gateway) respondErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindInvariantViolation:
		status = http.StatusUnprocessableEntity
	case apperr.KindBackendUnavailable:
		status = http.StatusServiceUnavailable
	case apperr.KindIntegrity:
		status = http.StatusInternalServerError
	}
	g.respondJSON(w, status, map[string]string{"error": err.Error()})
}

// --- Tasks ---

func (g *Gateway) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var spec tasks.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		g.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	task, err := g.taskSt.Create(spec)
	if err != nil {
		g.respondErr(w, err)
		return
	}
	g.respondJSON(w, http.StatusCreated, task)
}

func (g *Gateway) handleBulkCreate(w http.ResponseWriter, r *http.Request) {
	var specs []tasks.Spec
	if err := json.NewDecoder(r.Body).Decode(&specs); err != nil {
		g.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	out := make([]*types.Task, 0, len(specs))
	for _, spec := range specs {
		task, err := g.taskSt.Create(spec)
		if err != nil {
			g.respondErr(w, err)
			return
		}
		out = append(out, task)
	}
	g.respondJSON(w, http.StatusCreated, out)
}

func (g *Gateway) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := tasks.Filter{
		Status:    types.Status(q.Get("status")),
		Assignee:  q.Get("assignee"),
		IssueType: types.IssueType(q.Get("issue_type")),
	}
	g.respondJSON(w, http.StatusOK, g.taskSt.List(f))
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	g.respondJSON(w, http.StatusOK, g.taskSt.Ready())
}

func (g *Gateway) handleShowTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, err := g.taskSt.Show(id)
	if err != nil {
		g.respondErr(w, err)
		return
	}
	g.respondJSON(w, http.StatusOK, task)
}

func (g *Gateway) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var patch tasks.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		g.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	task, err := g.taskSt.Update(id, patch)
	if err != nil {
		g.respondErr(w, err)
		return
	}
	g.respondJSON(w, http.StatusOK, task)
}

func (g *Gateway) handleCloseTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	override := r.URL.Query().Get("override") == "true"
	if err := g.taskSt.Close(id, override); err != nil {
		g.respondErr(w, err)
		return
	}
	g.respondJSON(w, http.StatusOK, map[string]bool{"closed": true})
}

func (g *Gateway) handleCloseEligibleEpics(w http.ResponseWriter, r *http.Request) {
	ids, err := g.taskSt.CloseEligibleEpics()
	if err != nil {
		g.respondErr(w, err)
		return
	}
	g.respondJSON(w, http.StatusOK, map[string][]string{"closed": ids})
}

// --- Reservations ---

// handleAcquireReservation is the agent-facing endpoint an agent calls
// as it touches a file (spec §4.7: "the agent acquires as it touches
// files"). A conflict is returned as 409 with the existing holder's
// agent name, matching scenario S3.
func (g *Gateway) handleAcquireReservation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path  string `json:"path"`
		Agent string `json:"agent"`
		Task  string `json:"task"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		g.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	res, err := g.ledger.Acquire(body.Path, body.Agent, body.Task)
	if err != nil {
		var conflict *reservations.ConflictError
		if errors.As(err, &conflict) {
			g.respondJSON(w, http.StatusConflict, map[string]string{"error": conflict.Error(), "existingAgent": conflict.ExistingAgent})
			return
		}
		g.respondErr(w, err)
		return
	}
	g.respondJSON(w, http.StatusCreated, res)
}

func (g *Gateway) handleListReservations(w http.ResponseWriter, r *http.Request) {
	g.respondJSON(w, http.StatusOK, g.ledger.List(r.URL.Query().Get("agent")))
}

func (g *Gateway) handleReleaseReservation(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]
	if err := g.ledger.ReleasePath(path); err != nil {
		g.respondErr(w, err)
		return
	}
	g.respondJSON(w, http.StatusOK, map[string]bool{"released": true})
}

// --- Sessions / spawn ---

func (g *Gateway) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req supervisor.SpawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	sess, err := g.sup.Spawn(r.Context(), req)
	if err != nil {
		g.respondErr(w, err)
		return
	}
	g.respondJSON(w, http.StatusCreated, sess)
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	g.respondJSON(w, http.StatusOK, g.sup.List())
}

func (g *Gateway) handlePause(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := g.sup.PauseSession(r.Context(), name); err != nil {
		g.respondErr(w, err)
		return
	}
	g.respondJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

// handleAttach is a hint-only endpoint: it records no server-side state
// beyond confirming the session exists, for a viewer to use as a signal
// to open its own connection to the underlying terminal.
func (g *Gateway) handleAttach(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, err := g.sup.Get(name); err != nil {
		g.respondErr(w, err)
		return
	}
	g.respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (g *Gateway) handleKillSession(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := g.sup.KillSession(r.Context(), name); err != nil {
		g.respondErr(w, err)
		return
	}
	g.respondJSON(w, http.StatusOK, map[string]bool{"killed": true})
}

// --- Signals ---

func (g *Gateway) handleSignal(w http.ResponseWriter, r *http.Request) {
	kind := mux.Vars(r)["kind"]

	var body struct {
		Session string                 `json:"session"`
		Task    string                 `json:"task"`
		Payload map[string]interface{} `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		g.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	sig := types.Signal{
		Session:    body.Session,
		Kind:       types.SignalKind(kind),
		Task:       body.Task,
		Payload:    body.Payload,
		ReceivedAt: time.Now().UTC(),
	}
	g.bus.Publish(sig)
	g.respondJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// handleStream upgrades to a WebSocket and streams signal fan-out,
// optionally replaying from a last-seen sequence number given as
// ?since=<n>.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sessionFilter := r.URL.Query().Get("session")
	ch, unsubscribe := g.bus.Subscribe(sessionFilter)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go drainClientReads(conn, cancel)

	if since := r.URL.Query().Get("since"); since != "" {
		var seq uint64
		if _, err := parseUint(since, &seq); err == nil {
			for _, sig := range g.bus.ReplayFrom(seq) {
				if sessionFilter != "" && sig.Session != sessionFilter {
					continue
				}
				if err := conn.WriteJSON(sig); err != nil {
					return
				}
			}
		}
	}

	for {
		select {
		case d, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(d.Signal); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// drainClientReads discards inbound frames so the connection's
// keep-alive/close control frames are processed, cancelling ctx once
// the client disconnects.
func drainClientReads(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func parseUint(s string, out *uint64) (int, error) {
	var v uint64
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return n, apperr.New(apperr.KindValidation, "invalid sequence number")
		}
		v = v*10 + uint64(c-'0')
		n++
	}
	*out = v
	return n, nil
}
