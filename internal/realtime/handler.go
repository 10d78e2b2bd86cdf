package realtime

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/insforge/insforge/internal/httputil"
	"github.com/insforge/insforge/internal/tokens"
)

// Handler exposes the WebSocket endpoint and the channel admin API.
type Handler struct {
	hub    *Hub
	store  *Store
	tokens *tokens.Service
	logger *slog.Logger

	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, store *Store, tokenSvc *tokens.Service, logger *slog.Logger) *Handler {
	return &Handler{
		hub:    hub,
		store:  store,
		tokens: tokenSvc,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Cross-origin browser clients are expected; auth is the token,
			// not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Routes mounts the realtime API. adminOnly guards the channel management
// endpoints.
func (h *Handler) Routes(adminOnly func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Get("/ws", h.serveWS)
	r.Group(func(r chi.Router) {
		r.Use(adminOnly)
		r.Get("/channels", h.listChannels)
		r.Post("/channels", h.createChannel)
		r.Patch("/channels/{id}", h.updateChannel)
		r.Delete("/channels/{id}", h.deleteChannel)
	})
	return r
}

// serveWS upgrades the connection and authenticates it. The handshake is
// completed even on bad credentials so browser clients, which cannot read
// the body of a failed upgrade, receive a connect_error frame instead.
func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	token, ok := httputil.ExtractBearerToken(r)
	if !ok {
		token = r.URL.Query().Get("token")
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	claims, err := h.tokens.VerifyAccess(token)
	if err != nil {
		h.rejectConn(ws)
		return
	}

	// The subject is the user row id only for end-user sessions; internal
	// tokens carry fixed non-uuid subjects that must not reach sender_id.
	userID := claims.Subject
	if claims.IsAnon() || claims.IsAdmin() {
		userID = ""
	}

	conn := newConn(h.hub, h.store, ws, claims.Role, userID, h.logger)
	go conn.writePump()
	conn.sendFrame(frame{Event: EventConnect, Payload: connPayload(conn.ID)})
	conn.readPump(r.Context())
}

func (h *Handler) rejectConn(ws *websocket.Conn) {
	data := []byte(`{"event":"` + EventConnectError + `","error":"` + CodeUnauthorized + `"}`)
	_ = ws.WriteMessage(websocket.TextMessage, data)
	_ = ws.Close()
}

func connPayload(id string) []byte {
	return []byte(`{"connectionId":"` + id + `"}`)
}

type channelRequest struct {
	Pattern     string   `json:"pattern"`
	WebhookURLs []string `json:"webhookUrls"`
	Enabled     *bool    `json:"enabled"`
}

func (req *channelRequest) validate() string {
	if strings.TrimSpace(req.Pattern) == "" {
		return "pattern is required"
	}
	for _, raw := range req.WebhookURLs {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
			return "webhook url must be absolute http(s): " + raw
		}
	}
	return ""
}

func (req *channelRequest) enabled() bool {
	if req.Enabled == nil {
		return true
	}
	return *req.Enabled
}

func (h *Handler) listChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.store.ListChannels(r.Context())
	if err != nil {
		h.logger.Error("list channels", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, httputil.CodeInternalError, "failed to list channels")
		return
	}
	if channels == nil {
		channels = []Channel{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

func (h *Handler) createChannel(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, httputil.CodeInvalidInput, msg)
		return
	}
	channel, err := h.store.CreateChannel(r.Context(), req.Pattern, req.WebhookURLs, req.enabled())
	if err != nil {
		h.logger.Error("create channel", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, httputil.CodeInternalError, "failed to create channel")
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, channel)
}

func (h *Handler) updateChannel(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, httputil.CodeInvalidInput, msg)
		return
	}
	channel, err := h.store.UpdateChannel(r.Context(), chi.URLParam(r, "id"), req.Pattern, req.WebhookURLs, req.enabled())
	if err != nil {
		if errors.Is(err, ErrChannelNotFound) {
			httputil.WriteError(w, http.StatusNotFound, httputil.CodeNotFound, "channel not found")
			return
		}
		h.logger.Error("update channel", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, httputil.CodeInternalError, "failed to update channel")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, channel)
}

func (h *Handler) deleteChannel(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteChannel(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, ErrChannelNotFound) {
			httputil.WriteError(w, http.StatusNotFound, httputil.CodeNotFound, "channel not found")
			return
		}
		h.logger.Error("delete channel", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, httputil.CodeInternalError, "failed to delete channel")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
