package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/weiawesome/lobbycast/internal/config"
	pkglog "github.com/weiawesome/lobbycast/pkg/log"
	"github.com/weiawesome/lobbycast/pkg/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WSHandler struct {
	hub    *Hub
	router *Router
	tokens middleware.TokenValidator
	wsCfg  config.WebSocketConfig
	logger zerolog.Logger
}

// NewWSHandler serves router on hub's connections. With a nil tokens
// validator every connection is anonymous.
func NewWSHandler(h *Hub, router *Router, tokens middleware.TokenValidator, wsCfg config.WebSocketConfig) *WSHandler {
	return &WSHandler{
		hub:    h,
		router: router,
		tokens: tokens,
		wsCfg:  wsCfg,
		logger: pkglog.Component("rpc"),
	}
}

func (h *WSHandler) RegisterRoutes(r *mux.Router) {
	path := h.wsCfg.Path
	if path == "" {
		path = "/ws"
	}
	r.HandleFunc(path, h.HandleWebSocket)
}

func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	session := &Session{ConnID: uuid.NewString()}

	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = middleware.BearerToken(r.Header.Get(middleware.AuthHeaderKey))
	}
	if token != "" && h.tokens != nil {
		claims, err := h.tokens.Validate(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		session.Claims = claims
	}

	if h.hub.Draining() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log := pkglog.Ctx(r.Context())
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(session.ConnID, h.hub, conn, h.wsCfg, session)
	if !h.hub.Register(client) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "shutting down"), deadline(h.wsCfg))
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump(h.handleMessage)
}

func (h *WSHandler) handleMessage(client *Client, message []byte) {
	var req Request
	if err := json.Unmarshal(message, &req); err != nil {
		client.Send(errorResponse(nil, "", Errorf(CodeParseError, "invalid JSON")))
		return
	}
	id := bytes.TrimSpace(req.ID)
	if len(id) == 0 || bytes.Equal(id, nullID) {
		client.Send(errorResponse(nil, req.Params.Path, Errorf(CodeBadRequest, "missing id")))
		return
	}

	switch req.Method {
	case MethodQuery, MethodMutation:
		h.call(client, req)
	case MethodSubscription:
		h.subscribe(client, req)
	case MethodSubscriptionStop:
		if client.stopSub(string(id)) {
			client.Send(resultResponse(req.ID, ResultStopped, nil))
		}
	default:
		client.Send(errorResponse(req.ID, req.Params.Path, Errorf(CodeMethodNotSupported, "unknown method %q", req.Method)))
	}
}

func (h *WSHandler) call(client *Client, req Request) {
	proc, rpcErr := h.router.lookup(req.Method, req.Params.Path)
	if rpcErr != nil {
		client.Send(errorResponse(req.ID, req.Params.Path, rpcErr))
		return
	}

	go func() {
		out, err := proc.call(client.Context(), client.Session, req.Params.Input)
		if err != nil {
			h.fail(client, req, err)
			return
		}
		data, err := json.Marshal(out)
		if err != nil {
			h.fail(client, req, err)
			return
		}
		client.Send(resultResponse(req.ID, ResultData, data))
	}()
}

func (h *WSHandler) subscribe(client *Client, req Request) {
	proc, rpcErr := h.router.lookup(MethodSubscription, req.Params.Path)
	if rpcErr != nil {
		client.Send(errorResponse(req.ID, req.Params.Path, rpcErr))
		return
	}

	subID := string(bytes.TrimSpace(req.ID))
	ctx, ok := client.startSub(subID)
	if !ok {
		client.Send(errorResponse(req.ID, req.Params.Path, Errorf(CodeBadRequest, "duplicate id %s", subID)))
		return
	}
	client.Send(resultResponse(req.ID, ResultStarted, nil))

	emit := func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		client.Send(resultResponse(req.ID, ResultData, data))
		return nil
	}

	go func() {
		err := proc.stream(ctx, client.Session, req.Params.Input, emit)
		if ctx.Err() != nil {
			return
		}
		client.stopSub(subID)
		if err != nil {
			h.fail(client, req, err)
			return
		}
		client.Send(resultResponse(req.ID, ResultStopped, nil))
	}()
}

func (h *WSHandler) fail(client *Client, req Request, err error) {
	rpcErr := asError(err)
	if rpcErr.Code == CodeInternal {
		h.logger.Error().Err(err).
			Str(pkglog.FieldConnID, client.ID).
			Str(pkglog.FieldRPCPath, req.Params.Path).
			RawJSON(pkglog.FieldRPCID, req.ID).
			Msg("procedure failed")
	}
	client.Send(errorResponse(req.ID, req.Params.Path, rpcErr))
}
