// Package gateway is C5, the edge: terminates every browser HTTP/WS
// connection, authenticates it, rate-limits it, and proxies it to
// whichever backing service (simulation, signaling, documents) owns
// the addressed resource (spec.md §4.5, external interfaces in §6).
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cosim-robotics/coreplane/internal/coreerr"
	"github.com/cosim-robotics/coreplane/internal/document"
	"github.com/cosim-robotics/coreplane/internal/signaling"
	"github.com/cosim-robotics/coreplane/internal/simulation"
)

// Router wires every external route to its backing service. Modeled
// on the teacher's api.SetupRouter: one constructor assembling a gin
// engine from already-constructed dependencies, no package-level
// globals.
type Router struct {
	sim       simulation.Service
	relay     *signaling.Relay
	docs      *document.Service
	auth      *Authenticator
	limiter   *RateLimiter
	respCache *ResponseCache
	logger    *zap.Logger
}

func NewRouter(sim simulation.Service, relay *signaling.Relay, docs *document.Service, auth *Authenticator, limiter *RateLimiter, respCache *ResponseCache, logger *zap.Logger) *Router {
	return &Router{sim: sim, relay: relay, docs: docs, auth: auth, limiter: limiter, respCache: respCache, logger: logger}
}

// Engine builds the gin.Engine serving every route in spec.md §6.
func (rt *Router) Engine() *gin.Engine {
	e := gin.New()
	e.Use(gin.Recovery())
	e.Use(rt.accessLog())

	e.GET("/health", rt.health)
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := e.Group("/v1")
	v1.Use(rt.authenticate(), rt.rateLimit("api"))
	{
		v1.POST("/simulations/create", rt.createSimulation)
		v1.DELETE("/simulations/:session_id", rt.deleteSimulation)
		v1.POST("/simulations/:session_id/execute", rt.executeSimulation)
		v1.GET("/simulations/:session_id/state", rt.simulationState)
		v1.GET("/simulations/:session_id/stream", rt.streamSimulation)
		v1.GET("/signaling", rt.signalingWS)
		v1.GET("/documents/:workspace_id/*path", rt.documentWS)
	}

	return e
}

func (rt *Router) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		rt.logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func (rt *Router) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// authenticate enforces a bearer token on every /v1 route. The
// authenticated subject is stashed in gin's context for downstream
// handlers and the rate limiter.
func (rt *Router) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := rt.auth.Authenticate(c.Request.Context(), c.GetHeader("Authorization"))
		if err != nil {
			status, body := errorResponse(err)
			c.AbortWithStatusJSON(status, body)
			return
		}
		c.Set("subject", claims.Subject)
		c.Next()
	}
}

func (rt *Router) rateLimit(routeClass string) gin.HandlerFunc {
	return func(c *gin.Context) {
		subject, _ := c.Get("subject")
		ok, err := rt.limiter.Allow(c.Request.Context(), subject.(string), routeClass)
		if err != nil {
			rt.logger.Warn("rate limiter degraded, failing open", zap.Error(err))
		} else if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded", Kind: string(coreerr.TooManyRequests)})
			return
		}
		c.Next()
	}
}

type createSimulationRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Engine    string `json:"engine" binding:"required"`
	ModelPath string `json:"model_path"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	FPS       int    `json:"fps"`
	Headless  bool   `json:"headless"`
}

func (rt *Router) createSimulation(c *gin.Context) {
	var req createSimulationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error(), Kind: string(coreerr.InvalidInput)})
		return
	}
	session := simulation.Session{
		ID:        req.SessionID,
		Engine:    simulation.Engine(req.Engine),
		ModelRef:  req.ModelPath,
		Width:     req.Width,
		Height:    req.Height,
		FPS:       req.FPS,
		Headless:  req.Headless,
		CreatedAt: time.Now(),
	}
	if err := rt.sim.Create(c.Request.Context(), session); err != nil {
		status, body := errorResponse(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "created"})
}

func (rt *Router) deleteSimulation(c *gin.Context) {
	err := rt.sim.Delete(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		status, body := errorResponse(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

type executeRequest struct {
	Code              string `json:"code" binding:"required"`
	ModelPathOverride string `json:"model_path,omitempty"`
	WorkingDir        string `json:"working_dir"`
}

func (rt *Router) executeSimulation(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error(), Kind: string(coreerr.InvalidInput)})
		return
	}
	result, err := rt.sim.Execute(c.Request.Context(), c.Param("session_id"), simulation.ExecutionRequest{
		Code:              req.Code,
		ModelPathOverride: req.ModelPathOverride,
		WorkingDir:        req.WorkingDir,
	})
	if err != nil {
		status, body := errorResponse(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": result.Status,
		"stdout": result.Stdout,
		"stderr": result.Stderr,
		"error":  result.Error,
	})
}

// simulationState is the one GET route worth response-caching per
// spec.md §6/§9: a hot polling client re-reading a session's snapshot
// shouldn't hit the substrate on every call within the cache window.
func (rt *Router) simulationState(c *gin.Context) {
	sessionID := c.Param("session_id")
	cacheKey := "sim-state:" + sessionID
	if body, ok := rt.respCache.Get(c.Request.Context(), cacheKey); ok {
		c.Data(http.StatusOK, "application/json", body)
		return
	}

	snapshot, err := rt.sim.GetState(c.Request.Context(), sessionID)
	if err != nil {
		status, body := errorResponse(err)
		c.JSON(status, body)
		return
	}
	body, err := json.Marshal(snapshot)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error(), Kind: string(coreerr.Internal)})
		return
	}
	rt.respCache.Set(c.Request.Context(), cacheKey, body)
	c.Data(http.StatusOK, "application/json", body)
}

// streamSimulation implements WS /simulations/{id}/stream: text
// control commands in, binary F1 frames and text "error" events out
// (spec.md §6). Exec results and status changes are not pushed on this
// socket.
func (rt *Router) streamSimulation(c *gin.Context) {
	sessionID := c.Param("session_id")
	conn, err := upgrade(c.Writer, c.Request)
	if err != nil {
		rt.logger.Debug("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	configureReadLimits(conn)

	sub, err := rt.sim.SubscribeStream(c.Request.Context(), sessionID, 0)
	if err != nil {
		status, body := errorResponse(err)
		conn.WriteJSON(gin.H{"type": "error", "error": body.Error, "status": status})
		return
	}
	defer sub.Unsubscribe()

	outbound := make(chan wireMessage, 16)
	go writePump(conn, outbound, rt.logger)
	defer close(outbound)

	for _, f := range sub.Backfill() {
		sendFrame(outbound, f)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			rt.handleControlCommand(c.Request.Context(), sessionID, string(payload), outbound)
		}
	}()

	for {
		select {
		case <-done:
			return
		case f, ok := <-sub.Frames():
			if !ok {
				return
			}
			sendFrame(outbound, f)
		}
	}
}

func sendFrame(outbound chan<- wireMessage, f simulation.Frame) {
	payload, err := simulation.EncodeFrame(f)
	if err != nil {
		return
	}
	select {
	case outbound <- binaryMessage(payload):
	default:
	}
}

// handleControlCommand parses one text control line — "play",
// "pause", "reset", "step <a0> <a1> ...", "set_fps <n>" — matching the
// instruction syntax documented in spec.md §6.
func (rt *Router) handleControlCommand(ctx context.Context, sessionID, line string, outbound chan<- wireMessage) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	msg := simulation.ControlMessage{}
	switch fields[0] {
	case "play":
		msg.Verb = simulation.ControlPlay
	case "pause":
		msg.Verb = simulation.ControlPause
	case "reset":
		msg.Verb = simulation.ControlReset
	case "step":
		msg.Verb = simulation.ControlStep
		for _, f := range fields[1:] {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				rt.sendEvent(outbound, "error", gin.H{"error": "malformed step argument"})
				return
			}
			msg.Action = append(msg.Action, v)
		}
	case "set_fps":
		msg.Verb = simulation.ControlSetFPS
		if len(fields) < 2 {
			rt.sendEvent(outbound, "error", gin.H{"error": "set_fps requires an argument"})
			return
		}
		fps, err := strconv.Atoi(fields[1])
		if err != nil {
			rt.sendEvent(outbound, "error", gin.H{"error": "malformed set_fps argument"})
			return
		}
		msg.FPS = fps
	default:
		rt.sendEvent(outbound, "error", gin.H{"error": "unknown control verb: " + fields[0]})
		return
	}

	if err := rt.sim.SendControl(ctx, sessionID, msg); err != nil {
		_, body := errorResponse(err)
		rt.sendEvent(outbound, "error", gin.H{"error": body.Error})
	}
}

func (rt *Router) sendEvent(outbound chan<- wireMessage, eventType string, fields gin.H) {
	fields["type"] = eventType
	payload, err := json.Marshal(fields)
	if err != nil {
		return
	}
	select {
	case outbound <- textMessage(payload):
	default:
	}
}

// signalingWS implements WS /signaling: a single socket joins exactly
// one room after its first "join" envelope, per spec.md §6's
// documented vocabulary.
func (rt *Router) signalingWS(c *gin.Context) {
	conn, err := upgrade(c.Writer, c.Request)
	if err != nil {
		return
	}
	defer conn.Close()
	configureReadLimits(conn)

	clientID := uuid.NewString()
	outbound := make(chan wireMessage, 32)
	go writePump(conn, outbound, rt.logger)
	defer close(outbound)

	rt.sendEvent(outbound, "welcome", gin.H{"clientId": clientID})

	var outboxClosed bool
	var joinedRoom string
	defer func() {
		if joinedRoom != "" {
			rt.relay.Leave(context.Background(), clientID)
		}
	}()

	for {
		var env map[string]any
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		msgType, _ := env["type"].(string)
		switch msgType {
		case "join":
			roomID, _ := env["roomId"].(string)
			role, _ := env["role"].(string)
			members, peerOutbox, err := rt.relay.Join(c.Request.Context(), clientID, roomID, role)
			if err != nil {
				rt.sendEvent(outbound, "error", gin.H{"error": err.Error()})
				continue
			}
			joinedRoom = roomID
			rt.sendEvent(outbound, "joined", gin.H{"participants": members})
			go rt.pumpSignalOutbox(peerOutbox, outbound, &outboxClosed)
		case "offer", "answer", "ice-candidate":
			target, _ := env["targetClientId"].(string)
			payload, _ := json.Marshal(env["payload"])
			err := rt.relay.Route(c.Request.Context(), signaling.SignalMessage{
				Type:           signaling.MessageType(msgType),
				FromClientID:   clientID,
				TargetClientID: target,
				Payload:        payload,
			})
			if err != nil {
				rt.sendEvent(outbound, "error", gin.H{"error": err.Error(), "type": "target-missing"})
			}
		case "leave":
			rt.relay.Leave(c.Request.Context(), clientID)
			joinedRoom = ""
		}
	}
}

func (rt *Router) pumpSignalOutbox(peerOutbox <-chan signaling.SignalMessage, outbound chan<- wireMessage, closed *bool) {
	for msg := range peerOutbox {
		if *closed {
			return
		}
		var payload any
		_ = json.Unmarshal(msg.Payload, &payload)
		rt.sendEvent(outbound, string(msg.Type), gin.H{"fromClientId": msg.FromClientID, "payload": payload})
	}
}

// documentWS implements WS /documents/{workspace_id}/{path}: client
// connects, is seeded with the current op log and awareness table, and
// exchanges further ops/awareness for the session's lifetime.
func (rt *Router) documentWS(c *gin.Context) {
	workspaceID := c.Param("workspace_id")
	path := strings.TrimPrefix(c.Param("path"), "/")

	conn, err := upgrade(c.Writer, c.Request)
	if err != nil {
		return
	}
	defer conn.Close()
	configureReadLimits(conn)

	clientID := uuid.NewString()
	ops, awareness, events, err := rt.docs.Connect(c.Request.Context(), workspaceID, path, clientID)
	if err != nil {
		status, body := errorResponse(err)
		conn.WriteJSON(gin.H{"type": "error", "error": body.Error, "status": status})
		return
	}
	defer rt.docs.Disconnect(context.Background(), workspaceID, path, clientID)

	outbound := make(chan wireMessage, 32)
	go writePump(conn, outbound, rt.logger)
	defer close(outbound)

	rt.sendEvent(outbound, "snapshot", gin.H{"ops": ops, "awareness": awareness})

	go func() {
		for ev := range events {
			rt.sendEvent(outbound, string(ev.Type), gin.H{"clientId": ev.ClientID, "op": ev.Op, "awareness": ev.Awareness})
		}
	}()

	for {
		var env map[string]any
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		msgType, _ := env["type"].(string)
		switch msgType {
		case "insert":
			afterSeq, _ := env["after_seq"].(float64)
			afterNode, _ := env["after_node"].(string)
			char, _ := env["char"].(string)
			if char == "" {
				continue
			}
			rune0 := []rune(char)[0]
			after := document.IDOf(uint64(afterSeq), afterNode)
			if _, err := rt.docs.Insert(c.Request.Context(), workspaceID, path, clientID, after, rune0); err != nil {
				rt.sendEvent(outbound, "error", gin.H{"error": err.Error()})
			}
		case "delete":
			seq, _ := env["seq"].(float64)
			node, _ := env["node"].(string)
			id := document.IDOf(uint64(seq), node)
			if _, err := rt.docs.Delete(c.Request.Context(), workspaceID, path, clientID, id); err != nil {
				rt.sendEvent(outbound, "error", gin.H{"error": err.Error()})
			}
		case "awareness":
			var state document.AwarenessState
			raw, _ := json.Marshal(env["state"])
			_ = json.Unmarshal(raw, &state)
			if err := rt.docs.SetAwareness(c.Request.Context(), workspaceID, path, clientID, state); err != nil {
				rt.sendEvent(outbound, "error", gin.H{"error": err.Error()})
			}
		}
	}
}
