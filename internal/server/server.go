package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/viewin/viewin-agent/internal/audio"
	"github.com/viewin/viewin-agent/internal/backend"
	"github.com/viewin/viewin-agent/internal/interview"
	"github.com/viewin/viewin-agent/internal/service"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10
)

// Session is the interview surface exposed over HTTP.
type Session interface {
	Status() service.Status
	Levels() (agent, mic float64)
	StartInterview(ctx context.Context) error
	ResetInterview(ctx context.Context) error
	Replay(ctx context.Context) error
	StartAnswer(ctx context.Context) error
	StopAnswer(ctx context.Context) error
	ConfirmAnswer(ctx context.Context) error
	RetryAnswer(ctx context.Context) error
	ReviewAnswer(ctx context.Context) error
}

// LevelFrame is pushed to websocket clients at the frame rate.
type LevelFrame struct {
	Step          interview.Step     `json:"step"`
	QuestionIndex int                `json:"question_index"`
	AgentState    service.AgentState `json:"agent_state,omitempty"`
	Agent         float64            `json:"agent"`
	Mic           float64            `json:"mic"`
	Time          time.Time          `json:"time"`
}

// Server represents the local control API for an interview session
type Server struct {
	session   Session
	addr      string
	frameRate int
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	router    *mux.Router
}

// New creates the control API. frameRate sets the websocket level cadence.
func New(session Session, port, frameRate int, logger *slog.Logger) *Server {
	if frameRate <= 0 {
		frameRate = 60
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		session:   session,
		addr:      fmt.Sprintf(":%d", port),
		frameRate: frameRate,
		logger:    logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: checkLocalOrigin,
		},
	}

	router := mux.NewRouter()
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/interview/start", s.command("start_interview", "Interview started", session.StartInterview)).Methods(http.MethodPost)
	api.HandleFunc("/interview/reset", s.command("reset_interview", "Interview reset", session.ResetInterview)).Methods(http.MethodPost)
	api.HandleFunc("/interview/replay", s.command("replay", "Replaying", session.Replay)).Methods(http.MethodPost)
	api.HandleFunc("/answer/start", s.command("start_answer", "Recording started", session.StartAnswer)).Methods(http.MethodPost)
	api.HandleFunc("/answer/stop", s.command("stop_answer", "Recording stopped", session.StopAnswer)).Methods(http.MethodPost)
	api.HandleFunc("/answer/confirm", s.command("confirm_answer", "Answer sent", session.ConfirmAnswer)).Methods(http.MethodPost)
	api.HandleFunc("/answer/retry", s.command("retry_answer", "Answer discarded", session.RetryAnswer)).Methods(http.MethodPost)
	api.HandleFunc("/answer/review", s.command("review_answer", "Playing answer", session.ReviewAnswer)).Methods(http.MethodPost)
	router.HandleFunc("/ws/levels", s.handleLevels)
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed", "path", r.URL.Path)
	})
	s.router = router

	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting control API", "addr", s.addr, "levels", "ws://localhost"+s.addr+"/ws/levels")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("control API failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.session.Status()); err != nil {
		s.logger.Error("Failed to encode status", "error", err)
	}
}

// command adapts a session operation to a POST handler.
func (s *Server) command(operation, message string, run func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("Command received", "operation", operation)
		if err := run(r.Context()); err != nil {
			s.sendErrorResponse(w, statusFor(err), err.Error(), "operation", operation)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"message": message,
			"status":  s.session.Status(),
		})
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, audio.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, audio.ErrDevice):
		return http.StatusServiceUnavailable
	case errors.Is(err, backend.ErrNetwork):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	case errors.Is(err, interview.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusConflict
	}
}

func (s *Server) handleLevels(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}
	s.logger.Debug("Level stream connected", "remote", r.RemoteAddr)

	closed := make(chan struct{})
	go s.readPump(conn, closed)
	s.writePump(conn, closed)
}

func (s *Server) writePump(conn *websocket.Conn, closed <-chan struct{}) {
	frames := time.NewTicker(time.Second / time.Duration(s.frameRate))
	pings := time.NewTicker(pingPeriod)
	defer func() {
		frames.Stop()
		pings.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-closed:
			return

		case now := <-frames.C:
			st := s.session.Status()
			agent, mic := s.session.Levels()
			frame := LevelFrame{
				Step:          st.Interview.Step,
				QuestionIndex: st.Interview.QuestionIndex,
				AgentState:    st.Agent,
				Agent:         agent,
				Mic:           mic,
				Time:          now,
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}

		case <-pings.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error("WebSocket read error", "error", err)
			}
			return
		}
	}
}

// checkLocalOrigin accepts non-browser clients and pages served from this
// machine.
func checkLocalOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// sendErrorResponse sends a JSON error response and logs the error with context
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	s.logger.Warn("Sending error response to client", logFields...)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}
