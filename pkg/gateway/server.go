package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// shutdownGrace bounds how long Run waits for sessions and the listener
// after its context is cancelled.
const shutdownGrace = 2 * time.Second

// Server accepts websocket connections and runs one Session per client.
// The registry exists only so shutdown can reach every live session.
type Server struct {
	cfg    Config
	stt    STTProvider
	llm    LLMProvider
	tts    TTSProvider
	verify SpeakerVerifier
	log    zerolog.Logger

	nextID   atomic.Int64
	mu       sync.Mutex
	sessions map[int64]*Session
}

// NewServer wires a server; providers must be non-nil.
func NewServer(stt STTProvider, llm LLMProvider, tts TTSProvider, cfg Config, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		stt:      stt,
		llm:      llm,
		tts:      tts,
		log:      logger.With().Str("component", "server").Logger(),
		sessions: make(map[int64]*Session),
	}
}

// SetSpeakerVerifier installs a speaker authorization predicate applied to
// every session's inbound audio.
func (srv *Server) SetSpeakerVerifier(v SpeakerVerifier) { srv.verify = v }

// Run listens on the configured port and serves until ctx is cancelled,
// then drains within the bounded grace period. It returns ErrAddrInUse
// when the port is taken.
func (srv *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", srv.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("%w: %s", ErrAddrInUse, addr)
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv.log.Info().Str("addr", addr).Msg("listening")

	httpSrv := &http.Server{
		Handler:     http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { srv.handleConn(ctx, w, r) }),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		srv.closeSessions(sctx)
		return httpSrv.Shutdown(sctx)
	})
	return g.Wait()
}

func (srv *Server) handleConn(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The gateway fronts a single trusted voice client; no origin list.
		InsecureSkipVerify: true,
	})
	if err != nil {
		srv.log.Debug().Err(err).Msg("accept failed")
		return
	}
	ws.SetReadLimit(4 << 20)

	id := srv.nextID.Add(1)
	conn := NewConn(ctx, ws, srv.cfg, srv.log.With().Int64("session", id).Logger())
	sess := NewSession(ctx, id, conn, srv.stt, srv.llm, srv.tts, srv.cfg, srv.log)
	if srv.verify != nil {
		sess.SetSpeakerVerifier(srv.verify)
	}

	srv.register(sess)
	defer srv.unregister(sess)
	srv.log.Info().Int64("session", id).Str("remote", r.RemoteAddr).Msg("client connected")

	go sess.Run()
	srv.readLoop(ctx, conn, sess)
	<-sess.Done()
}

// readLoop pumps inbound frames into the session until the connection
// dies, then reports the disconnect.
func (srv *Server) readLoop(ctx context.Context, conn *Conn, sess *Session) {
	for {
		data, err := conn.ReadMessage(ctx)
		if err != nil {
			sess.Disconnect(err)
			return
		}
		sess.HandleRaw(data)
	}
}

func (srv *Server) register(s *Session) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.sessions[s.ID()] = s
}

func (srv *Server) unregister(s *Session) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	delete(srv.sessions, s.ID())
}

// closeSessions stops every live session and waits for their cleanup,
// bounded by ctx.
func (srv *Server) closeSessions(ctx context.Context) {
	srv.mu.Lock()
	open := make([]*Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		open = append(open, s)
	}
	srv.mu.Unlock()

	for _, s := range open {
		s.Stop()
	}
	for _, s := range open {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return
		}
	}
}

// SessionCount reports the number of live sessions.
func (srv *Server) SessionCount() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.sessions)
}
