package devserver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/companion-chat/internal/auth"
	"github.com/lexiqai/companion-chat/internal/observability"
	"github.com/lexiqai/companion-chat/internal/protocol"
	"github.com/lexiqai/companion-chat/internal/tts"
)

const subjectKey = "subject"

// Server is a reference backend speaking the chat protocol: token issuance,
// conversation REST endpoints, and the chat WebSocket with streamed speech.
type Server struct {
	store       *Store
	issuer      *auth.Issuer
	synthesizer tts.Synthesizer
	responder   Responder
	logger      zerolog.Logger
	engine      *gin.Engine

	mu    sync.Mutex
	conns map[*chatConn]struct{}
}

// Options holds the collaborators of a Server
type Options struct {
	Store       *Store
	Issuer      *auth.Issuer
	Synthesizer tts.Synthesizer
	Responder   Responder // defaults to FallbackResponder
}

// New creates a server and its router
func New(opts Options, logger zerolog.Logger) *Server {
	if opts.Responder == nil {
		opts.Responder = FallbackResponder{}
	}
	s := &Server{
		store:       opts.Store,
		issuer:      opts.Issuer,
		synthesizer: opts.Synthesizer,
		responder:   opts.Responder,
		logger:      logger,
		conns:       make(map[*chatConn]struct{}),
	}
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery(), s.requestLogger())

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "route not found"})
	})

	r.GET("/health", gin.WrapF(observability.HealthCheckHandler("devserver")))
	r.GET("/ready", gin.WrapF(observability.ReadinessHandler("devserver", map[string]observability.HealthCheckFunc{
		"database": func(ctx context.Context) (bool, error) {
			if err := s.store.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		},
	})))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.POST("/auth/token", s.issueToken)
	api.GET("/chat/:id/ws", s.chatWebSocket)

	authed := api.Group("/")
	authed.Use(s.authRequired())
	authed.POST("/conversations", s.createConversation)
	authed.GET("/conversations/:id", s.getConversation)
	authed.POST("/conversations/:id/messages", s.postMessage)

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("Request handled")
	}
}

func (s *Server) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "missing bearer token"})
			return
		}
		claims, err := s.issuer.Validate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": err.Error()})
			return
		}
		c.Set(subjectKey, claims.Subject)
		c.Next()
	}
}

type tokenRequest struct {
	Subject string `json:"subject"`
}

func (s *Server) issueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Subject) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "subject is required"})
		return
	}
	token, expiresAt, err := s.issuer.Issue(req.Subject)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to issue token")
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, auth.TokenResponse{Token: token, ExpiresAt: expiresAt})
}

type createConversationRequest struct {
	Title   string `json:"title"`
	Tone    string `json:"tone"`
	VoiceID string `json:"voiceId"`
}

func (s *Server) createConversation(c *gin.Context) {
	var req createConversationRequest
	_ = c.ShouldBindJSON(&req) // allow empty {}
	if req.VoiceID == "" {
		req.VoiceID = "ara"
	}
	if req.Title == "" {
		req.Title = "New conversation"
	}

	conv, err := s.store.CreateConversation(c.Request.Context(), c.GetString(subjectKey), req.Title, req.Tone, req.VoiceID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to create conversation")
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "failed to create conversation"})
		return
	}
	c.JSON(http.StatusCreated, s.conversationDocument(conv, nil))
}

// ownedConversation loads the conversation and writes the error response when the caller may not use it
func (s *Server) ownedConversation(c *gin.Context) (*Conversation, bool) {
	conv, err := s.store.GetConversation(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": "Conversation not found"})
		return nil, false
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "failed to load conversation"})
		return nil, false
	case conv.OwnerID != c.GetString(subjectKey):
		c.JSON(http.StatusForbidden, gin.H{"detail": "Access denied"})
		return nil, false
	}
	return conv, true
}

func (s *Server) getConversation(c *gin.Context) {
	conv, ok := s.ownedConversation(c)
	if !ok {
		return
	}
	msgs, err := s.store.ListMessages(c.Request.Context(), conv.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "failed to list messages"})
		return
	}
	c.JSON(http.StatusOK, s.conversationDocument(conv, msgs))
}

type postMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) postMessage(c *gin.Context) {
	conv, ok := s.ownedConversation(c)
	if !ok {
		return
	}
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Message content is required"})
		return
	}

	user, assistant, err := s.exchange(c.Request.Context(), conv, strings.TrimSpace(req.Content))
	if err != nil {
		s.logger.Error().Err(err).Str("conversation_id", conv.ID).Msg("Failed to process message")
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "failed to process message"})
		return
	}
	c.JSON(http.StatusOK, protocol.SendResult{
		UserMessage:      user.toProtocol(),
		AssistantMessage: assistant.toProtocol(),
	})
}

// exchange persists a user turn and the generated reply
func (s *Server) exchange(ctx context.Context, conv *Conversation, content string) (*Message, *Message, error) {
	user, err := s.store.AddMessage(ctx, conv.ID, protocol.RoleUser, content)
	if err != nil {
		return nil, nil, err
	}

	reply, err := s.responder.Respond(ctx, conv, content)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Responder failed, using fallback reply")
		reply, _ = FallbackResponder{}.Respond(ctx, conv, content)
	}

	assistant, err := s.store.AddMessage(ctx, conv.ID, protocol.RoleAssistant, reply)
	if err != nil {
		return nil, nil, err
	}
	return user, assistant, nil
}

func (s *Server) conversationDocument(conv *Conversation, msgs []Message) protocol.Conversation {
	doc := protocol.Conversation{
		ID:          conv.ID,
		AssistantID: conv.VoiceID,
		Title:       conv.Title,
		CreatedAt:   conv.CreatedAt,
		UpdatedAt:   conv.UpdatedAt,
		Messages:    make([]protocol.Message, 0, len(msgs)),
	}
	for _, m := range msgs {
		doc.Messages = append(doc.Messages, m.toProtocol())
	}
	return doc
}

// ActiveConnections returns the number of open chat sockets
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropConnections closes every chat socket without a close handshake
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*chatConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
}

// Run serves on addr until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:        addr,
		Handler:     s.engine,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("Dev server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Shutting down dev server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.DropConnections()
	return server.Shutdown(shutdownCtx)
}
