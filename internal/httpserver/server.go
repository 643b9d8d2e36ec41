package httpserver

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/chadiek/avatar-bridge/internal/bot"
	"github.com/chadiek/avatar-bridge/internal/config"
	"github.com/chadiek/avatar-bridge/internal/observability"
	"github.com/chadiek/avatar-bridge/internal/rtc"
	"github.com/chadiek/avatar-bridge/internal/session"
	"github.com/chadiek/avatar-bridge/internal/tavus"
)

// peerConn is the transport surface the signaling handler needs from a peer
// connection. *rtc.Peer implements it.
type peerConn interface {
	session.Transport
	Negotiate(offer rtc.SessionDescription) (rtc.SessionDescription, error)
	OnClosed(fn func())
	OnAudio(fn func(pcm []byte))
	WriteAudio24K(pcm []byte)
	ResetAudio()
}

// Server wires the signaling and introspection endpoints to the session
// registry and the teardown coordinator.
type Server struct {
	Echo *echo.Echo

	cfg         config.Config
	registry    *session.Registry
	coordinator *session.Coordinator
	runner      *bot.Runner
	metrics     *observability.Metrics

	// newAvatar and newPeer are swappable in tests.
	newAvatar func() *tavus.Client
	newPeer   func() (peerConn, error)

	mu               sync.Mutex
	latestStandalone map[string]any
}

func New(cfg config.Config, registry *session.Registry, coordinator *session.Coordinator, runner *bot.Runner, metrics *observability.Metrics) *Server {
	s := &Server{
		cfg:         cfg,
		registry:    registry,
		coordinator: coordinator,
		runner:      runner,
		metrics:     metrics,
	}
	s.newAvatar = func() *tavus.Client {
		return tavus.NewClient(cfg.TavusAPIKey, cfg.TavusReplicaID, cfg.TavusPersonaID)
	}
	s.newPeer = func() (peerConn, error) {
		return rtc.NewPeer(cfg.ICEServersJSON)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	e.POST("/api/offer", func(c echo.Context) error {
		return s.handleOffer(c, tavus.TypeGeneral, "")
	})
	e.POST("/api/register-founder", func(c echo.Context) error {
		return s.handleOffer(c, tavus.TypeRegistration, "founder")
	})
	e.POST("/api/admin-tavus", func(c echo.Context) error {
		return s.handleOffer(c, tavus.TypeInterview, "company")
	})

	e.GET("/api/tavus/conversation/:pc_id", s.conversationByID)
	e.GET("/api/tavus/status", s.tavusStatus)
	e.GET("/api/tavus/latest", s.latestConversation)
	e.GET("/api/tavus/conversations", s.listConversations)
	e.POST("/api/tavus/end/:pc_id", s.endConversation)

	e.POST("/api/create-tavus-conversation", s.createStandalone)
	e.POST("/api/tavus/create-conversation", s.createStandalone)

	s.Echo = e
	return s
}

type offerRequest struct {
	SDP         string         `json:"sdp"`
	Type        string         `json:"type"`
	PcID        string         `json:"pc_id"`
	FounderData map[string]any `json:"founder_data"`
	CompanyData map[string]any `json:"company_data"`
}

type offerResponse struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
	PcID string `json:"pc_id"`
}

// handleOffer runs offer/answer negotiation. An existing pc_id renegotiates on
// the stored transport; otherwise a new peer connection is created, registered
// and handed to the background pipeline task. The response never waits for the
// pipeline or the avatar conversation.
func (s *Server) handleOffer(c echo.Context, typ tavus.ConversationType, metadataKey string) error {
	var req offerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if req.SDP == "" || req.Type == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "missing sdp or type"})
	}

	if req.PcID != "" {
		if sess, ok := s.registry.Get(req.PcID); ok {
			answerSDP, err := sess.Transport().Renegotiate(c.Request().Context(), req.SDP, req.Type)
			if err != nil {
				log.Printf("[%s] renegotiation failed: %v", req.PcID, err)
				if errors.Is(err, rtc.ErrInvalidOffer) {
					return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid offer"})
				}
				return c.JSON(http.StatusInternalServerError, echo.Map{"error": "renegotiation failed"})
			}
			return c.JSON(http.StatusOK, offerResponse{SDP: answerSDP, Type: "answer", PcID: sess.ID})
		}
		// Unknown pc_id falls through and negotiates a fresh session.
	}

	var metadata map[string]any
	switch metadataKey {
	case "founder":
		metadata = req.FounderData
	case "company":
		metadata = req.CompanyData
	}

	peer, err := s.newPeer()
	if err != nil {
		log.Printf("peer connection setup failed: %v", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "peer connection setup failed"})
	}
	answer, err := peer.Negotiate(rtc.SessionDescription{Type: req.Type, SDP: req.SDP})
	if err != nil {
		_ = peer.Disconnect()
		log.Printf("[%s] negotiation failed: %v", peer.ID(), err)
		// Malformed offers are the client's fault; anything else is a
		// transport failure on our side.
		if errors.Is(err, rtc.ErrInvalidOffer) {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid offer"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "negotiation failed"})
	}

	avatar := s.newAvatar()
	sess, created := s.registry.LookupOrCreate(peer.ID(), session.NewSessionParams{
		Type:      typ,
		Metadata:  metadata,
		Transport: peer,
		Avatar:    avatar,
	})
	if !created {
		// The transport assigns unique ids, so a collision means a bug.
		_ = peer.Disconnect()
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "session id collision"})
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	sess.SetCancel(cancel)
	peer.OnClosed(func() {
		s.coordinator.Teardown(context.Background(), sess.ID)
	})

	if s.metrics != nil {
		s.metrics.ActiveSessions.Inc()
		s.metrics.SessionEvents.WithLabelValues("created").Inc()
	}
	log.Printf("[%s] session created (type=%s)", sess.ID, typ)

	go s.runner.Run(taskCtx, sess, peer, avatar)

	return c.JSON(http.StatusOK, offerResponse{SDP: answer.SDP, Type: answer.Type, PcID: sess.ID})
}

func (s *Server) conversationByID(c echo.Context) error {
	sess, ok := s.registry.Get(c.Param("pc_id"))
	if !ok {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "Unknown pc_id"})
	}
	avatar := sess.Avatar()
	if avatar == nil || sess.ConversationID() == "" {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "No Tavus conversation for this session"})
	}
	if data := avatar.ConversationData(); data != nil {
		return c.JSON(http.StatusOK, data)
	}
	status, err := avatar.ConversationStatus(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) tavusStatus(c echo.Context) error {
	if s.cfg.TavusAPIKey == "" || (s.cfg.TavusReplicaID == "" && s.cfg.TavusPersonaID == "") {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "Tavus is not configured"})
	}
	withConversation := 0
	for _, sess := range s.registry.List() {
		if sess.ConversationID() != "" {
			withConversation++
		}
	}
	return c.JSON(http.StatusOK, echo.Map{
		"status":             "ready",
		"replica_id":         s.cfg.TavusReplicaID,
		"api_key_present":    true,
		"active_connections": s.registry.Len(),
		"tavus_integrations": withConversation,
	})
}

// latestConversation returns the most recently created conversation: the
// newest session-bound one, or the last standalone one when no session ever
// got a conversation attached.
func (s *Server) latestConversation(c echo.Context) error {
	sessions := s.registry.List()
	for i := len(sessions) - 1; i >= 0; i-- {
		sess := sessions[i]
		if sess.ConversationID() == "" {
			continue
		}
		data := map[string]any{}
		if avatar := sess.Avatar(); avatar != nil {
			for k, v := range avatar.ConversationData() {
				data[k] = v
			}
		}
		data["pc_id"] = sess.ID
		return c.JSON(http.StatusOK, data)
	}

	s.mu.Lock()
	standalone := s.latestStandalone
	s.mu.Unlock()
	if standalone != nil {
		return c.JSON(http.StatusOK, standalone)
	}
	return c.JSON(http.StatusNotFound, echo.Map{"error": "No Tavus conversations found"})
}

func (s *Server) listConversations(c echo.Context) error {
	out := make([]map[string]any, 0)
	for _, sess := range s.registry.List() {
		convID := sess.ConversationID()
		if convID == "" {
			continue
		}
		status := "unknown"
		if avatar := sess.Avatar(); avatar != nil {
			if data, err := avatar.ConversationStatus(c.Request().Context()); err == nil {
				if v, ok := data["status"].(string); ok {
					status = v
				}
			}
		}
		out = append(out, map[string]any{
			"pc_id":           sess.ID,
			"conversation_id": convID,
			"status":          status,
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"conversations": out})
}

func (s *Server) endConversation(c echo.Context) error {
	pcID := c.Param("pc_id")
	if _, ok := s.coordinator.Teardown(c.Request().Context(), pcID); !ok {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "Conversation not found"})
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "ended", "pc_id": pcID})
}

// createStandalone creates a conversation that is not tied to any session;
// the caller joins it directly through the returned URL.
func (s *Server) createStandalone(c echo.Context) error {
	avatar := s.newAvatar()
	data, err := avatar.CreateConversation(c.Request().Context(), tavus.TypeGeneral, nil)
	if err != nil {
		log.Printf("standalone conversation create failed: %v", err)
		if s.metrics != nil {
			s.metrics.ProviderErrors.WithLabelValues("tavus", "create").Inc()
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "Failed to create Tavus conversation"})
	}
	s.mu.Lock()
	s.latestStandalone = data
	s.mu.Unlock()
	return c.JSON(http.StatusOK, data)
}
