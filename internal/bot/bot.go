package bot

import (
	"context"
	"log"

	"github.com/chadiek/avatar-bridge/internal/config"
	"github.com/chadiek/avatar-bridge/internal/gemini"
	"github.com/chadiek/avatar-bridge/internal/observability"
	"github.com/chadiek/avatar-bridge/internal/session"
	"github.com/chadiek/avatar-bridge/internal/tavus"
)

// transport is the slice of rtc.Peer the pipeline needs.
type transport interface {
	ID() string
	OnAudio(fn func(pcm []byte))
	WriteAudio24K(pcm []byte)
	ResetAudio()
}

// liveSession is the realtime speech LLM leg of the pipeline.
type liveSession interface {
	Connect(ctx context.Context) error
	SendPCM16KLE(pcm []byte) error
	Audio() <-chan []byte
	Interrupted() <-chan struct{}
	Close() error
}

// Runner launches and runs the per-session media pipeline task: best-effort
// avatar conversation creation, then audio bridging between the peer
// connection and the realtime LLM until cancelled.
type Runner struct {
	cfg      config.Config
	registry *session.Registry
	metrics  *observability.Metrics

	// newLive is swappable in tests.
	newLive func(systemInstruction string) liveSession
}

func NewRunner(cfg config.Config, registry *session.Registry, metrics *observability.Metrics) *Runner {
	r := &Runner{cfg: cfg, registry: registry, metrics: metrics}
	r.newLive = func(systemInstruction string) liveSession {
		return gemini.NewLiveClient(cfg.GoogleAPIKey, cfg.GeminiModel, cfg.GeminiVoice, systemInstruction)
	}
	return r
}

// Run executes the pipeline for one session. It is started as a background
// task by the signaling handler; every failure here is logged and never
// propagates to the already-answered HTTP request.
func (r *Runner) Run(ctx context.Context, sess *session.Session, peer transport, avatar *tavus.Client) {
	id := peer.ID()

	// Avatar conversation is best-effort: registration sessions run
	// audio-only and skip it; any creation failure degrades the session to
	// voice-only with a warning.
	if sess.Type != tavus.TypeRegistration {
		if _, err := avatar.CreateConversation(ctx, sess.Type, sess.Metadata()); err != nil {
			log.Printf("[%s] failed to create Tavus conversation, continuing without tracking: %v", id, err)
			if r.metrics != nil {
				r.metrics.ProviderErrors.WithLabelValues("tavus", "create").Inc()
			}
		} else {
			log.Printf("[%s] Tavus conversation created: %s", id, avatar.ConversationID())
			if err := r.registry.AttachConversation(sess.ID, avatar.ConversationID(), avatar.ConversationURL()); err != nil {
				log.Printf("[%s] attach conversation: %v", id, err)
				// Teardown removed the session while the create call was in
				// flight; end the conversation rather than orphaning it.
				if endErr := avatar.EndConversation(context.Background()); endErr != nil {
					log.Printf("[%s] end orphaned conversation: %v", id, endErr)
				}
			}
		}
	}
	sess.MarkActive()

	live := r.newLive(tavus.SystemInstruction(sess.Type, sess.Metadata()))
	if err := live.Connect(ctx); err != nil {
		log.Printf("[%s] realtime LLM connect failed: %v", id, err)
		if r.metrics != nil {
			r.metrics.ProviderErrors.WithLabelValues("gemini", "connect").Inc()
		}
		// The pipeline cannot run; release the avatar resource it created.
		if avatar.ConversationID() != "" {
			if err := avatar.EndConversation(context.Background()); err != nil {
				log.Printf("[%s] end conversation after pipeline failure: %v", id, err)
			}
		}
		return
	}
	defer live.Close()

	peer.OnAudio(func(pcm []byte) {
		if err := live.SendPCM16KLE(pcm); err != nil {
			log.Printf("[%s] send audio to LLM: %v", id, err)
		}
	})

	for {
		select {
		case <-ctx.Done():
			return
		case pcm, ok := <-live.Audio():
			if !ok {
				return
			}
			peer.WriteAudio24K(pcm)
		case <-live.Interrupted():
			peer.ResetAudio()
		}
	}
}
