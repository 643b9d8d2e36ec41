package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const liveEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

// LiveClient is a bidirectional streaming client for the Gemini Live API.
// Input is 16kHz mono PCM; the model answers with 24kHz mono PCM on the
// Audio channel. Speech-to-speech: there is no separate STT/TTS stage.
type LiveClient struct {
	apiKey            string
	model             string
	voice             string
	systemInstruction string
	endpoint          string

	conn      *websocket.Conn
	audio     chan []byte
	interrupt chan struct{}
	stopCh    chan struct{}
	mu        sync.Mutex
	connected bool
}

func NewLiveClient(apiKey, model, voice, systemInstruction string) *LiveClient {
	return &LiveClient{
		apiKey:            apiKey,
		model:             model,
		voice:             voice,
		systemInstruction: systemInstruction,
		endpoint:          liveEndpoint,
		audio:             make(chan []byte, 256),
		interrupt:         make(chan struct{}, 1),
		stopCh:            make(chan struct{}),
	}
}

type liveSetup struct {
	Setup struct {
		Model            string `json:"model"`
		GenerationConfig struct {
			ResponseModalities []string `json:"responseModalities"`
			SpeechConfig       struct {
				VoiceConfig struct {
					PrebuiltVoiceConfig struct {
						VoiceName string `json:"voiceName"`
					} `json:"prebuiltVoiceConfig"`
				} `json:"voiceConfig"`
			} `json:"speechConfig"`
		} `json:"generationConfig"`
		SystemInstruction *liveContent `json:"systemInstruction,omitempty"`
	} `json:"setup"`
}

type liveContent struct {
	Parts []livePart `json:"parts"`
}

type livePart struct {
	Text       string          `json:"text,omitempty"`
	InlineData *liveInlineData `json:"inlineData,omitempty"`
}

type liveInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type liveRealtimeInput struct {
	RealtimeInput struct {
		MediaChunks []liveInlineData `json:"mediaChunks"`
	} `json:"realtimeInput"`
}

type liveServerMessage struct {
	SetupComplete *struct{} `json:"setupComplete,omitempty"`
	ServerContent *struct {
		ModelTurn    *liveContent `json:"modelTurn,omitempty"`
		Interrupted  bool         `json:"interrupted,omitempty"`
		TurnComplete bool         `json:"turnComplete,omitempty"`
	} `json:"serverContent,omitempty"`
}

// Connect dials the live endpoint and sends the session setup message.
func (c *LiveClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	if c.apiKey == "" {
		return fmt.Errorf("gemini: api key missing")
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, c.endpoint+"?key="+c.apiKey, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("gemini: connect failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("gemini: connect failed: %w", err)
	}

	var setup liveSetup
	setup.Setup.Model = "models/" + c.model
	setup.Setup.GenerationConfig.ResponseModalities = []string{"AUDIO"}
	setup.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName = c.voice
	if c.systemInstruction != "" {
		setup.Setup.SystemInstruction = &liveContent{Parts: []livePart{{Text: c.systemInstruction}}}
	}
	if err := conn.WriteJSON(setup); err != nil {
		_ = conn.Close()
		return fmt.Errorf("gemini: send setup: %w", err)
	}

	c.conn = conn
	c.connected = true
	go c.readLoop()
	log.Printf("gemini: live session connected (model=%s voice=%s)", c.model, c.voice)
	return nil
}

// SendPCM16KLE streams a chunk of 16kHz mono little-endian PCM to the model.
func (c *LiveClient) SendPCM16KLE(pcm []byte) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return fmt.Errorf("gemini: not connected")
	}
	var msg liveRealtimeInput
	msg.RealtimeInput.MediaChunks = []liveInlineData{{
		MimeType: "audio/pcm;rate=16000",
		Data:     base64.StdEncoding.EncodeToString(pcm),
	}}
	return conn.WriteJSON(msg)
}

// Audio returns the channel of 24kHz mono PCM chunks spoken by the model.
// The channel is closed when the connection ends.
func (c *LiveClient) Audio() <-chan []byte { return c.audio }

// Interrupted signals that the model's turn was cut off by user speech;
// queued playback should be dropped.
func (c *LiveClient) Interrupted() <-chan struct{} { return c.interrupt }

// Close terminates the connection. Safe to call more than once.
func (c *LiveClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	close(c.stopCh)
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	return nil
}

func (c *LiveClient) readLoop() {
	defer close(c.audio)
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stopCh:
			default:
				log.Printf("gemini: read error: %v", err)
			}
			return
		}
		c.processMessage(message)
	}
}

func (c *LiveClient) processMessage(message []byte) {
	var msg liveServerMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Printf("gemini: unmarshal server message: %v", err)
		return
	}
	if msg.SetupComplete != nil {
		log.Printf("gemini: setup complete")
		return
	}
	sc := msg.ServerContent
	if sc == nil {
		return
	}
	if sc.Interrupted {
		select {
		case c.interrupt <- struct{}{}:
		default:
		}
		return
	}
	if sc.ModelTurn == nil {
		return
	}
	for _, part := range sc.ModelTurn.Parts {
		if part.InlineData == nil || part.InlineData.Data == "" {
			continue
		}
		pcm, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
		if err != nil {
			log.Printf("gemini: decode audio: %v", err)
			continue
		}
		select {
		case c.audio <- pcm:
		default:
			// Drop rather than stall the read loop when playback lags.
		}
	}
}
