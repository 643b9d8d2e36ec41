package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress      string
	TavusAPIKey      string
	TavusReplicaID   string
	TavusPersonaID   string
	GoogleAPIKey     string
	GeminiModel      string
	GeminiVoice      string
	ICEServersJSON   string
	MetricsNamespace string
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file loaded")
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":7860"
	}

	tavusKey := os.Getenv("TAVUS_API_KEY")
	if tavusKey == "" {
		log.Println("Warning: TAVUS_API_KEY not set - avatar conversations will not be created")
	}
	replicaID := os.Getenv("TAVUS_REPLICA_ID")
	personaID := os.Getenv("TAVUS_PERSONA_ID")
	if replicaID == "" && personaID == "" {
		log.Println("Warning: neither TAVUS_REPLICA_ID nor TAVUS_PERSONA_ID set - avatar conversations will not be created")
	}

	googleKey := os.Getenv("GOOGLE_API_KEY")
	if googleKey == "" {
		log.Println("Warning: GOOGLE_API_KEY not set - realtime voice will not work")
	}

	geminiModel := os.Getenv("GEMINI_MODEL")
	if geminiModel == "" {
		geminiModel = "gemini-2.0-flash-live-001"
	}
	geminiVoice := os.Getenv("GEMINI_VOICE")
	if geminiVoice == "" {
		geminiVoice = "Puck"
	}

	iceServers := os.Getenv("ICE_SERVERS_JSON")
	if iceServers == "" {
		iceServers = `[{"urls":["stun:stun.l.google.com:19302"]}]`
	}

	namespace := os.Getenv("METRICS_NAMESPACE")
	if namespace == "" {
		namespace = "avatarbridge"
	}

	log.Printf("config: HTTP_ADDRESS=%s", addr)
	return Config{
		HTTPAddress:      addr,
		TavusAPIKey:      tavusKey,
		TavusReplicaID:   replicaID,
		TavusPersonaID:   personaID,
		GoogleAPIKey:     googleKey,
		GeminiModel:      geminiModel,
		GeminiVoice:      geminiVoice,
		ICEServersJSON:   iceServers,
		MetricsNamespace: namespace,
	}
}
