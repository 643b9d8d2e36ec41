package tavus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const defaultBaseURL = "https://tavusapi.com"

// ConversationType selects the prompt/context variant for a conversation.
type ConversationType string

const (
	TypeGeneral      ConversationType = "general"
	TypeRegistration ConversationType = "registration"
	TypeInterview    ConversationType = "interview"
)

// Client talks to the Tavus conversation API. A Client is scoped to a single
// session and tracks the one conversation it created, so that ending the
// conversation is idempotent for that session.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string

	apiKey    string
	replicaID string
	personaID string

	mu               sync.Mutex
	conversationID   string
	conversationURL  string
	conversationData map[string]any
}

func NewClient(apiKey, replicaID, personaID string) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		BaseURL:    defaultBaseURL,
		apiKey:     apiKey,
		replicaID:  replicaID,
		personaID:  personaID,
	}
}

type conversationProperties struct {
	ParticipantLeftTimeout int    `json:"participant_left_timeout"`
	Language               string `json:"language"`
}

type createConversationRequest struct {
	ReplicaID             string                 `json:"replica_id,omitempty"`
	PersonaID             string                 `json:"persona_id,omitempty"`
	ConversationName      string                 `json:"conversation_name,omitempty"`
	ConversationalContext string                 `json:"conversational_context,omitempty"`
	CustomGreeting        string                 `json:"custom_greeting,omitempty"`
	Properties            conversationProperties `json:"properties"`
}

// CreateConversation creates a remote conversation whose greeting and context
// are built from the conversation type and the caller-supplied metadata. It
// never retries; any failure is returned for the caller to log and proceed
// without avatar tracking.
func (c *Client) CreateConversation(ctx context.Context, typ ConversationType, metadata map[string]any) (map[string]any, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("tavus: api key missing")
	}
	if c.replicaID == "" && c.personaID == "" {
		return nil, fmt.Errorf("tavus: neither persona_id nor replica_id provided")
	}

	prompt := BuildPrompt(typ, metadata)
	body := createConversationRequest{
		ConversationName:      prompt.Name,
		ConversationalContext: prompt.Context,
		CustomGreeting:        prompt.Greeting,
		Properties:            conversationProperties{ParticipantLeftTimeout: 0, Language: "english"},
	}
	// Persona takes precedence when both are configured.
	if c.personaID != "" {
		body.PersonaID = c.personaID
	} else {
		body.ReplicaID = c.replicaID
	}

	reqBody, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v2/conversations", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tavus create conversation: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("tavus create conversation: status=%d body=%s", resp.StatusCode, string(b))
	}

	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("tavus create conversation: decode: %w", err)
	}
	id, _ := data["conversation_id"].(string)
	url, _ := data["conversation_url"].(string)

	c.mu.Lock()
	c.conversationID = id
	c.conversationURL = url
	c.conversationData = data
	c.mu.Unlock()
	return data, nil
}

// ConversationStatus queries the remote status of the tracked conversation.
// When no conversation exists yet, it returns a sentinel payload without any
// network call.
func (c *Client) ConversationStatus(ctx context.Context) (map[string]any, error) {
	c.mu.Lock()
	id := c.conversationID
	c.mu.Unlock()
	if id == "" {
		return map[string]any{"status": "no_conversation"}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v2/conversations/"+id, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tavus conversation status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("tavus conversation status: status=%d body=%s", resp.StatusCode, string(b))
	}
	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("tavus conversation status: decode: %w", err)
	}
	return data, nil
}

// EndConversation deletes the tracked conversation. It is idempotent: with no
// tracked conversation it returns nil without a network call, and the local
// conversation id is cleared after the attempt whether or not the remote call
// succeeded, so a second call is always a no-op.
func (c *Client) EndConversation(ctx context.Context) error {
	c.mu.Lock()
	id := c.conversationID
	c.mu.Unlock()
	if id == "" {
		return nil
	}
	defer func() {
		c.mu.Lock()
		c.conversationID = ""
		c.mu.Unlock()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.BaseURL+"/v2/conversations/"+id, nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("tavus end conversation: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("tavus end conversation: status=%d body=%s", resp.StatusCode, string(b))
	}
	return nil
}

// ConversationID returns the tracked conversation id, or empty if none.
func (c *Client) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// ConversationURL returns the join URL of the tracked conversation.
func (c *Client) ConversationURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationURL
}

// ConversationData returns the raw creation payload, or nil if no
// conversation was created.
func (c *Client) ConversationData() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationData
}
