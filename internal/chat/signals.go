package chat

import (
	"sync"

	"github.com/lumi-ai/chat-engine/internal/gemini"
)

// EventType identifies a signal update published to subscribers.
type EventType string

const (
	EventStreamingText     EventType = "streaming_text"
	EventStreamingThinking EventType = "streaming_thinking"
	EventStreamingImage    EventType = "streaming_image"
	EventStreamStarted     EventType = "stream_started"
	EventStreamEnded       EventType = "stream_ended"
	EventChatError         EventType = "chat_error"
	EventMessagesChanged   EventType = "messages_changed"
	EventConversations     EventType = "conversations_changed"
	EventBranchState       EventType = "branch_state_changed"
	EventTitleUpdated      EventType = "title_updated"
)

// Event is one signal update. Payload shape depends on Type.
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Text           string    `json:"text,omitempty"`
	Payload        any       `json:"payload,omitempty"`
}

// Signals holds the UI-observable stream state. The mirrored values
// reflect only the currently viewed conversation's stream; background
// streams accumulate in their own handles and never touch these.
// Consumers read; all mutation flows through the engine.
type Signals struct {
	mu sync.RWMutex

	streamingText     string
	streamingThinking string
	streamingImages   []gemini.InlineData
	chatError         string
	streaming         map[string]bool

	nextSub int
	subs    map[int]chan Event
}

// NewSignals creates an empty signal set.
func NewSignals() *Signals {
	return &Signals{
		streaming: make(map[string]bool),
		subs:      make(map[int]chan Event),
	}
}

// Subscribe registers a listener for signal updates. Events are delivered
// best-effort: a subscriber that falls behind misses updates rather than
// blocking the engine. The returned func removes the subscription.
func (s *Signals) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if existing, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(existing)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Signals) publish(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// StreamingText returns the mirrored text of the viewed stream.
func (s *Signals) StreamingText() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamingText
}

// StreamingThinking returns the mirrored thinking of the viewed stream.
func (s *Signals) StreamingThinking() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamingThinking
}

// StreamingImages returns the mirrored inline images of the viewed stream.
func (s *Signals) StreamingImages() []gemini.InlineData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]gemini.InlineData, len(s.streamingImages))
	copy(out, s.streamingImages)
	return out
}

// Error returns the current chat error, or "".
func (s *Signals) Error() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chatError
}

// IsStreaming reports whether the conversation has an in-flight stream.
func (s *Signals) IsStreaming(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streaming[conversationID]
}

// StreamingConversations returns the ids of all streaming conversations.
func (s *Signals) StreamingConversations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.streaming))
	for id := range s.streaming {
		out = append(out, id)
	}
	return out
}

func (s *Signals) setStreamingText(text string) {
	s.mu.Lock()
	s.streamingText = text
	s.mu.Unlock()
}

func (s *Signals) setStreamingThinking(text string) {
	s.mu.Lock()
	s.streamingThinking = text
	s.mu.Unlock()
}

func (s *Signals) appendStreamingImage(data gemini.InlineData) {
	s.mu.Lock()
	s.streamingImages = append(s.streamingImages, data)
	s.mu.Unlock()
}

// resetStreamView clears the mirrored stream values. Used on navigation
// and at terminal events while viewing.
func (s *Signals) resetStreamView() {
	s.mu.Lock()
	s.streamingText = ""
	s.streamingThinking = ""
	s.streamingImages = nil
	s.mu.Unlock()
}

// restoreStreamView repopulates the mirror from a background stream's
// buffers after navigating back to it.
func (s *Signals) restoreStreamView(text, thinking string, images []gemini.InlineData) {
	s.mu.Lock()
	s.streamingText = text
	s.streamingThinking = thinking
	s.streamingImages = append([]gemini.InlineData(nil), images...)
	s.mu.Unlock()
}

func (s *Signals) setError(msg string) {
	s.mu.Lock()
	s.chatError = msg
	s.mu.Unlock()
	if msg != "" {
		s.publish(Event{Type: EventChatError, Text: msg})
	}
}

func (s *Signals) setStreaming(conversationID string, active bool) {
	s.mu.Lock()
	if active {
		s.streaming[conversationID] = true
	} else {
		delete(s.streaming, conversationID)
	}
	s.mu.Unlock()

	ev := Event{Type: EventStreamEnded, ConversationID: conversationID}
	if active {
		ev.Type = EventStreamStarted
	}
	s.publish(ev)
}
