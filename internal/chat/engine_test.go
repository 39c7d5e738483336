package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumi-ai/chat-engine/internal/gemini"
	"github.com/lumi-ai/chat-engine/internal/model"
	"github.com/lumi-ai/chat-engine/internal/store"
	"github.com/lumi-ai/chat-engine/pkg/logger"
)

// streamScript drives one scripted Stream call.
type streamScript func(ctx context.Context, cb gemini.Callbacks) error

// scriptedStreamer replays queued scripts, one per Stream call. With an
// empty queue it answers every request with a canned one-chunk reply.
type scriptedStreamer struct {
	mu          sync.Mutex
	queue       []streamScript
	generate    func() ([]gemini.ContentPart, error)
	streamCalls [][]gemini.Content
}

func (s *scriptedStreamer) push(fns ...streamScript) {
	s.mu.Lock()
	s.queue = append(s.queue, fns...)
	s.mu.Unlock()
}

func (s *scriptedStreamer) calls() [][]gemini.Content {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]gemini.Content, len(s.streamCalls))
	copy(out, s.streamCalls)
	return out
}

func (s *scriptedStreamer) Stream(ctx context.Context, modelID string, contents []gemini.Content, cfg *gemini.GenerationConfig, systemInstruction string, tools []gemini.Tool, cb gemini.Callbacks) error {
	s.mu.Lock()
	s.streamCalls = append(s.streamCalls, contents)
	var fn streamScript
	if len(s.queue) > 0 {
		fn = s.queue[0]
		s.queue = s.queue[1:]
	}
	s.mu.Unlock()

	if fn == nil {
		fn = replyWith("Hello.")
	}
	return fn(ctx, cb)
}

func (s *scriptedStreamer) Generate(ctx context.Context, modelID string, contents []gemini.Content, cfg *gemini.GenerationConfig, systemInstruction string) ([]gemini.ContentPart, *gemini.UsageMetadata, error) {
	s.mu.Lock()
	gen := s.generate
	s.mu.Unlock()
	if gen == nil {
		return nil, nil, errors.New("title model unavailable")
	}
	parts, err := gen()
	return parts, nil, err
}

var _ gemini.Streamer = (*scriptedStreamer)(nil)

func replyWith(text string) streamScript {
	return func(ctx context.Context, cb gemini.Callbacks) error {
		cb.OnText(text)
		return nil
	}
}

func failTransport(msg string) streamScript {
	return func(ctx context.Context, cb gemini.Callbacks) error {
		return &gemini.TransportError{Err: errors.New(msg)}
	}
}

// blockingReply emits text, closes started and holds the stream open
// until release is closed or the request is aborted.
func blockingReply(text string, started, release chan struct{}) streamScript {
	return func(ctx context.Context, cb gemini.Callbacks) error {
		if text != "" {
			cb.OnText(text)
		}
		close(started)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func newTestEngine(t *testing.T) (*Engine, *scriptedStreamer) {
	t.Helper()
	s := &scriptedStreamer{}
	e := New(store.NewMemory(), s, logger.NewNop())
	t.Cleanup(func() { _ = e.Close() })
	return e, s
}

// waitIdle blocks until the conversation's stream has fully reconciled.
// The streaming flag only drops after the terminal write.
func waitIdle(t *testing.T, e *Engine, conversationID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !e.signals.IsStreaming(conversationID) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("stream for conversation %s did not finish", conversationID)
}

func mustMessages(t *testing.T, e *Engine) []*model.Message {
	t.Helper()
	msgs, err := e.Messages(context.Background())
	require.NoError(t, err)
	return msgs
}

// seedConversation sends one user message and waits for its reply,
// returning the conversation id.
func seedConversation(t *testing.T, e *Engine, s *scriptedStreamer, userText, replyText string) string {
	t.Helper()
	ctx := context.Background()
	s.push(replyWith(replyText))
	require.NoError(t, e.SendMessage(ctx, model.SendMessageRequest{Text: userText}))
	convID := e.ActiveConversationID()
	require.NotEmpty(t, convID)
	waitIdle(t, e, convID)
	return convID
}

// seedEditedConversation builds Hi/Hello, edits the user message to
// "Hi there" and waits for the replacement reply. Returns the
// conversation id and the branch group id of the edited message.
func seedEditedConversation(t *testing.T, e *Engine, s *scriptedStreamer) (string, string) {
	t.Helper()
	ctx := context.Background()
	convID := seedConversation(t, e, s, "Hi", "Hello")

	msgs := mustMessages(t, e)
	require.Len(t, msgs, 2)

	s.push(replyWith("Hello there"))
	require.NoError(t, e.EditMessage(ctx, model.EditMessageRequest{MessageID: msgs[0].ID, Text: "Hi there"}))
	waitIdle(t, e, convID)

	edited := mustMessages(t, e)
	require.NotEmpty(t, edited)
	require.NotEmpty(t, edited[0].BranchGroupID)
	return convID, edited[0].BranchGroupID
}

func TestSendMessageCreatesConversation(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	s.push(replyWith("Hello."))
	require.NoError(t, e.SendMessage(ctx, model.SendMessageRequest{Text: "Hi"}))
	convID := e.ActiveConversationID()
	require.NotEmpty(t, convID)
	waitIdle(t, e, convID)

	conv, err := e.db.GetConversation(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, "Hi", conv.Title)

	msgs := mustMessages(t, e)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hi", msgs[0].FirstText())
	assert.Equal(t, model.RoleModel, msgs[1].Role)
	assert.Equal(t, "Hello.", msgs[1].FirstText())
	assert.Empty(t, e.signals.Error())
}

func TestSendMessageRejectedWhileStreaming(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	s.push(blockingReply("thinking about it", started, release))

	require.NoError(t, e.SendMessage(ctx, model.SendMessageRequest{Text: "first"}))
	convID := e.ActiveConversationID()
	<-started

	err := e.SendMessage(ctx, model.SendMessageRequest{Text: "second"})
	assert.ErrorIs(t, err, ErrStreamActive)

	close(release)
	waitIdle(t, e, convID)
	assert.Len(t, mustMessages(t, e), 2)
}

func TestSendMessageRollbackOnTransportFailure(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	_, err := e.NewConversation(ctx, "scratch")
	require.NoError(t, err)
	convID := e.ActiveConversationID()

	s.push(failTransport("connection refused"))
	require.NoError(t, e.SendMessage(ctx, model.SendMessageRequest{Text: "ping"}))
	waitIdle(t, e, convID)

	// The optimistic user message is gone and the input is recoverable.
	assert.Empty(t, mustMessages(t, e))
	assert.Equal(t, "ping", e.RecoveryText())
	assert.NotEmpty(t, e.signals.Error())

	e.ClearRecovery()
	assert.Empty(t, e.RecoveryText())
}

func TestAbortPersistsPartialReply(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	s.push(blockingReply("partial answer", started, release))

	require.NoError(t, e.SendMessage(ctx, model.SendMessageRequest{Text: "question"}))
	convID := e.ActiveConversationID()
	<-started

	e.Stop()
	waitIdle(t, e, convID)

	msgs := mustMessages(t, e)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleModel, msgs[1].Role)
	assert.Equal(t, "partial answer", msgs[1].FirstText())
	// An abort is not an error.
	assert.Empty(t, e.signals.Error())
}

func TestStopIgnoresBackgroundStream(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	s.push(blockingReply("slow burn", started, release))

	require.NoError(t, e.SendMessage(ctx, model.SendMessageRequest{Text: "take your time"}))
	streamingConv := e.ActiveConversationID()
	<-started

	_, err := e.NewConversation(ctx, "elsewhere")
	require.NoError(t, err)

	e.Stop()
	assert.True(t, e.signals.IsStreaming(streamingConv))

	close(release)
	waitIdle(t, e, streamingConv)
}

func TestBackgroundStreamIsolation(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	s.push(blockingReply("answer for A", started, release))

	require.NoError(t, e.SendMessage(ctx, model.SendMessageRequest{Text: "question A"}))
	convA := e.ActiveConversationID()
	<-started

	// Switch away and hold a full exchange in a second conversation
	// while A keeps generating.
	_, err := e.NewConversation(ctx, "")
	require.NoError(t, err)
	convB := e.ActiveConversationID()
	require.NotEqual(t, convA, convB)

	s.push(replyWith("answer for B"))
	require.NoError(t, e.SendMessage(ctx, model.SendMessageRequest{Text: "question B"}))
	waitIdle(t, e, convB)

	msgsB := mustMessages(t, e)
	require.Len(t, msgsB, 2)
	assert.Equal(t, "answer for B", msgsB[1].FirstText())
	// B's stream never leaked into the mirror of A's.
	assert.Empty(t, e.signals.StreamingText())

	close(release)
	waitIdle(t, e, convA)

	msgsA, err := e.db.MessagesByConversation(ctx, convA)
	require.NoError(t, err)
	require.Len(t, msgsA, 2)
	assert.Equal(t, "answer for A", msgsA[1].FirstText())
}

func TestDeleteConversationDiscardsStream(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	s.push(blockingReply("doomed", started, release))

	require.NoError(t, e.SendMessage(ctx, model.SendMessageRequest{Text: "hello?"}))
	convID := e.ActiveConversationID()
	<-started

	e.mu.Lock()
	handle := e.streams[convID]
	e.mu.Unlock()
	require.NotNil(t, handle)

	require.NoError(t, e.DeleteConversation(ctx, convID))
	assert.Empty(t, e.ActiveConversationID())
	assert.False(t, e.signals.IsStreaming(convID))

	<-handle.done

	// The discarded stream's reconciliation must not resurrect anything.
	msgs, err := e.db.MessagesByConversation(ctx, convID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	_, err = e.db.GetConversation(ctx, convID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEditMessageCreatesBranch(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	convID, groupID := seedEditedConversation(t, e, s)

	states := e.BranchStates()
	require.Contains(t, states, groupID)
	assert.Equal(t, model.BranchState{Total: 2, ActiveIndex: 1}, states[groupID])

	msgs := mustMessages(t, e)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hi there", msgs[0].FirstText())
	assert.Equal(t, groupID, msgs[0].BranchGroupID)
	assert.Equal(t, "Hello there", msgs[1].FirstText())

	// Exactly one archived record: the original suffix under index 0.
	branches, err := e.db.BranchesByConversation(ctx, convID)
	require.NoError(t, err)
	require.Len(t, branches, 1)
	assert.Equal(t, 0, branches[0].BranchIndex)
	require.Len(t, branches[0].Snapshot, 2)
	assert.Equal(t, "Hi", branches[0].Snapshot[0].FirstText())
	assert.Equal(t, "Hello", branches[0].Snapshot[1].FirstText())
}

func TestNavigateBranchRoundTrip(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	convID, groupID := seedEditedConversation(t, e, s)

	require.NoError(t, e.NavigateBranch(ctx, groupID, 0))
	msgs := mustMessages(t, e)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hi", msgs[0].FirstText())
	assert.Equal(t, "Hello", msgs[1].FirstText())
	assert.Equal(t, model.BranchState{Total: 2, ActiveIndex: 0}, e.BranchStates()[groupID])

	// The live branch has no record; the other one does.
	_, err := e.db.BranchByIndex(ctx, convID, groupID, 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
	other, err := e.db.BranchByIndex(ctx, convID, groupID, 1)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", other.Snapshot[0].FirstText())

	require.NoError(t, e.NavigateBranch(ctx, groupID, 1))
	require.NoError(t, e.NavigateBranch(ctx, groupID, 0))

	// Round trip restores the exact original suffix.
	back := mustMessages(t, e)
	require.Len(t, back, 2)
	assert.Equal(t, msgs[0].ID, back[0].ID)
	assert.Equal(t, msgs[1].ID, back[1].ID)
	assert.Equal(t, "Hello", back[1].FirstText())
}

func TestNavigateBranchValidation(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	_, groupID := seedEditedConversation(t, e, s)

	assert.ErrorIs(t, e.NavigateBranch(ctx, groupID, 1), ErrBranchOutOfRange) // already active
	assert.ErrorIs(t, e.NavigateBranch(ctx, groupID, 2), ErrBranchOutOfRange)
	assert.ErrorIs(t, e.NavigateBranch(ctx, groupID, -1), ErrBranchOutOfRange)
	assert.ErrorIs(t, e.NavigateBranch(ctx, "no-such-group", 0), ErrBranchOutOfRange)
}

func TestNavigateBranchMissingRecord(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	convID, groupID := seedEditedConversation(t, e, s)

	require.NoError(t, e.db.DeleteBranch(ctx, convID, groupID, 0))

	err := e.NavigateBranch(ctx, groupID, 0)
	assert.ErrorIs(t, err, ErrBranchMissing)

	// The failed navigation must not have touched the live log.
	msgs := mustMessages(t, e)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hi there", msgs[0].FirstText())
	assert.Equal(t, model.BranchState{Total: 2, ActiveIndex: 1}, e.BranchStates()[groupID])
}

func TestBranchStateSurvivesReselect(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	convID, groupID := seedEditedConversation(t, e, s)

	_, err := e.SelectConversation(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, e.BranchStates())

	_, err = e.SelectConversation(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, model.BranchState{Total: 2, ActiveIndex: 1}, e.BranchStates()[groupID])

	// After navigating, a reload still reconstructs the same view.
	require.NoError(t, e.NavigateBranch(ctx, groupID, 0))
	_, err = e.SelectConversation(ctx, "")
	require.NoError(t, err)
	_, err = e.SelectConversation(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, model.BranchState{Total: 2, ActiveIndex: 0}, e.BranchStates()[groupID])
}

func TestEditMessageRollbackOnFailure(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	convID := seedConversation(t, e, s, "Hi", "Hello")

	msgs := mustMessages(t, e)
	s.push(failTransport("upstream down"))
	require.NoError(t, e.EditMessage(ctx, model.EditMessageRequest{MessageID: msgs[0].ID, Text: "Hi there"}))
	waitIdle(t, e, convID)

	// The failed edit is fully undone.
	restored := mustMessages(t, e)
	require.Len(t, restored, 2)
	assert.Equal(t, "Hi", restored[0].FirstText())
	assert.Equal(t, "Hello", restored[1].FirstText())
	assert.Equal(t, "Hi there", e.RecoveryText())

	branches, err := e.db.BranchesByConversation(ctx, convID)
	require.NoError(t, err)
	assert.Empty(t, branches)

	groupID := restored[0].BranchGroupID
	require.NotEmpty(t, groupID)
	assert.Equal(t, model.BranchState{Total: 1, ActiveIndex: 0}, e.BranchStates()[groupID])
}

func TestEditMessageRejectsModelReply(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	convID := seedConversation(t, e, s, "Hi", "Hello")

	msgs := mustMessages(t, e)
	require.Equal(t, model.RoleModel, msgs[1].Role)

	err := e.EditMessage(ctx, model.EditMessageRequest{MessageID: msgs[1].ID, Text: "Hello instead"})
	assert.ErrorIs(t, err, ErrMessageNotFound)

	// Nothing was tagged or archived by the rejected edit.
	after := mustMessages(t, e)
	require.Len(t, after, 2)
	assert.Empty(t, after[1].BranchGroupID)
	branches, err := e.db.BranchesByConversation(ctx, convID)
	require.NoError(t, err)
	assert.Empty(t, branches)
}

func TestSignatureCachedWithoutThinkingText(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	s.push(func(ctx context.Context, cb gemini.Callbacks) error {
		cb.OnThinking("", "bare-sig")
		cb.OnText("answer")
		return nil
	})
	require.NoError(t, e.SendMessage(ctx, model.SendMessageRequest{Text: "question"}))
	convID := e.ActiveConversationID()
	waitIdle(t, e, convID)

	msgs := mustMessages(t, e)
	require.Len(t, msgs, 2)
	// No thinking part without thinking text, but the signature is kept.
	require.Len(t, msgs[1].Parts, 1)
	assert.Equal(t, model.PartTypeText, msgs[1].Parts[0].Type)

	handle := newStreamHandle(convID, nil, func() {})
	handle.appendThinking("", "bare-sig")
	_, signature := handle.assemble()
	assert.Equal(t, "bare-sig", signature)
}

func TestEditMessageAttachmentSemantics(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	s.push(replyWith("nice picture"))
	require.NoError(t, e.SendMessage(ctx, model.SendMessageRequest{
		Text:        "look",
		Attachments: []model.Attachment{{Name: "a.png", MimeType: "image/png", Data: "AAAA"}},
	}))
	convID := e.ActiveConversationID()
	waitIdle(t, e, convID)

	msgs := mustMessages(t, e)
	require.Len(t, msgs[0].Parts, 2)
	require.Equal(t, model.PartTypeInlineData, msgs[0].Parts[0].Type)

	// Nil attachments keep the original media alongside the new text.
	s.push(replyWith("still nice"))
	require.NoError(t, e.EditMessage(ctx, model.EditMessageRequest{MessageID: msgs[0].ID, Text: "look again"}))
	waitIdle(t, e, convID)

	edited := mustMessages(t, e)
	require.Len(t, edited[0].Parts, 2)
	assert.Equal(t, model.PartTypeInlineData, edited[0].Parts[0].Type)
	assert.Equal(t, "a.png", edited[0].Parts[0].Label)
	assert.Equal(t, "look again", edited[0].FirstText())

	// An explicit empty list replaces them.
	s.push(replyWith("words only"))
	require.NoError(t, e.EditMessage(ctx, model.EditMessageRequest{
		MessageID:   edited[0].ID,
		Text:        "no picture",
		Attachments: []model.Attachment{},
	}))
	waitIdle(t, e, convID)

	final := mustMessages(t, e)
	require.Len(t, final[0].Parts, 1)
	assert.Equal(t, model.PartTypeText, final[0].Parts[0].Type)
}

func TestStreamCompletesIntoInactiveBranch(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	convID, groupID := seedEditedConversation(t, e, s)

	started := make(chan struct{})
	release := make(chan struct{})
	s.push(blockingReply("third take", started, release))

	msgs := mustMessages(t, e)
	require.NoError(t, e.EditMessage(ctx, model.EditMessageRequest{MessageID: msgs[0].ID, Text: "Hi again"}))
	<-started
	assert.Equal(t, model.BranchState{Total: 3, ActiveIndex: 2}, e.BranchStates()[groupID])

	// Walk away from the streaming branch before the reply lands.
	require.NoError(t, e.NavigateBranch(ctx, groupID, 0))
	close(release)
	waitIdle(t, e, convID)

	// The original branch is untouched.
	live := mustMessages(t, e)
	require.Len(t, live, 2)
	assert.Equal(t, "Hi", live[0].FirstText())

	// The reply was appended to the snapshot it belongs to.
	branch, err := e.db.BranchByIndex(ctx, convID, groupID, 2)
	require.NoError(t, err)
	require.Len(t, branch.Snapshot, 2)
	assert.Equal(t, "Hi again", branch.Snapshot[0].FirstText())
	assert.Equal(t, "third take", branch.Snapshot[1].FirstText())

	// Navigating there shows it.
	require.NoError(t, e.NavigateBranch(ctx, groupID, 2))
	shown := mustMessages(t, e)
	require.Len(t, shown, 2)
	assert.Equal(t, "third take", shown[1].FirstText())
}

func TestStreamMirrorFollowsNavigation(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	convID, groupID := seedEditedConversation(t, e, s)

	started := make(chan struct{})
	release := make(chan struct{})
	s.push(blockingReply("buffered so far", started, release))

	msgs := mustMessages(t, e)
	require.NoError(t, e.EditMessage(ctx, model.EditMessageRequest{MessageID: msgs[0].ID, Text: "Hi again"}))
	<-started

	require.Eventually(t, func() bool {
		return e.signals.StreamingText() == "buffered so far"
	}, 2*time.Second, 2*time.Millisecond)

	// Off the streaming branch the mirror is empty, back on it the
	// buffered content reappears.
	require.NoError(t, e.NavigateBranch(ctx, groupID, 0))
	assert.Empty(t, e.signals.StreamingText())

	require.NoError(t, e.NavigateBranch(ctx, groupID, 2))
	assert.Equal(t, "buffered so far", e.signals.StreamingText())

	close(release)
	waitIdle(t, e, convID)
	assert.Empty(t, e.signals.StreamingText())

	live := mustMessages(t, e)
	require.Len(t, live, 2)
	assert.Equal(t, "buffered so far", live[1].FirstText())
}

func TestRetryMessageReplacesLastReply(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	convID := seedConversation(t, e, s, "Hi", "Hello")

	s.push(replyWith("Hello, take two"))
	require.NoError(t, e.RetryMessage(ctx))
	waitIdle(t, e, convID)

	msgs := mustMessages(t, e)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hi", msgs[0].FirstText())
	assert.Equal(t, "Hello, take two", msgs[1].FirstText())
}

func TestRetryMessageRequiresModelReply(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	assert.ErrorIs(t, e.RetryMessage(ctx), ErrNoActiveConversation)

	_, err := e.NewConversation(ctx, "empty")
	require.NoError(t, err)
	assert.ErrorIs(t, e.RetryMessage(ctx), ErrMessageNotFound)
}

func TestBranchToNewChat(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	sourceID := seedConversation(t, e, s, "U1", "M1")

	s.push(replyWith("M2"))
	require.NoError(t, e.SendMessage(ctx, model.SendMessageRequest{Text: "U2"}))
	waitIdle(t, e, sourceID)

	source := mustMessages(t, e)
	require.Len(t, source, 4)

	newID, err := e.BranchToNewChat(ctx, source[1].ID)
	require.NoError(t, err)
	require.NotEqual(t, sourceID, newID)
	assert.Equal(t, newID, e.ActiveConversationID())

	copied := mustMessages(t, e)
	require.Len(t, copied, 2)
	assert.Equal(t, "U1", copied[0].FirstText())
	assert.Equal(t, "M1", copied[1].FirstText())
	for i, msg := range copied {
		assert.NotEqual(t, source[i].ID, msg.ID)
		assert.Empty(t, msg.BranchGroupID)
	}

	conv, err := e.db.GetConversation(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, "Branch: U1", conv.Title)

	// The source log is untouched.
	original, err := e.db.MessagesByConversation(ctx, sourceID)
	require.NoError(t, err)
	assert.Len(t, original, 4)
}

func TestTitleGeneratedAfterFirstExchange(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	s.mu.Lock()
	s.generate = func() ([]gemini.ContentPart, error) {
		return []gemini.ContentPart{{Text: "  \"Branching Out\"  "}}, nil
	}
	s.mu.Unlock()

	convID := seedConversation(t, e, s, "tell me about trees", "they branch")

	require.Eventually(t, func() bool {
		conv, err := e.db.GetConversation(ctx, convID)
		return err == nil && conv.Title == "Branching Out"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTitleRejectionKeepsPlaceholder(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	s.mu.Lock()
	s.generate = func() ([]gemini.ContentPart, error) {
		return []gemini.ContentPart{{Text: "   "}}, nil
	}
	s.mu.Unlock()

	convID := seedConversation(t, e, s, "hello", "hi")

	// Give the generator a moment; the title must not change.
	time.Sleep(50 * time.Millisecond)
	conv, err := e.db.GetConversation(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, "hello", conv.Title)
}

func TestConversationLifecycle(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	conv, err := e.NewConversation(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "New Chat", conv.Title)
	assert.Equal(t, conv.ID, e.ActiveConversationID())

	assert.ErrorIs(t, e.RenameConversation(ctx, conv.ID, "   "), ErrEmptyTitle)
	require.NoError(t, e.RenameConversation(ctx, conv.ID, "  Trees  "))
	got, err := e.db.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Trees", got.Title)

	require.NoError(t, e.TogglePin(ctx, conv.ID))
	got, err = e.db.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, got.Pinned())

	// Archiving clears the pin and deselects.
	require.NoError(t, e.ToggleArchive(ctx, conv.ID))
	got, err = e.db.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, got.Archived)
	assert.False(t, got.Pinned())
	assert.Empty(t, e.ActiveConversationID())

	assert.ErrorIs(t, e.RenameConversation(ctx, "nope", "x"), ErrConversationNotFound)
}

func TestDeleteConversationCascades(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	convID, _ := seedEditedConversation(t, e, s)

	require.NoError(t, e.DeleteConversation(ctx, convID))

	msgs, err := e.db.MessagesByConversation(ctx, convID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	branches, err := e.db.BranchesByConversation(ctx, convID)
	require.NoError(t, err)
	assert.Empty(t, branches)
	_, err = e.db.GetConversation(ctx, convID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestModelSelection(t *testing.T) {
	e, _ := newTestEngine(t)

	assert.Equal(t, model.DefaultModelID, e.Model())
	assert.ErrorIs(t, e.SetModel("gpt-5"), ErrUnknownModel)

	require.NoError(t, e.SetModel("gemini-3-flash-preview"))
	require.NoError(t, e.SetThinkingLevel("medium"))

	// Switching to a model without that level falls back to its default.
	require.NoError(t, e.SetModel("gemini-3-pro-preview"))
	cfg := e.buildGenerationConfig(e.Model())
	require.NotNil(t, cfg.ThinkingConfig)
	assert.Equal(t, "high", cfg.ThinkingConfig.ThinkingLevel)

	assert.ErrorIs(t, e.SetThinkingLevel("medium"), ErrUnknownModel)
}

func TestContentsSentToModelIncludeHistory(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	convID := seedConversation(t, e, s, "first", "first reply")

	s.push(replyWith("second reply"))
	require.NoError(t, e.SendMessage(ctx, model.SendMessageRequest{Text: "second"}))
	waitIdle(t, e, convID)

	calls := s.calls()
	require.Len(t, calls, 2)
	last := calls[1]
	require.Len(t, last, 3)
	assert.Equal(t, "first", last[0].Parts[0].Text)
	assert.Equal(t, "first reply", last[1].Parts[0].Text)
	assert.Equal(t, "second", last[2].Parts[0].Text)
}
