package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/lumi-ai/chat-engine/internal/model"
	"github.com/lumi-ai/chat-engine/pkg/logger"
)

const (
	bucketMeta          = "chat_meta"
	bucketConversations = "chat_conversations"
	bucketMessages      = "chat_messages"
	bucketBranches      = "chat_message_branches"
	bucketSignatures    = "chat_thought_signatures"
	bucketInstructions  = "chat_custom_instructions"

	schemaVersionKey = "schema_version"
)

var dataBuckets = []string{
	bucketConversations,
	bucketMessages,
	bucketBranches,
	bucketSignatures,
	bucketInstructions,
}

// KV is a DB backed by NATS JetStream key-value buckets, one per
// collection. Messages, branches and signatures are keyed with a
// conversation-id prefix so per-conversation queries are prefix scans.
type KV struct {
	js      jetstream.JetStream
	buckets map[string]jetstream.KeyValue
	logger  *logger.Logger
}

// Open ensures all buckets exist and verifies the schema version. A
// version mismatch recreates storage from scratch instead of failing open.
func Open(ctx context.Context, js jetstream.JetStream, log *logger.Logger) (*KV, error) {
	kv := &KV{js: js, buckets: make(map[string]jetstream.KeyValue), logger: log}

	meta, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucketMeta})
	if err != nil {
		return nil, fmt.Errorf("open meta bucket: %w", err)
	}

	stored := -1
	if entry, err := meta.Get(ctx, schemaVersionKey); err == nil {
		if v, err := strconv.Atoi(string(entry.Value())); err == nil {
			stored = v
		}
	} else if !errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, fmt.Errorf("read schema version: %w", err)
	}

	if stored != -1 && stored != SchemaVersion {
		log.Warn("storage schema mismatch, recreating",
			"stored", stored, "expected", SchemaVersion)
		for _, name := range dataBuckets {
			if err := js.DeleteKeyValue(ctx, name); err != nil && !errors.Is(err, jetstream.ErrBucketNotFound) {
				return nil, fmt.Errorf("drop bucket %s: %w", name, err)
			}
		}
	}

	for _, name := range dataBuckets {
		bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: name})
		if err != nil {
			return nil, fmt.Errorf("open bucket %s: %w", name, err)
		}
		kv.buckets[name] = bucket
	}

	if _, err := meta.Put(ctx, schemaVersionKey, []byte(strconv.Itoa(SchemaVersion))); err != nil {
		return nil, fmt.Errorf("write schema version: %w", err)
	}

	return kv, nil
}

func (kv *KV) put(ctx context.Context, bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", bucket, err)
	}
	if _, err := kv.buckets[bucket].Put(ctx, key, data); err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (kv *KV) get(ctx context.Context, bucket, key string, v any) error {
	entry, err := kv.buckets[bucket].Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	return json.Unmarshal(entry.Value(), v)
}

func (kv *KV) purge(ctx context.Context, bucket, key string) error {
	if err := kv.buckets[bucket].Purge(ctx, key); err != nil {
		return fmt.Errorf("purge %s/%s: %w", bucket, key, err)
	}
	return nil
}

// keysWithPrefix lists current keys in a bucket matching the prefix.
func (kv *KV) keysWithPrefix(ctx context.Context, bucket, prefix string) ([]string, error) {
	lister, err := kv.buckets[bucket].ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", bucket, err)
	}
	defer lister.Stop()

	var keys []string
	for key := range lister.Keys() {
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func messageKey(conversationID, messageID string) string {
	return conversationID + "." + messageID
}

func branchKey(conversationID, branchGroupID string, branchIndex int) string {
	return fmt.Sprintf("%s.%s.%d", conversationID, branchGroupID, branchIndex)
}

func (kv *KV) PutConversation(ctx context.Context, conv *model.Conversation) error {
	return kv.put(ctx, bucketConversations, conv.ID, conv)
}

func (kv *KV) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	conv := &model.Conversation{}
	if err := kv.get(ctx, bucketConversations, id, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (kv *KV) ListConversations(ctx context.Context) ([]*model.Conversation, error) {
	keys, err := kv.keysWithPrefix(ctx, bucketConversations, "")
	if err != nil {
		return nil, err
	}
	out := make([]*model.Conversation, 0, len(keys))
	for _, key := range keys {
		conv := &model.Conversation{}
		if err := kv.get(ctx, bucketConversations, key, conv); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (kv *KV) DeleteConversation(ctx context.Context, id string) error {
	return kv.purge(ctx, bucketConversations, id)
}

func (kv *KV) PutMessage(ctx context.Context, msg *model.Message) error {
	return kv.put(ctx, bucketMessages, messageKey(msg.ConversationID, msg.ID), msg)
}

func (kv *KV) MessagesByConversation(ctx context.Context, conversationID string) ([]*model.Message, error) {
	keys, err := kv.keysWithPrefix(ctx, bucketMessages, conversationID+".")
	if err != nil {
		return nil, err
	}
	out := make([]*model.Message, 0, len(keys))
	for _, key := range keys {
		msg := &model.Message{}
		if err := kv.get(ctx, bucketMessages, key, msg); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (kv *KV) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	return kv.purge(ctx, bucketMessages, messageKey(conversationID, messageID))
}

func (kv *KV) DeleteMessagesByConversation(ctx context.Context, conversationID string) error {
	return kv.purgePrefix(ctx, bucketMessages, conversationID+".")
}

func (kv *KV) purgePrefix(ctx context.Context, bucket, prefix string) error {
	keys, err := kv.keysWithPrefix(ctx, bucket, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := kv.purge(ctx, bucket, key); err != nil {
			return err
		}
	}
	return nil
}

func (kv *KV) PutBranch(ctx context.Context, branch *model.MessageBranch) error {
	key := branchKey(branch.ConversationID, branch.BranchGroupID, branch.BranchIndex)
	return kv.put(ctx, bucketBranches, key, branch)
}

func (kv *KV) BranchByIndex(ctx context.Context, conversationID, branchGroupID string, branchIndex int) (*model.MessageBranch, error) {
	branch := &model.MessageBranch{}
	key := branchKey(conversationID, branchGroupID, branchIndex)
	if err := kv.get(ctx, bucketBranches, key, branch); err != nil {
		return nil, err
	}
	return branch, nil
}

func (kv *KV) BranchesByConversation(ctx context.Context, conversationID string) ([]*model.MessageBranch, error) {
	keys, err := kv.keysWithPrefix(ctx, bucketBranches, conversationID+".")
	if err != nil {
		return nil, err
	}
	out := make([]*model.MessageBranch, 0, len(keys))
	for _, key := range keys {
		branch := &model.MessageBranch{}
		if err := kv.get(ctx, bucketBranches, key, branch); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, branch)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BranchGroupID != out[j].BranchGroupID {
			return out[i].BranchGroupID < out[j].BranchGroupID
		}
		return out[i].BranchIndex < out[j].BranchIndex
	})
	return out, nil
}

func (kv *KV) DeleteBranch(ctx context.Context, conversationID, branchGroupID string, branchIndex int) error {
	return kv.purge(ctx, bucketBranches, branchKey(conversationID, branchGroupID, branchIndex))
}

func (kv *KV) DeleteBranchesByConversation(ctx context.Context, conversationID string) error {
	return kv.purgePrefix(ctx, bucketBranches, conversationID+".")
}

func (kv *KV) PutThoughtSignature(ctx context.Context, sig *model.ThoughtSignature) error {
	// Signature ids are conversationID:turnIndex; colons are not valid
	// KV key characters.
	key := strings.ReplaceAll(sig.ID, ":", ".")
	return kv.put(ctx, bucketSignatures, key, sig)
}

func (kv *KV) DeleteThoughtSignaturesByConversation(ctx context.Context, conversationID string) error {
	return kv.purgePrefix(ctx, bucketSignatures, conversationID+".")
}

func (kv *KV) PutInstruction(ctx context.Context, instr *model.CustomInstruction) error {
	return kv.put(ctx, bucketInstructions, instr.ID, instr)
}

func (kv *KV) GetInstruction(ctx context.Context, id string) (*model.CustomInstruction, error) {
	instr := &model.CustomInstruction{}
	if err := kv.get(ctx, bucketInstructions, id, instr); err != nil {
		return nil, err
	}
	return instr, nil
}

func (kv *KV) ListInstructions(ctx context.Context) ([]*model.CustomInstruction, error) {
	keys, err := kv.keysWithPrefix(ctx, bucketInstructions, "")
	if err != nil {
		return nil, err
	}
	out := make([]*model.CustomInstruction, 0, len(keys))
	for _, key := range keys {
		instr := &model.CustomInstruction{}
		if err := kv.get(ctx, bucketInstructions, key, instr); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, instr)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (kv *KV) DeleteInstruction(ctx context.Context, id string) error {
	return kv.purge(ctx, bucketInstructions, id)
}

func (kv *KV) Close() error { return nil }

var _ DB = (*KV)(nil)
