// Package contextstore maintains TTL-scoped per-conversation state: one
// Conversation per (channel, external chat id) and its ordered message
// history. All mutations are serialized per conversation key so concurrent
// workers can never double-create a conversation or interleave appends.
package contextstore

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/dkrasnov/replybot/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DefaultTTL is how long a conversation lives without an append.
const DefaultTTL = 30 * 24 * time.Hour

// lockStripes is the number of mutexes the key space is striped over.
const lockStripes = 64

// ErrStoreUnavailable marks a failure of the backing store. Callers must
// not swallow it: a worker that cannot persist state must not deliver a
// reply it cannot later recall as context.
var ErrStoreUnavailable = errors.New("context store unavailable")

// Message is one conversation turn as read back for generation context.
type Message struct {
	Role      string // channel.RoleInbound or channel.RoleOutbound
	Text      string
	Seq       int
	CreatedAt time.Time
}

// Store is the TTL-scoped conversation store backed by GORM.
type Store struct {
	db    *gorm.DB
	ttl   time.Duration
	now   func() time.Time
	locks [lockStripes]sync.Mutex
}

// Opts holds parameters for creating a Store.
type Opts struct {
	DB  *gorm.DB
	TTL time.Duration    // defaults to DefaultTTL
	Now func() time.Time // defaults to time.Now (tests inject a fake clock)
}

// New creates a Store.
func New(opts Opts) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("contextstore: db is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{db: opts.DB, ttl: ttl, now: now}, nil
}

// lockFor returns the stripe mutex for a key. All operations on the same
// key contend on the same mutex; operations on different keys usually
// proceed in parallel.
func (s *Store) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.locks[h.Sum32()%lockStripes]
}

// convKey builds the lookup key for a (channel, external chat id) pair.
func convKey(channel, externalChatID string) string {
	return channel + ":" + externalChatID
}

// GetOrCreate returns the conversation id for (channel, externalChatID),
// creating a fresh conversation when none exists or the existing one has
// expired. Idempotent under concurrent calls for the same key: exactly one
// conversation results.
func (s *Store) GetOrCreate(ctx context.Context, channel, externalChatID, displayName string) (string, error) {
	mu := s.lockFor(convKey(channel, externalChatID))
	mu.Lock()
	defer mu.Unlock()

	now := s.now()
	var id string

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Conversation
		result := tx.Where("channel = ? AND external_chat_id = ?", channel, externalChatID).
			First(&existing)

		switch {
		case result.Error == nil && existing.ExpiresAt.After(now):
			id = existing.ID
			return nil
		case result.Error == nil:
			// Expired: stale after inactivity means fresh conversation on
			// next contact. Drop the old row and its messages atomically.
			if err := tx.Where("conversation_id = ?", existing.ID).
				Delete(&models.ConversationMessage{}).Error; err != nil {
				return err
			}
			if err := tx.Delete(&existing).Error; err != nil {
				return err
			}
		case !errors.Is(result.Error, gorm.ErrRecordNotFound):
			return result.Error
		}

		conv := models.Conversation{
			ID:             uuid.NewString(),
			Channel:        channel,
			ExternalChatID: externalChatID,
			DisplayName:    displayName,
			CreatedAt:      now,
			LastActivity:   now,
			ExpiresAt:      now.Add(s.ttl),
		}
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}
		id = conv.ID
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("contextstore: get or create %s/%s: %w: %v",
			channel, externalChatID, ErrStoreUnavailable, err)
	}
	return id, nil
}

// AppendMessage appends one turn to the conversation and renews its TTL to
// the full window from now. Appends for the same conversation are
// serialized; Seq is strictly increasing in arrival order.
func (s *Store) AppendMessage(ctx context.Context, conversationID, role, text string) error {
	mu := s.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()

	now := s.now()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv models.Conversation
		if err := tx.First(&conv, "id = ?", conversationID).Error; err != nil {
			return err
		}

		var maxSeq int
		if err := tx.Model(&models.ConversationMessage{}).
			Where("conversation_id = ?", conversationID).
			Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
			return err
		}

		msg := models.ConversationMessage{
			ConversationID: conversationID,
			Seq:            maxSeq + 1,
			Role:           role,
			Text:           text,
			CreatedAt:      now,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}

		return tx.Model(&conv).Updates(map[string]interface{}{
			"last_activity": now,
			"expires_at":    now.Add(s.ttl),
		}).Error
	})
	if err != nil {
		return fmt.Errorf("contextstore: append message to %s: %w: %v",
			conversationID, ErrStoreUnavailable, err)
	}
	return nil
}

// RecentContext returns at most limit most-recent messages, oldest first.
// An unknown or expired conversation yields an empty slice, not an error:
// the caller proceeds without context. Reads do not renew the TTL.
func (s *Store) RecentContext(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	var conv models.Conversation
	result := s.db.WithContext(ctx).First(&conv, "id = ?", conversationID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("contextstore: recent context for %s: %w: %v",
			conversationID, ErrStoreUnavailable, result.Error)
	}
	if !conv.ExpiresAt.After(s.now()) {
		return nil, nil
	}

	var rows []models.ConversationMessage
	result = s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq DESC").Limit(limit).Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("contextstore: recent context for %s: %w: %v",
			conversationID, ErrStoreUnavailable, result.Error)
	}

	// Rows come back newest-first; reverse into arrival order.
	msgs := make([]Message, len(rows))
	for i, row := range rows {
		msgs[len(rows)-1-i] = Message{
			Role:      row.Role,
			Text:      row.Text,
			Seq:       row.Seq,
			CreatedAt: row.CreatedAt,
		}
	}
	return msgs, nil
}

// ExtendTTL renews the conversation's TTL without adding a message, for
// accesses that should keep a conversation alive.
func (s *Store) ExtendTTL(ctx context.Context, conversationID string) error {
	mu := s.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()

	now := s.now()
	result := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Update("expires_at", now.Add(s.ttl))
	if result.Error != nil {
		return fmt.Errorf("contextstore: extend ttl for %s: %w: %v",
			conversationID, ErrStoreUnavailable, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("contextstore: extend ttl: conversation %s not found", conversationID)
	}
	return nil
}

// DisplayName returns the stored display name for a conversation, or ""
// when the conversation is unknown.
func (s *Store) DisplayName(ctx context.Context, conversationID string) string {
	var conv models.Conversation
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", conversationID).Error; err != nil {
		return ""
	}
	return conv.DisplayName
}

// PurgeExpired deletes all expired conversations and their messages.
// Returns the number of conversations removed.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	now := s.now()
	var purged int

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var expired []models.Conversation
		if err := tx.Where("expires_at <= ?", now).Find(&expired).Error; err != nil {
			return err
		}
		for _, conv := range expired {
			if err := tx.Where("conversation_id = ?", conv.ID).
				Delete(&models.ConversationMessage{}).Error; err != nil {
				return err
			}
			if err := tx.Delete(&conv).Error; err != nil {
				return err
			}
		}
		purged = len(expired)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("contextstore: purge expired: %w: %v", ErrStoreUnavailable, err)
	}
	return purged, nil
}
