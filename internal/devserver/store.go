package devserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lexiqai/companion-chat/internal/protocol"
)

// ErrNotFound is returned when a conversation does not exist
var ErrNotFound = errors.New("devserver: not found")

type Conversation struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	OwnerID   string    `gorm:"type:varchar(128);index;not null" json:"-"`
	Title     string    `gorm:"type:varchar(255)" json:"title"`
	Tone      string    `gorm:"type:varchar(32)" json:"tone"`
	VoiceID   string    `gorm:"type:varchar(32)" json:"voiceId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Conversation) TableName() string { return "conversations" }

type Message struct {
	ID             string    `gorm:"type:varchar(36);primaryKey"`
	ConversationID string    `gorm:"type:varchar(36);index:idx_messages_conversation_created,priority:1;not null"`
	Role           string    `gorm:"type:varchar(16);not null"`
	Content        string    `gorm:"type:text;not null"`
	AudioURL       *string   `gorm:"type:varchar(512)"`
	CreatedAt      time.Time `gorm:"index:idx_messages_conversation_created,priority:2"`
}

func (Message) TableName() string { return "messages" }

func (m Message) toProtocol() protocol.Message {
	return protocol.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           protocol.Role(m.Role),
		Content:        m.Content,
		AudioURL:       m.AudioURL,
		CreatedAt:      m.CreatedAt,
	}
}

// Store persists conversations and their messages
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenStore opens a sqlite database. An empty dsn opens a private in-memory database.
func OpenStore(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; a single connection also keeps an in-memory database alive
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Conversation{}, &Message{}); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) CreateConversation(ctx context.Context, ownerID, title, tone, voiceID string) (*Conversation, error) {
	now := s.now().UTC()
	conv := &Conversation{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Title:     title,
		Tone:      tone,
		VoiceID:   voiceID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(conv).Error; err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &conv, nil
}

// ListMessages returns messages oldest-first; equal timestamps keep insertion order
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var msgs []Message
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Order("rowid ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *Store) AddMessage(ctx context.Context, conversationID string, role protocol.Role, content string) (*Message, error) {
	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           string(role),
		Content:        content,
		CreatedAt:      s.now().UTC(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return tx.Model(&Conversation{}).
			Where("id = ?", conversationID).
			Update("updated_at", msg.CreatedAt).Error
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}
