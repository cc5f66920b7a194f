package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Turn roles. A session transcript alternates between the two.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatSession is one analytics conversation. Sessions are loaded by ID and
// reused across process restarts; the core never deletes them.
type ChatSession struct {
	ID        string         `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	UserID    string         `gorm:"type:uuid;not null;index" json:"user_id"`
	Title     string         `gorm:"size:255" json:"title,omitempty"`
	ModelID   string         `gorm:"size:100;not null" json:"model_id"` // provider:model_name
	Debug     bool           `gorm:"default:false" json:"debug"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	// Relationships
	User      User       `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Turns     []Turn     `gorm:"foreignKey:SessionID" json:"turns,omitempty"`
	ToolCalls []ToolCall `gorm:"foreignKey:SessionID" json:"tool_calls,omitempty"`
}

// Turn stores one entry of the append-only session transcript. Turns are
// ordered by Seq and never mutated after creation.
type Turn struct {
	ID        string         `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	SessionID string         `gorm:"type:uuid;not null;index" json:"session_id"`
	Seq       int            `gorm:"not null" json:"seq"`
	Role      string         `gorm:"not null;check:role IN ('user', 'assistant')" json:"role"`
	Content   string         `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	// Relationships
	Session   ChatSession `gorm:"foreignKey:SessionID" json:"-"`
	ToolCalls []ToolCall  `gorm:"foreignKey:TurnID" json:"tool_calls,omitempty"`
}

// BeforeCreate assigns the id client-side so the turn's tool calls can be
// linked to it in the same append.
func (t *Turn) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// ToolCall records one invocation of an external capability. Arguments keep
// their original order as a JSON array of {key, value} objects so a recorded
// call can be replayed verbatim during follow-up repair.
type ToolCall struct {
	ID            string         `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	SessionID     string         `gorm:"type:uuid;not null;index" json:"session_id"`
	TurnID        *string        `gorm:"type:uuid;index" json:"turn_id,omitempty"`
	Seq           int            `gorm:"not null" json:"seq"`
	ToolName      string         `gorm:"size:100;not null" json:"tool_name"`
	Arguments     string         `gorm:"type:text" json:"arguments"`
	ResultSummary string         `gorm:"type:text" json:"result_summary"`
	Timestamp     time.Time      `gorm:"not null" json:"timestamp"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`

	// Relationships
	Session ChatSession `gorm:"foreignKey:SessionID" json:"-"`
}

func (c *ToolCall) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// SessionSummary is the listing projection returned by the sessions endpoint.
type SessionSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	ModelID   string    `json:"model_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
