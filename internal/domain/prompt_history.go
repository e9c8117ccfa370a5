package domain

import "time"

// PromptHistoryEntry records a prompt a user submitted. Repeats of the same
// prompt bump UpdatedAt instead of creating duplicates.
type PromptHistoryEntry struct {
	ID        string    `gorm:"type:text;primaryKey" json:"id"`
	UserID    string    `gorm:"type:text;not null;uniqueIndex:idx_prompt_history_user_prompt" json:"user_id"`
	Prompt    string    `gorm:"type:text;not null;uniqueIndex:idx_prompt_history_user_prompt" json:"prompt"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"index:idx_prompt_history_updated" json:"updated_at"`
}

// TableName returns the database table name for PromptHistoryEntry.
func (PromptHistoryEntry) TableName() string {
	return "prompt_history"
}
