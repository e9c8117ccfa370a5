package domain

import "time"

// PromptCacheEntry maps a trimmed, byte-exact prompt string to the project
// IDs it previously resolved to. Lookup is exact text; semantically similar
// prompts phrased differently are handled by the vector index instead.
type PromptCacheEntry struct {
	ID               string       `gorm:"type:text;primaryKey" json:"id"`
	Prompt           string       `gorm:"type:text;not null;uniqueIndex:idx_prompt_cache_prompt" json:"prompt"`
	ResultProjectIDs StringArray  `gorm:"type:text" json:"result_project_ids"`
	Embedding        Float32Array `gorm:"type:text" json:"-"`
	LastAccessedAt   time.Time    `gorm:"index:idx_prompt_cache_accessed" json:"last_accessed_at"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// TableName returns the database table name for PromptCacheEntry.
func (PromptCacheEntry) TableName() string {
	return "prompt_cache"
}
