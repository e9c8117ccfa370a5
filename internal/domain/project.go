package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// ProjectStatus represents the generation lifecycle state of a project record.
// Values include ProjectStatusGenerating, ProjectStatusCompleted, and ProjectStatusFailed.
type ProjectStatus string

const (
	ProjectStatusGenerating ProjectStatus = "generating"
	ProjectStatusCompleted  ProjectStatus = "completed"
	ProjectStatusFailed     ProjectStatus = "failed"
)

// StringArray is a custom type for storing string arrays as JSON in the database.
type StringArray []string

// Value implements the driver.Valuer interface for database serialization.
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = StringArray{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan StringArray")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, a)
}

// Float32Array stores an embedding vector as JSON in the database.
type Float32Array []float32

// Value implements the driver.Valuer interface for database serialization.
func (a Float32Array) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (a *Float32Array) Scan(value interface{}) error {
	if value == nil {
		*a = Float32Array{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan Float32Array")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, a)
}

// MaterialItem is one required material with an optional quantity hint.
type MaterialItem struct {
	Name     string `json:"name"`
	Quantity string `json:"quantity,omitempty"`
}

// MaterialList stores materials as JSON in the database.
type MaterialList []MaterialItem

func (l MaterialList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *MaterialList) Scan(value interface{}) error {
	if value == nil {
		*l = MaterialList{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan MaterialList")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, l)
}

// Step is one build instruction of a project.
type Step struct {
	Title    string   `json:"title"`
	Action   string   `json:"action"`
	Details  string   `json:"details,omitempty"`
	Purpose  string   `json:"purpose,omitempty"`
	Tools    []string `json:"tools,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// StepList stores steps as JSON in the database.
type StepList []Step

func (l StepList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StepList) Scan(value interface{}) error {
	if value == nil {
		*l = StepList{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan StepList")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, l)
}

// RankVote is a single user's ranking vote. One vote per user, last write wins.
type RankVote struct {
	UserID string  `json:"user_id"`
	Value  float64 `json:"value"`
}

// RankVoteList stores votes as JSON in the database.
type RankVoteList []RankVote

func (l RankVoteList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *RankVoteList) Scan(value interface{}) error {
	if value == nil {
		*l = RankVoteList{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan RankVoteList")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, l)
}

// Project represents a DIY project record, generated or in progress.
// The embedding belongs to the project; the vector index only holds a
// derived copy keyed by the project ID and is rebuildable from here.
type Project struct {
	ID                  string        `gorm:"type:text;primaryKey" json:"id"`
	ProjectName         string        `gorm:"type:text;not null;index:idx_projects_name" json:"project_name"`
	Description         string        `gorm:"type:text" json:"description"`
	Materials           MaterialList  `gorm:"type:text" json:"materials"`
	NormalizedMaterials StringArray   `gorm:"type:text" json:"normalized_materials"`
	Embedding           Float32Array  `gorm:"type:text" json:"-"`
	Steps               StepList      `gorm:"type:text" json:"steps"`
	ReferenceVideo      string        `gorm:"type:text" json:"reference_video,omitempty"`
	InputPrompt         string        `gorm:"type:text" json:"input_prompt,omitempty"`
	Status              ProjectStatus `gorm:"type:text;index:idx_projects_status;default:completed" json:"status"`
	GenerationLock      bool          `gorm:"default:false" json:"-"`
	GenerationBy        string        `gorm:"type:text" json:"-"`
	GenerationStartedAt *time.Time    `json:"-"`
	UserRating          float64       `gorm:"default:0" json:"user_rating"`
	Ranks               RankVoteList  `gorm:"type:text" json:"-"`
	RankScore           float64       `gorm:"default:0" json:"rank_score"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// TableName returns the database table name for Project.
func (Project) TableName() string {
	return "projects"
}

// RecomputeRankScore sets RankScore to the arithmetic mean of all votes.
func (p *Project) RecomputeRankScore() {
	if len(p.Ranks) == 0 {
		p.RankScore = 0
		return
	}
	var sum float64
	for _, v := range p.Ranks {
		sum += v.Value
	}
	p.RankScore = sum / float64(len(p.Ranks))
}

// ProjectSearchResult pairs a project with its similarity and blended score.
type ProjectSearchResult struct {
	Project
	SimilarityScore float32 `json:"similarity_score"`
	FinalScore      float64 `json:"final_score"`
}
