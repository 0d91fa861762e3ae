// Package model defines the data models for the application.
// All models use GORM for ORM operations with SQLite database.
package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// StringArray is a custom type for storing string arrays in SQLite
type StringArray []string

// Value implements driver.Valuer interface
func (s StringArray) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(s)
	return string(data), err
}

// Scan implements sql.Scanner interface
func (s *StringArray) Scan(value interface{}) error {
	if value == nil {
		*s = []string{}
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	}
	return json.Unmarshal(bytes, s)
}

// TaskState is the broker's per-task state machine
// (PENDING/STARTED/SUCCESS/FAILURE/REVOKED).
type TaskState string

const (
	TaskStatePending TaskState = "PENDING"
	TaskStateStarted TaskState = "STARTED"
	TaskStateSuccess TaskState = "SUCCESS"
	TaskStateFailure TaskState = "FAILURE"
	TaskStateRevoked TaskState = "REVOKED"
)

// TaskKind identifies which pipeline stage a Task row belongs to.
type TaskKind string

const (
	TaskKindInit   TaskKind = "init"
	TaskKindReview TaskKind = "review"
	TaskKindWrapup TaskKind = "wrapup"
)

// Job is the durable root of one submission's task graph: init task id ==
// job id, plus the ids of its review shards and wrapup task once init has
// run.
type Job struct {
	ID        string    `gorm:"primarykey;size:20" json:"id"` // xid, == init task id
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `gorm:"index" json:"expires_at"` // broker TTL (result_expires)

	ShardCount      int         `gorm:"default:0" json:"shard_count"`
	CompletedShards int         `gorm:"default:0" json:"completed_shards"`
	ReviewTaskIDs   StringArray `gorm:"type:text" json:"review_task_ids"`
	WrapupTaskID    string      `gorm:"size:20" json:"wrapup_task_id"`
}

// Task is one row of the broker's task graph: the init task, one row per
// review shard, or the wrapup task. Kind+ShardIndex identify its role.
type Task struct {
	ID        string    `gorm:"primarykey;size:20" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	JobID      string    `gorm:"size:20;index;not null" json:"job_id"`
	Kind       TaskKind  `gorm:"size:20;not null" json:"kind"`
	ShardIndex int       `gorm:"default:-1" json:"shard_index"` // -1 for init/wrapup
	State      TaskState `gorm:"size:20;not null;default:PENDING;index" json:"state"`

	// Result holds the task's success payload, JSON-encoded (a ReviewPatchResult
	// list for review tasks, a ProcessedReview for wrapup, a job summary for init).
	Result string `gorm:"type:text" json:"result,omitempty"`
	Error  string `gorm:"type:text" json:"error,omitempty"`
}

// PersistedError is one review alarm surfaced by the external review tool,
// durably stored once wrapup classifies a review result as an error.
// Append-only.
type PersistedError struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	JobID       string `gorm:"size:20;index;not null" json:"job_id"`
	RulesRev    string `gorm:"size:64" json:"rules_rev"`
	DevagentRev string `gorm:"size:64" json:"devagent_rev"`
	Project     string `gorm:"size:255;index" json:"project"`
	ProjectRev  string `gorm:"size:64" json:"project_rev"`
	Patch       string `gorm:"size:255;index" json:"patch"`
	Rule        string `gorm:"size:255;index" json:"rule"`
	Message     string `gorm:"type:text" json:"message"`
}

// PersistedPatch is the diff content + derived context for one unique
// combined patch, keyed by patch basename with insert-if-absent semantics.
type PersistedPatch struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Name    string `gorm:"size:255;uniqueIndex;not null" json:"name"`
	Content string `gorm:"type:text" json:"content"`
	Context string `gorm:"type:text" json:"context"`
}

// AllModels returns every model this application auto-migrates.
func AllModels() []interface{} {
	return []interface{}{
		&Job{},
		&Task{},
		&PersistedError{},
		&PersistedPatch{},
	}
}
