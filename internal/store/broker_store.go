package store

import (
	"time"

	"gorm.io/gorm"

	"github.com/arkreview/arkreview/internal/model"
)

// BrokerStore persists the task graph behind internal/broker: one Job row
// per submission plus one Task row per init/review/wrapup unit of work.
type BrokerStore interface {
	CreateJob(job *model.Job) error
	GetJob(id string) (*model.Job, error)
	SetJobShards(jobID string, reviewTaskIDs []string, wrapupTaskID string, shardCount int) error

	CreateTask(task *model.Task) error
	GetTask(id string) (*model.Task, error)
	ListTasksByJob(jobID string, kind model.TaskKind) ([]*model.Task, error)
	UpdateTaskState(id string, state model.TaskState, result string, errMsg string) error

	// IncrementCompletedShards atomically increments a job's completed-shard
	// counter and returns the new count alongside the job's total shard
	// count, so the caller can detect "last shard just completed" without a
	// race between concurrent review workers.
	IncrementCompletedShards(jobID string) (completed int, total int, err error)

	// SweepExpired deletes job/task rows whose TTL has elapsed, returning
	// the number of jobs removed.
	SweepExpired(now time.Time) (int64, error)
}

type brokerStore struct {
	db *gorm.DB
}

func newBrokerStore(db *gorm.DB) BrokerStore {
	return &brokerStore{db: db}
}

func (s *brokerStore) CreateJob(job *model.Job) error {
	return s.db.Create(job).Error
}

func (s *brokerStore) GetJob(id string) (*model.Job, error) {
	var job model.Job
	if err := s.db.Where("id = ?", id).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *brokerStore) SetJobShards(jobID string, reviewTaskIDs []string, wrapupTaskID string, shardCount int) error {
	return s.db.Model(&model.Job{}).Where("id = ?", jobID).Updates(map[string]interface{}{
		"review_task_ids": model.StringArray(reviewTaskIDs),
		"wrapup_task_id":  wrapupTaskID,
		"shard_count":     shardCount,
	}).Error
}

func (s *brokerStore) CreateTask(task *model.Task) error {
	return s.db.Create(task).Error
}

func (s *brokerStore) GetTask(id string) (*model.Task, error) {
	var task model.Task
	if err := s.db.Where("id = ?", id).First(&task).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *brokerStore) ListTasksByJob(jobID string, kind model.TaskKind) ([]*model.Task, error) {
	var tasks []*model.Task
	q := s.db.Where("job_id = ?", jobID)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	if err := q.Order("shard_index asc").Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *brokerStore) UpdateTaskState(id string, state model.TaskState, result string, errMsg string) error {
	return s.db.Model(&model.Task{}).Where("id = ?", id).Updates(map[string]interface{}{
		"state":  state,
		"result": result,
		"error":  errMsg,
	}).Error
}

// IncrementCompletedShards uses a transaction to read-increment-write the
// counter, since the pure-Go SQLite driver this application uses does not
// reliably support `UPDATE ... RETURNING` (see DESIGN.md).
func (s *brokerStore) IncrementCompletedShards(jobID string) (int, int, error) {
	var completed, total int
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var job model.Job
		if err := tx.Set("gorm:query_option", "").Where("id = ?", jobID).First(&job).Error; err != nil {
			return err
		}
		job.CompletedShards++
		if err := tx.Model(&model.Job{}).Where("id = ?", jobID).
			Update("completed_shards", job.CompletedShards).Error; err != nil {
			return err
		}
		completed = job.CompletedShards
		total = job.ShardCount
		return nil
	})
	return completed, total, err
}

func (s *brokerStore) SweepExpired(now time.Time) (int64, error) {
	var expired []model.Job
	if err := s.db.Where("expires_at < ?", now).Find(&expired).Error; err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}
	var count int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		for _, job := range expired {
			if err := tx.Where("job_id = ?", job.ID).Delete(&model.Task{}).Error; err != nil {
				return err
			}
			if err := tx.Delete(&model.Job{}, "id = ?", job.ID).Error; err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}
