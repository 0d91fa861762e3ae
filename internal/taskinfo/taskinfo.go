// Package taskinfo implements the ephemeral key→(field→value) hash store
// the init stage writes and the review/wrapup stages read back. Backed by
// a Redis hash per job, expiring with the job's result TTL.
package taskinfo

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/arkreview/arkreview/pkg/errors"
)

// Reserved field names and prefixes recognised by the task-info key
// grammar. Anything else falling outside these AND outside a bare
// rule-name shape is rejected on write.
const (
	FieldTaskID           = "task_id"
	FieldRulesRevision    = "rules_revision"
	FieldDevagentRevision = "devagent_revision"

	prefixProjectRevision = "rev_"
	prefixPatchContent    = "patch_content_"
	prefixPatchContext    = "patch_context_"
)

// ruleNamePattern matches a bare rule-name field: the rule's basename
// without extension, used as the key binding a rule to its patch name.
var ruleNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateKey reports whether key is one of the recognised task-info key
// shapes.
func ValidateKey(key string) bool {
	switch key {
	case FieldTaskID, FieldRulesRevision, FieldDevagentRevision:
		return true
	}
	switch {
	case strings.HasPrefix(key, prefixProjectRevision) && len(key) > len(prefixProjectRevision):
		return true
	case strings.HasPrefix(key, prefixPatchContent) && len(key) > len(prefixPatchContent):
		return true
	case strings.HasPrefix(key, prefixPatchContext) && len(key) > len(prefixPatchContext):
		return true
	}
	return ruleNamePattern.MatchString(key)
}

// Store is the Redis-backed TaskInfo hash store.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// New builds a Store whose entries expire after ttl, typically matching
// the broker's own result TTL.
func New(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

// Set validates every field key, writes the hash, and sets its TTL in one
// pipeline, asserting at least one field was written.
func (s *Store) Set(ctx context.Context, taskID string, fields map[string]string) error {
	if taskID == "" {
		return apperrors.ErrInvalidInput("task_id must not be empty")
	}
	if len(fields) == 0 {
		return apperrors.ErrInvalidInput("task info must contain at least one field")
	}

	mapping := make(map[string]any, len(fields)+1)
	mapping[FieldTaskID] = taskID
	for k, v := range fields {
		if k == FieldTaskID {
			continue
		}
		if !ValidateKey(k) {
			return apperrors.ErrMalformed(fmt.Sprintf("unknown task info key %q", k))
		}
		mapping[k] = v
	}

	pipe := s.client.TxPipeline()
	hsetCmd := pipe.HSet(ctx, taskID, mapping)
	pipe.Expire(ctx, taskID, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.ErrTransient("failed to write task info", err)
	}

	written, err := hsetCmd.Result()
	if err != nil {
		return apperrors.ErrTransient("failed to write task info", err)
	}
	if written == 0 {
		return apperrors.ErrInternal("no task info fields were written", nil)
	}
	return nil
}

// Get returns the stored fields for taskID, or nil if the key is absent
// or its TTL has expired.
func (s *Store) Get(ctx context.Context, taskID string) (map[string]string, error) {
	result, err := s.client.HGetAll(ctx, taskID).Result()
	if err != nil {
		return nil, apperrors.ErrTransient("failed to read task info", err)
	}
	if len(result) == 0 {
		return nil, nil
	}
	for k := range result {
		if !ValidateKey(k) {
			return nil, apperrors.ErrMalformed(fmt.Sprintf("unknown task info key %q", k))
		}
	}
	return result, nil
}
