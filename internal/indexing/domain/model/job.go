package model

import (
	"encoding/json"
	"fmt"
)

// TaskName is the queue task name of index update jobs
const TaskName = "index_update"

// Op is the kind of mutation seen by the transactional store
type Op string

const (
	OpNew     Op = "new"
	OpChanged Op = "changed"
	OpDeleted Op = "deleted"
)

// Valid reports whether op is one of the known operations
func (op Op) Valid() bool {
	switch op {
	case OpNew, OpChanged, OpDeleted:
		return true
	}
	return false
}

// PendingChange is a mutation captured during a transaction
type PendingChange struct {
	Op     Op
	Entity Entity
}

// JobItem is one (op, class, pk, data) tuple. It is encoded as a JSON array.
type JobItem struct {
	Op    Op
	Class string
	PK    uint64
	Data  map[string]interface{}
}

// ObjectKey returns the key of the document the item refers to
func (i JobItem) ObjectKey() string {
	return ObjectKey(i.Class, i.PK)
}

func (i JobItem) MarshalJSON() ([]byte, error) {
	data := i.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	return json.Marshal([]interface{}{i.Op, i.Class, i.PK, data})
}

func (i *JobItem) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("job item: %w", err)
	}
	if len(raw) != 4 {
		return fmt.Errorf("job item: expected 4 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &i.Op); err != nil {
		return fmt.Errorf("job item op: %w", err)
	}
	if !i.Op.Valid() {
		return fmt.Errorf("job item: unknown op %q", i.Op)
	}
	if err := json.Unmarshal(raw[1], &i.Class); err != nil {
		return fmt.Errorf("job item class: %w", err)
	}
	if err := json.Unmarshal(raw[2], &i.PK); err != nil {
		return fmt.Errorf("job item pk: %w", err)
	}
	if err := json.Unmarshal(raw[3], &i.Data); err != nil {
		return fmt.Errorf("job item data: %w", err)
	}
	return nil
}

// IndexUpdateJob carries one batch of index operations for a named index
type IndexUpdateJob struct {
	Index string    `json:"index"`
	Items []JobItem `json:"items"`
}

// DecodeJob parses a task payload
func DecodeJob(payload []byte) (*IndexUpdateJob, error) {
	var job IndexUpdateJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, fmt.Errorf("decode index update job: %w", err)
	}
	if job.Index == "" {
		return nil, fmt.Errorf("decode index update job: missing index")
	}
	return &job, nil
}
