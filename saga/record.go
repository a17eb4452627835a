package saga

import (
	"encoding/json"
	"time"
)

// Status 执行状态.
//
//	Running --(全部成功)--> Committed
//	Running --(步骤失败)--> Compensating --> RolledBack | RollbackIncomplete
//
// 一旦进入 Compensating 不会再回到 Running，重试需要发起新的执行.
type Status string

const (
	// StatusRunning 正在执行步骤.
	StatusRunning Status = "running"

	// StatusCompensating 正在补偿.
	StatusCompensating Status = "compensating"

	// StatusCommitted 全部步骤完成.
	StatusCommitted Status = "committed"

	// StatusRolledBack 全部补偿成功.
	StatusRolledBack Status = "rolled_back"

	// StatusRollbackIncomplete 至少一个补偿失败，需要人工介入.
	StatusRollbackIncomplete Status = "rollback_incomplete"
)

// IsTerminal 是否为终态.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCommitted, StatusRolledBack, StatusRollbackIncomplete:
		return true
	default:
		return false
	}
}

// EntryStatus 执行日志条目状态.
type EntryStatus string

const (
	// EntryCompleted 步骤完成.
	EntryCompleted EntryStatus = "completed"

	// EntryFailed 步骤失败并触发回滚.
	EntryFailed EntryStatus = "failed"

	// EntryCompensationCompleted 补偿成功.
	EntryCompensationCompleted EntryStatus = "compensation_completed"

	// EntryCompensationFailed 补偿失败.
	EntryCompensationFailed EntryStatus = "compensation_failed"
)

// LogEntry 执行日志条目，只追加不修改.
type LogEntry struct {
	Step     string        `json:"step"`
	Status   EntryStatus   `json:"status"`
	Snapshot Data          `json:"snapshot,omitempty"`
	Error    string        `json:"error,omitempty"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
}

// Record 一次 Saga 执行的记录.
type Record struct {
	ID          string     `json:"execution_id"`
	Saga        string     `json:"saga"`
	Status      Status     `json:"status"`
	CurrentStep int        `json:"current_step"`
	Log         []LogEntry `json:"log"`
	Error       string     `json:"error,omitempty"`
	Context     Data       `json:"context,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

func newRecord(id, saga string, now time.Time) *Record {
	return &Record{
		ID:        id,
		Saga:      saga,
		Status:    StatusRunning,
		Log:       make([]LogEntry, 0),
		StartedAt: now,
	}
}

// append 追加日志条目.
func (r *Record) append(entry LogEntry) {
	r.Log = append(r.Log, entry)
}

// Entries 返回指定状态的日志条目.
func (r *Record) Entries(status EntryStatus) []LogEntry {
	var entries []LogEntry
	for _, e := range r.Log {
		if e.Status == status {
			entries = append(entries, e)
		}
	}
	return entries
}

// Duration 执行耗时，未结束时返回 0.
func (r *Record) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Clone 深拷贝记录.
func (r *Record) Clone() *Record {
	c := *r
	c.Log = make([]LogEntry, len(r.Log))
	for i, e := range r.Log {
		c.Log[i] = e
		if e.Snapshot != nil {
			c.Log[i].Snapshot = e.Snapshot.Clone()
		}
	}
	if r.Context != nil {
		c.Context = r.Context.Clone()
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Export 序列化为 JSON，供日志或可观测系统消费.
func (r *Record) Export() ([]byte, error) {
	return json.Marshal(r)
}

// ParseRecord 解析 Export 的输出.
func ParseRecord(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
