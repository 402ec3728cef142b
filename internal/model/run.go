package model

import "time"

// 单品结果状态
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// 单品失败或跳过的原因
const (
	KindTimeout           = "timeout"
	KindParseFailure      = "parse_failure"
	KindProcessFailure    = "process_failure"
	KindStoreLookup       = "store_lookup"
	KindPersistence       = "persistence"
	KindInternal          = "internal"
	KindAlreadyInProgress = "already_in_progress"
	KindCancelled         = "cancelled"
)

// 检查触发来源
const (
	TriggerWebhook   = "webhook"
	TriggerScheduler = "scheduler"
	TriggerQueue     = "queue"
	TriggerManual    = "manual"
)

// CheckRun 是一次检查调用的运行报告，完成后写入一次，之后不再修改。
type CheckRun struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	RunID      string    `gorm:"type:varchar(36);uniqueIndex;not null" json:"run_id"`
	Trigger    string    `gorm:"type:varchar(32)" json:"trigger"`
	Selector   string    `gorm:"type:varchar(128)" json:"selector"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`

	Checked   int `json:"checked"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`

	Outcomes []CheckOutcome `gorm:"foreignKey:CheckRunID" json:"outcomes"`
}

// CheckOutcome 是单个商品在一次运行中的最终结果。
type CheckOutcome struct {
	ID         uint   `gorm:"primaryKey" json:"-"`
	CheckRunID uint   `gorm:"index" json:"-"`
	ItemID     uint   `gorm:"not null" json:"item_id"`
	ProductID  string `gorm:"type:varchar(64)" json:"product_id"`
	Status     string `gorm:"type:varchar(16)" json:"status"`
	Kind       string `gorm:"type:varchar(32)" json:"kind,omitempty"`
	Error      string `gorm:"type:text" json:"error,omitempty"`
	SnapshotID *uint  `json:"snapshot_id,omitempty"`
	TotalStock *int   `json:"total_stock,omitempty"`
	Notified   bool   `json:"notified"`
}

// Tally 根据 Outcomes 重新计算各状态数量。
func (r *CheckRun) Tally() {
	r.Checked = len(r.Outcomes)
	r.Succeeded, r.Failed, r.Skipped = 0, 0, 0
	for _, o := range r.Outcomes {
		switch o.Status {
		case OutcomeSucceeded:
			r.Succeeded++
		case OutcomeFailed:
			r.Failed++
		case OutcomeSkipped:
			r.Skipped++
		}
	}
}
