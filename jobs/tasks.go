package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPeriodClose runs the scheduled period closure.
	TaskPeriodClose = "ledger:period-close"
	// TaskLedgerIntegrity replays running-balance chains of the live month.
	TaskLedgerIntegrity = "ledger:integrity"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// BusinessPayload scopes a ledger task to one business; zero means all.
type BusinessPayload struct {
	BusinessID   int64     `json:"business_id"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewPeriodCloseTask constructs a period-close task.
func NewPeriodCloseTask(businessID int64, at time.Time) (*asynq.Task, error) {
	return newBusinessTask(TaskPeriodClose, businessID, at)
}

// NewLedgerIntegrityTask constructs a chain verification task.
func NewLedgerIntegrityTask(businessID int64, at time.Time) (*asynq.Task, error) {
	return newBusinessTask(TaskLedgerIntegrity, businessID, at)
}

// NewTask builds a task by type name, used by the operator CLI.
func NewTask(typename string, businessID int64, at time.Time) (*asynq.Task, error) {
	switch typename {
	case TaskPeriodClose, TaskLedgerIntegrity:
		return newBusinessTask(typename, businessID, at)
	default:
		return nil, fmt.Errorf("jobs: unknown task %q", typename)
	}
}

func newBusinessTask(typename string, businessID int64, at time.Time) (*asynq.Task, error) {
	if businessID < 0 {
		return nil, fmt.Errorf("jobs: business id must not be negative")
	}
	body, err := json.Marshal(BusinessPayload{BusinessID: businessID, ScheduledFor: at.UTC()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typename, body, asynq.Queue(QueueDefault)), nil
}

func decodeBusinessPayload(task *asynq.Task) (BusinessPayload, error) {
	var payload BusinessPayload
	if len(task.Payload()) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, err
	}
	if payload.BusinessID < 0 {
		return payload, fmt.Errorf("jobs: negative business id %d", payload.BusinessID)
	}
	return payload, nil
}
