package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/listings-pipeline/constants"
)

// BatchJob is the local cache of one job on the completion service.
type BatchJob struct {
	ID           uuid.UUID           `db:"id" json:"id"`
	Handle       string              `db:"handle" json:"handle"`
	DescriptorID uuid.UUID           `db:"descriptor_id" json:"descriptor_id"`
	Status       constants.JobStatus `db:"status" json:"status"`
	RemoteStatus string              `db:"remote_status" json:"remote_status"`
	InputFileID  string              `db:"input_file_id" json:"input_file_id"`
	OutputFileID *string             `db:"output_file_id" json:"output_file_id,omitempty"`
	ErrorFileID  *string             `db:"error_file_id" json:"error_file_id,omitempty"`
	RecordCount  int                 `db:"record_count" json:"record_count"`
	CreatedAt    time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time           `db:"updated_at" json:"updated_at"`
	CompletedAt  *time.Time          `db:"completed_at" json:"completed_at,omitempty"`
}
