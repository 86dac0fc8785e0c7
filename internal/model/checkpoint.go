package model

import "time"

// Checkpoint is the durable bookmark of the last committed position for one
// (source fingerprint, category) pair. It is created at run start if absent,
// advanced only after a batch is durably written, and read at the start of
// any resumed run.
type Checkpoint struct {
	SourceHash string    `json:"source_hash"`
	Category   Category  `json:"category"`
	LastSeq    int64     `json:"last_seq"`
	LastTime   time.Time `json:"last_time"`
	Status     RunStatus `json:"status"`
	UpdatedAt  time.Time `json:"updated_at"`
}
