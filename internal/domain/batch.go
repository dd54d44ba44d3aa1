package domain

import (
	"fmt"
	"strings"
)

// BatchStatus represents the processing state of a batch. A terminal status
// means no further automatic processing occurs, pending a manual retry.
type BatchStatus string

const (
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
)

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusProcessing, BatchStatusCompleted, BatchStatusFailed:
		return true
	}
	return false
}

func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed
}

func ParseBatchStatusFromString(s string) (BatchStatus, error) {
	st := BatchStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid batch status %q", ErrValidation, s)
	}
	return st, nil
}

// RowStatus is the per-row submission outcome.
type RowStatus string

const (
	RowStatusSuccess RowStatus = "success"
	RowStatusFailed  RowStatus = "failed"
)

// HospitalResult records the outcome of submitting one row upstream.
type HospitalResult struct {
	Row        int       `json:"row"`
	HospitalID *int64    `json:"hospital_id"`
	Name       string    `json:"name"`
	Address    string    `json:"address"`
	Phone      *string   `json:"phone"`
	Status     RowStatus `json:"status"`
	Error      *string   `json:"error"`
}

// StatusDocument is the live progress record for a batch. Hospitals is
// append-only: a retried row gains a second entry and the most recent entry
// per row number is authoritative for counting and reconciliation.
type StatusDocument struct {
	BatchID             string           `json:"batch_id"`
	Status              BatchStatus      `json:"status"`
	TotalHospitals      int              `json:"total_hospitals"`
	ProcessedHospitals  int              `json:"processed_hospitals"`
	SuccessfulHospitals int              `json:"successful_hospitals"`
	FailedHospitals     int              `json:"failed_hospitals"`
	BatchActivated      bool             `json:"batch_activated"`
	Hospitals           []HospitalResult `json:"hospitals"`
}

func NewStatusDocument(batchID string, total int) *StatusDocument {
	return &StatusDocument{
		BatchID:        batchID,
		Status:         BatchStatusProcessing,
		TotalHospitals: total,
		Hospitals:      []HospitalResult{},
	}
}

// Append adds results and recomputes the aggregate counters.
func (d *StatusDocument) Append(results ...HospitalResult) {
	d.Hospitals = append(d.Hospitals, results...)
	d.Recount()
}

// Recount rebuilds processed/successful/failed by rescanning Hospitals,
// keeping only the most recent entry per row number so a row retried across
// passes is never double-counted.
func (d *StatusDocument) Recount() {
	latest := d.LatestByRow()

	successful := 0
	failed := 0
	for _, result := range latest {
		if result.Status == RowStatusSuccess {
			successful++
		} else {
			failed++
		}
	}

	d.ProcessedHospitals = len(latest)
	d.SuccessfulHospitals = successful
	d.FailedHospitals = failed
}

// LatestByRow returns the authoritative result per row number. Later entries
// in Hospitals win over earlier ones.
func (d *StatusDocument) LatestByRow() map[int]HospitalResult {
	latest := make(map[int]HospitalResult, len(d.Hospitals))
	for _, result := range d.Hospitals {
		latest[result.Row] = result
	}
	return latest
}

// AllSuccessful reports whether every row succeeded. Empty batches never
// qualify, which gates activation on total > 0.
func (d *StatusDocument) AllSuccessful() bool {
	return d.TotalHospitals > 0 && d.SuccessfulHospitals == d.TotalHospitals
}
