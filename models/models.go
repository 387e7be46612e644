package models

import "time"

// ImageStatus is the processing state of an uploaded plant image.
type ImageStatus string

const (
	StatusPending    ImageStatus = "pending"
	StatusProcessing ImageStatus = "processing"
	StatusDone       ImageStatus = "done"
	StatusFailed     ImageStatus = "failed"
)

// ImageRecord tracks one uploaded plant image. Records are created by the
// upload path (outside this service); only the status is mutated here.
type ImageRecord struct {
	ID          string      `json:"id"`
	StoragePath string      `json:"storage_path"`
	UploadedAt  time.Time   `json:"uploaded_at"`
	Status      ImageStatus `json:"status"`
}

// Diagnosis is the structured result of one successful model diagnosis.
// Rows are written once and never updated.
type Diagnosis struct {
	ImageID         string    `json:"image_id"`
	PlantName       string    `json:"plant_name"`
	DiseaseName     string    `json:"disease_name"`
	Confidence      float64   `json:"confidence"`
	ConfidenceLabel string    `json:"confidence_label"`
	Treatment       string    `json:"treatment"`
	RawModelOutput  string    `json:"raw_model_output,omitempty"`
	Source          string    `json:"source"`
	DiagnosedAt     time.Time `json:"diagnosed_at"`
}
