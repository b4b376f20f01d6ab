package pipeline

import (
	"encoding/json"
	"fmt"
	"time"
)

// Variant identifies one stored rendition of a pet image
type Variant string

const (
	VariantScreenshot Variant = "screenshot"
	VariantOriginal   Variant = "original"
	VariantOptimized  Variant = "optimized"
)

// AllVariants lists the variants written for a fresh capture, in write order
var AllVariants = []Variant{VariantScreenshot, VariantOriginal, VariantOptimized}

// fileNames is the object-store layout shared with the presentation layer
// and the external capture workers. Changing it requires a migration.
var fileNames = map[Variant]string{
	VariantScreenshot: "screenshot.png",
	VariantOriginal:   "original.jpg",
	VariantOptimized:  "optimized.webp",
}

var contentTypes = map[Variant]string{
	VariantScreenshot: "image/png",
	VariantOriginal:   "image/jpeg",
	VariantOptimized:  "image/webp",
}

// ObjectKey returns the object-store key for a pet image variant
func ObjectKey(petType, petID string, variant Variant) string {
	return fmt.Sprintf("pets/%ss/%s/%s", petType, petID, fileNames[variant])
}

// PetPrefix returns the key prefix holding every variant of one pet
func PetPrefix(petType, petID string) string {
	return fmt.Sprintf("pets/%ss/%s/", petType, petID)
}

// ContentType returns the MIME type stored with a variant
func ContentType(variant Variant) string {
	return contentTypes[variant]
}

// StartJobRequest is the body of POST /admin/sync-jobs
type StartJobRequest struct {
	JobType   string  `json:"jobType" validate:"required,oneof=full incremental image"`
	Source    string  `json:"source" validate:"required"`
	PetType   *string `json:"petType,omitempty" validate:"omitempty,oneof=dog cat"`
	BatchSize *int    `json:"batchSize,omitempty" validate:"omitempty,min=1,max=1000"`
}

// StartJobResponse is returned immediately after a job is accepted
type StartJobResponse struct {
	JobID string `json:"jobId"`
}

// JobStatusResponse is the body of GET /admin/sync-jobs/{id}
type JobStatusResponse struct {
	ID       string  `json:"id"`
	Type     string  `json:"type"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Error    string  `json:"error,omitempty"`
}

// ReconcileRequest is the body of POST /admin/reconcile
type ReconcileRequest struct {
	SampleSize int  `json:"sampleSize" validate:"min=0"`
	AutoFix    bool `json:"autoFix"`
}

// BatchPet is one entry of a dispatched capture batch
type BatchPet struct {
	ID        string `json:"id"`
	PetID     string `json:"petId"`
	Type      string `json:"type"`
	Name      string `json:"name"`
	SourceURL string `json:"sourceUrl"`
}

// BatchPayload is the trigger sent to the external workflow runner.
// PetsBatch carries a JSON array string because workflow inputs are strings.
type BatchPayload struct {
	PetsBatch string `json:"pets_batch"`
	BatchID   string `json:"batch_id"`
	// Mode is empty for a capture batch or BatchModeRebuild.
	Mode string `json:"mode,omitempty"`
}

// BatchModeRebuild regenerates missing WebP variants from stored images
const BatchModeRebuild = "rebuild"

// NewBatchPayload encodes pets into a dispatch payload
func NewBatchPayload(batchID string, pets []BatchPet) (BatchPayload, error) {
	data, err := json.Marshal(pets)
	if err != nil {
		return BatchPayload{}, fmt.Errorf("failed to encode pets batch: %w", err)
	}
	return BatchPayload{PetsBatch: string(data), BatchID: batchID}, nil
}

// Pets decodes the batch entries
func (p BatchPayload) Pets() ([]BatchPet, error) {
	var pets []BatchPet
	if err := json.Unmarshal([]byte(p.PetsBatch), &pets); err != nil {
		return nil, fmt.Errorf("failed to decode pets batch: %w", err)
	}
	return pets, nil
}

// ReadinessResponse is the body of GET /admin/readiness
type ReadinessResponse struct {
	TotalPets     int       `json:"totalPets"`
	TotalDogs     int       `json:"totalDogs"`
	TotalCats     int       `json:"totalCats"`
	PetsWithJPEG  int       `json:"petsWithJpeg"`
	PetsWithWebP  int       `json:"petsWithWebp"`
	ImageCoverage float64   `json:"imageCoverage"`
	IsReady       bool      `json:"isReady"`
	ComputedAt    time.Time `json:"computedAt"`
}

// ReconcileResponse is the body returned by POST /admin/reconcile
type ReconcileResponse struct {
	TotalChecked   int      `json:"totalChecked"`
	MismatchedJPEG []string `json:"mismatchedJpeg"`
	MismatchedWebP []string `json:"mismatchedWebp"`
	FixedCount     int      `json:"fixedCount"`
	Errors         []string `json:"errors"`
}
