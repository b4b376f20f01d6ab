package model

import (
	"fmt"
	"time"
)

// PetType is the species of a pet record.
type PetType string

const (
	PetTypeDog PetType = "dog"
	PetTypeCat PetType = "cat"
)

// ParsePetType validates a pet type string.
func ParsePetType(s string) (PetType, error) {
	switch PetType(s) {
	case PetTypeDog, PetTypeCat:
		return PetType(s), nil
	}
	return "", fmt.Errorf("unknown pet type %q", s)
}

// Pet is the subset of the pet record the image pipeline reads.
type Pet struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"externalId"`
	Type       PetType   `json:"type"`
	Name       string    `json:"name"`
	SourceURL  string    `json:"sourceUrl"`
	CreatedAt  time.Time `json:"createdAt"`
}

// PetImageStatus records which image variants are believed to exist for a pet.
// A missing row is equivalent to the zero value with PetID set.
type PetImageStatus struct {
	PetID                 string     `json:"petId"`
	PetType               PetType    `json:"petType"`
	HasJPEG               bool       `json:"hasJpeg"`
	HasWebP               bool       `json:"hasWebp"`
	ImageCheckedAt        *time.Time `json:"imageCheckedAt,omitempty"`
	ScreenshotRequestedAt *time.Time `json:"screenshotRequestedAt,omitempty"`
	ScreenshotCompletedAt *time.Time `json:"screenshotCompletedAt,omitempty"`
}

// CapturePending reports whether a screenshot was requested and never completed.
func (s *PetImageStatus) CapturePending() bool {
	return s.ScreenshotRequestedAt != nil && s.ScreenshotCompletedAt == nil
}

// ReadinessSnapshot is the aggregate view of dataset readiness.
type ReadinessSnapshot struct {
	TotalPets     int       `json:"totalPets"`
	TotalDogs     int       `json:"totalDogs"`
	TotalCats     int       `json:"totalCats"`
	PetsWithJPEG  int       `json:"petsWithJpeg"`
	PetsWithWebP  int       `json:"petsWithWebp"`
	ImageCoverage float64   `json:"imageCoverage"`
	IsReady       bool      `json:"isReady"`
	ComputedAt    time.Time `json:"computedAt"`
}

// ReadinessThresholds are the minimums a dataset must meet to be ready.
type ReadinessThresholds struct {
	MinDogs     int
	MinCats     int
	MinCoverage float64
}

// NewReadinessSnapshot derives coverage and readiness from raw counts.
func NewReadinessSnapshot(totalDogs, totalCats, withJPEG, withWebP int, th ReadinessThresholds, now time.Time) ReadinessSnapshot {
	total := totalDogs + totalCats
	var coverage float64
	if total > 0 {
		coverage = float64(withJPEG) / float64(total)
	}
	return ReadinessSnapshot{
		TotalPets:     total,
		TotalDogs:     totalDogs,
		TotalCats:     totalCats,
		PetsWithJPEG:  withJPEG,
		PetsWithWebP:  withWebP,
		ImageCoverage: coverage,
		IsReady:       totalDogs >= th.MinDogs && totalCats >= th.MinCats && coverage >= th.MinCoverage,
		ComputedAt:    now,
	}
}
