package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ReleaseStatus is the lifecycle position of a release.
type ReleaseStatus string

// Release statuses in pipeline order. RolledBack and Failed are exits.
const (
	StatusPending    ReleaseStatus = "pending"
	StatusTesting    ReleaseStatus = "testing"
	StatusBuilding   ReleaseStatus = "building"
	StatusMigrating  ReleaseStatus = "migrating"
	StatusRollingOut ReleaseStatus = "rolling_out"
	StatusVerifying  ReleaseStatus = "verifying"
	StatusReleased   ReleaseStatus = "released"
	StatusRolledBack ReleaseStatus = "rolled_back"
	StatusFailed     ReleaseStatus = "failed"
)

var statusRank = map[ReleaseStatus]int{
	StatusPending:    0,
	StatusTesting:    1,
	StatusBuilding:   2,
	StatusMigrating:  3,
	StatusRollingOut: 4,
	StatusVerifying:  5,
	StatusReleased:   6,
	StatusRolledBack: 6,
	StatusFailed:     7,
}

// Valid reports whether s is a known status.
func (s ReleaseStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether no further transitions are allowed.
func (s ReleaseStatus) Terminal() bool {
	return s == StatusReleased || s == StatusRolledBack || s == StatusFailed
}

// CanTransitionTo enforces forward-only movement through the pipeline order.
// Stages may be skipped (rollbacks skip build and migration) but never revisited.
func (s ReleaseStatus) CanTransitionTo(next ReleaseStatus) bool {
	if !s.Valid() || !next.Valid() || s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	return statusRank[next] > statusRank[s]
}

// ParseReleaseStatus converts a persisted value back into a status.
func ParseReleaseStatus(raw string) (ReleaseStatus, error) {
	s := ReleaseStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown release status %q", raw)
	}
	return s, nil
}

// ReleaseKind distinguishes forward releases from operator rollbacks.
type ReleaseKind string

const (
	KindRelease  ReleaseKind = "release"
	KindRollback ReleaseKind = "rollback"
)

// ImageRef identifies one published, content-addressed service image.
type ImageRef struct {
	Service    string `json:"service"`
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
	Digest     string `json:"digest,omitempty"`
}

// String renders the reference pinned by digest when known.
func (r ImageRef) String() string {
	ref := r.Repository
	if r.Tag != "" {
		ref += ":" + r.Tag
	}
	if r.Digest != "" {
		ref += "@" + r.Digest
	}
	return ref
}

// Release is one versioned attempt to deploy an artifact set to one environment.
type Release struct {
	ID             string        `json:"id"`
	Version        string        `json:"version"`
	Environment    string        `json:"environment"`
	Kind           ReleaseKind   `json:"kind"`
	RollbackOf     *string       `json:"rollback_of,omitempty"`
	Images         []ImageRef    `json:"images"`
	PreviousImages []ImageRef    `json:"previous_images,omitempty"`
	Status         ReleaseStatus `json:"status"`
	Stage          ReleaseStatus `json:"stage"`
	FailureCode    string        `json:"failure_code,omitempty"`
	FailureReason  string        `json:"failure_reason,omitempty"`
	TriggeredBy    string        `json:"triggered_by,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// ImageFor returns the image reference recorded for service.
func (r Release) ImageFor(service string) (ImageRef, bool) {
	for _, img := range r.Images {
		if img.Service == service {
			return img, true
		}
	}
	return ImageRef{}, false
}

// ReleaseStatusUpdate captures mutable fields persisted on each transition.
type ReleaseStatusUpdate struct {
	ReleaseID      string
	Status         ReleaseStatus
	Stage          ReleaseStatus
	Images         []ImageRef
	PreviousImages []ImageRef
	FailureCode    string
	FailureReason  string
	EndedAt        *time.Time
}

// EncodeImages serialises image references for storage.
func EncodeImages(images []ImageRef) []byte {
	if len(images) == 0 {
		return []byte("[]")
	}
	data, err := json.Marshal(images)
	if err != nil {
		return []byte("[]")
	}
	return data
}

// DecodeImages reverses EncodeImages.
func DecodeImages(data []byte) ([]ImageRef, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var images []ImageRef
	if err := json.Unmarshal(data, &images); err != nil {
		return nil, fmt.Errorf("decode image refs: %w", err)
	}
	return images, nil
}
