// Package careplan turns a selected bundle template into a patient's plan. The
// plan keeps its own copy of the template so later revisions never reach it.
package careplan

import (
	"time"

	"github.com/google/uuid"

	"github.com/carelink/carelink/internal/domain/bundle"
)

type Status string

const (
	StatusDraft    Status = "draft"
	StatusApproved Status = "approved"
)

// CarePlan is a template snapshot for one patient. A draft may be approved
// once; an approved plan is never written again.
type CarePlan struct {
	ID                  uuid.UUID             `json:"id"`
	PatientID           uuid.UUID             `json:"patient_id"`
	TemplateID          uuid.UUID             `json:"template_id"`
	TemplateCode        string                `json:"template_code"`
	TemplateVersion     int                   `json:"template_version"`
	Snapshot            bundle.BundleTemplate `json:"template_snapshot"`
	RecommendationLogID *uuid.UUID            `json:"recommendation_log_id,omitempty"`
	Status              Status                `json:"status"`
	SelectedBy          string                `json:"selected_by"`
	ApprovedBy          *string               `json:"approved_by,omitempty"`
	ApprovedAt          *time.Time            `json:"approved_at,omitempty"`
	Note                string                `json:"note,omitempty"`
	CreatedAt           time.Time             `json:"created_at"`
	UpdatedAt           time.Time             `json:"updated_at"`
}

func (p *CarePlan) Approved() bool { return p.Status == StatusApproved }
