package sqlstore

import (
	"time"

	"github.com/raphaelgruber/flowhub/internal/models"
)

type nodeDefinitionRecord struct {
	ID           string        `gorm:"primaryKey;size:36"`
	Name         string        `gorm:"size:128;not null;uniqueIndex"`
	Label        string        `gorm:"size:256"`
	Category     string        `gorm:"size:128;index"`
	Description  string        `gorm:"type:text"`
	Inputs       []models.Port `gorm:"serializer:json"`
	Outputs      []models.Port `gorm:"serializer:json"`
	Code         string        `gorm:"type:text"`
	ClassName    string        `gorm:"size:128;not null"`
	Runtime      string        `gorm:"size:32"`
	Requirements []string      `gorm:"serializer:json"`
	IsPublic     bool
	Author       string `gorm:"size:128;index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (nodeDefinitionRecord) TableName() string { return "node_definitions" }

func toNodeRecord(d *models.NodeDefinition) nodeDefinitionRecord {
	return nodeDefinitionRecord{
		ID:           d.ID,
		Name:         d.Name,
		Label:        d.Label,
		Category:     d.Category,
		Description:  d.Description,
		Inputs:       d.Inputs,
		Outputs:      d.Outputs,
		Code:         d.Code,
		ClassName:    d.ClassName,
		Runtime:      d.Runtime,
		Requirements: d.Requirements,
		IsPublic:     d.IsPublic,
		Author:       d.Author,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

func (r *nodeDefinitionRecord) toModel() *models.NodeDefinition {
	return &models.NodeDefinition{
		ID:           r.ID,
		Name:         r.Name,
		Label:        r.Label,
		Category:     r.Category,
		Description:  r.Description,
		Inputs:       r.Inputs,
		Outputs:      r.Outputs,
		Code:         r.Code,
		ClassName:    r.ClassName,
		Runtime:      r.Runtime,
		Requirements: r.Requirements,
		IsPublic:     r.IsPublic,
		Author:       r.Author,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

type flowRecord struct {
	ID          string       `gorm:"primaryKey;size:36"`
	Owner       string       `gorm:"size:128;index"`
	Name        string       `gorm:"size:256;not null"`
	Description string       `gorm:"type:text"`
	Graph       models.Graph `gorm:"serializer:json"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (flowRecord) TableName() string { return "flows" }

func toFlowRecord(f *models.Flow) flowRecord {
	return flowRecord{
		ID:          f.ID,
		Owner:       f.Owner,
		Name:        f.Name,
		Description: f.Description,
		Graph:       f.Graph,
		CreatedAt:   f.CreatedAt,
		UpdatedAt:   f.UpdatedAt,
	}
}

func (r *flowRecord) toModel() *models.Flow {
	return &models.Flow{
		ID:          r.ID,
		Owner:       r.Owner,
		Name:        r.Name,
		Description: r.Description,
		Graph:       r.Graph,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}
