package main

import (
	"encoding/json"

	"github.com/google/uuid"

	"flowqueue/backend/pkg/models"
)

func demoWorkflows(org uuid.UUID) []*models.Workflow {
	two := 2
	return []*models.Workflow{
		{
			OrganizationID: org,
			Name:           "Order pipeline",
			Status:         models.WorkflowStatusActive,
			Definition: models.Definition{
				Nodes: []models.Node{
					{ID: "receive", Type: "trigger"},
					{ID: "validate", Type: "passthrough"},
					{ID: "archive", Type: "passthrough"},
				},
				Edges: []models.Edge{
					{Source: "receive", Target: "validate"},
					{Source: "validate", Target: "archive"},
				},
			},
		},
		{
			OrganizationID: org,
			Name:           "Approval routing",
			Status:         models.WorkflowStatusActive,
			Definition: models.Definition{
				Nodes: []models.Node{
					{ID: "request", Type: "trigger"},
					{ID: "approved", Type: "branch", Config: json.RawMessage(`{"field":"approved","equals":true}`)},
					{ID: "notify", Type: "passthrough"},
					{ID: "cooldown", Type: "delay", Config: json.RawMessage(`{"duration":"5s"}`), Priority: 5},
					{ID: "done", Type: "merge"},
				},
				Edges: []models.Edge{
					{Source: "request", Target: "approved"},
					{Source: "approved", SourcePin: "true", Target: "notify"},
					{Source: "approved", SourcePin: "false", Target: "cooldown"},
					{Source: "notify", Target: "done"},
					{Source: "cooldown", Target: "done"},
				},
			},
		},
		{
			OrganizationID: org,
			Name:           "Webhook fan-out",
			Status:         models.WorkflowStatusDraft,
			Definition: models.Definition{
				Nodes: []models.Node{
					{ID: "event", Type: "trigger"},
					{ID: "billing", Type: "http", Config: json.RawMessage(`{"url":"http://localhost:9000/billing","timeout":"10s"}`)},
					{ID: "crm", Type: "http", Config: json.RawMessage(`{"url":"http://localhost:9000/crm","method":"PUT"}`), MaxRetries: &two},
				},
				Edges: []models.Edge{
					{Source: "event", Target: "billing"},
					{Source: "event", Target: "crm"},
				},
				Settings: models.Settings{FailurePolicy: models.IsolateBranches},
			},
		},
	}
}
