package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WorkflowStatus is the administrative status of a workflow, independent of
// any run.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusArchived WorkflowStatus = "archived"
)

// FailurePolicy decides what a node failure does to the rest of the run.
type FailurePolicy string

const (
	// FailFast fails the whole run as soon as one node fails.
	FailFast FailurePolicy = "fail_fast"
	// IsolateBranches lets independent branches finish; the run ends failed
	// once nothing is outstanding.
	IsolateBranches FailurePolicy = "isolate_branches"
)

// Workflow is a saved graph definition owned by an organization.
type Workflow struct {
	ID             uuid.UUID      `json:"uuid"`
	OrganizationID uuid.UUID      `json:"organization_uuid"`
	Name           string         `json:"name"`
	Definition     Definition     `json:"definition"`
	Status         WorkflowStatus `json:"status"`
	Version        int            `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Definition is the node/edge graph of a workflow.
type Definition struct {
	Nodes    []Node   `json:"nodes"`
	Edges    []Edge   `json:"edges"`
	Settings Settings `json:"settings"`
}

// Settings holds workflow-wide execution defaults.
type Settings struct {
	QueueName     string        `json:"queue_name,omitempty"`
	MaxRetries    *int          `json:"max_retries,omitempty"`
	FailurePolicy FailurePolicy `json:"failure_policy,omitempty"`
}

// Node is one vertex of the graph. Config is interpreted by the node type.
type Node struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Name       string          `json:"name,omitempty"`
	Config     json.RawMessage `json:"config,omitempty"`
	Priority   int             `json:"priority,omitempty"`
	MaxRetries *int            `json:"max_retries,omitempty"`
}

// Edge connects an output pin of one node to an input pin of another.
type Edge struct {
	Source    string `json:"source"`
	SourcePin string `json:"source_pin"`
	Target    string `json:"target"`
	TargetPin string `json:"target_pin"`
}

const (
	DefaultQueueName  = "default"
	DefaultMaxRetries = 3
)

// Node returns the node with the given id.
func (d *Definition) Node(id string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// QueueNameOrDefault returns the configured partition or the default one.
func (s Settings) QueueNameOrDefault() string {
	if s.QueueName == "" {
		return DefaultQueueName
	}
	return s.QueueName
}

// Policy returns the configured failure policy, fail-fast when unset.
func (s Settings) Policy() FailurePolicy {
	if s.FailurePolicy == "" {
		return FailFast
	}
	return s.FailurePolicy
}

// MaxRetriesFor resolves the retry budget for a node: node override, then
// workflow setting, then DefaultMaxRetries.
func (d *Definition) MaxRetriesFor(n Node) int {
	if n.MaxRetries != nil {
		return *n.MaxRetries
	}
	if d.Settings.MaxRetries != nil {
		return *d.Settings.MaxRetries
	}
	return DefaultMaxRetries
}
