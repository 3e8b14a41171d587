package main

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowqueue/backend/internal/nodes"
	"flowqueue/backend/internal/services"
)

func TestDemoWorkflowsAreValid(t *testing.T) {
	org := uuid.MustParse(defaultOrganization)
	registry := nodes.NewDefaultRegistry()

	names := map[string]bool{}
	for _, wf := range demoWorkflows(org) {
		require.NoError(t, services.ValidateDefinition(&wf.Definition, registry), wf.Name)
		assert.Equal(t, org, wf.OrganizationID)
		assert.False(t, names[wf.Name], "duplicate name %s", wf.Name)
		names[wf.Name] = true
	}
}
