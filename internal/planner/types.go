// Package planner turns a goal into a validated plan with the help of an
// external planning collaborator.
package planner

import (
	"context"
	"errors"
)

// ErrValidationFailed is wrapped by every rejection of a collaborator reply.
var ErrValidationFailed = errors.New("plan validation failed")

// Request is what the collaborator is asked to decompose.
type Request struct {
	Goal          string
	Scope         string
	MemoryContext string
	Capabilities  []string
	// Version numbers the resulting plan; zero means 1.
	Version int
}

// Collaborator proposes a decomposition for a request. The reply is raw
// model output expected to contain a Response JSON object; it is not trusted.
type Collaborator interface {
	Plan(ctx context.Context, req Request) (string, error)
}

// CollaboratorFunc adapts a function to Collaborator.
type CollaboratorFunc func(ctx context.Context, req Request) (string, error)

// Plan calls f.
func (f CollaboratorFunc) Plan(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Response is the JSON shape the collaborator replies with.
type Response struct {
	Steps                   []ResponseStep `json:"steps"`
	DecompositionConfidence float64        `json:"decomposition_confidence"`
}

// ResponseStep is one proposed step
type ResponseStep struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	DependsOn   []string `json:"depends_on"`
	ToolsNeeded []string `json:"tools_needed"`
}
