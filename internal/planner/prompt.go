package planner

import (
	"bytes"
	"text/template"
)

const decomposePromptTemplate = `You are planning how to accomplish a long-running goal. Break it into a small
dependency graph of concrete steps.

## Goal
{{.Goal}}
{{if .Scope}}
## Scope
{{.Scope}}
{{end}}
{{- if .MemoryContext}}
## What is already known
{{.MemoryContext}}
{{end}}
## Available capabilities
{{- range .Capabilities}}
- {{.}}
{{- else}}
- none (steps must be purely internal reasoning)
{{- end}}

## Rules
- Produce between {{.MinSteps}} and {{.MaxSteps}} steps.
- Each description must be {{.MinWords}}-{{.MaxWords}} words and distinct from the others.
- depends_on lists ids of steps that must finish first; at least one step has none.
- tools_needed lists only capabilities from the list above; leave it empty when none are needed.
- decomposition_confidence is your confidence from 0 to 1 that the plan achieves the goal.

Respond with only a JSON object of this shape:
{"steps":[{"id":"A","description":"...","depends_on":[],"tools_needed":[]}],"decomposition_confidence":0.8}
`

var decomposePrompt = template.Must(template.New("decompose").Parse(decomposePromptTemplate))

type promptData struct {
	Request
	MinSteps, MaxSteps int
	MinWords, MaxWords int
}

// renderPrompt renders the decomposition prompt for req under the builder's
// bounds.
func renderPrompt(req Request, minSteps, maxSteps, minWords, maxWords int) (string, error) {
	var buf bytes.Buffer
	err := decomposePrompt.Execute(&buf, promptData{
		Request:  req,
		MinSteps: minSteps,
		MaxSteps: maxSteps,
		MinWords: minWords,
		MaxWords: maxWords,
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
