package executor

import (
	"bytes"
	"strings"
	"text/template"

	"github.com/kylemclaren/claude-goals/internal/db"
	"github.com/kylemclaren/claude-goals/internal/plan"
)

const stepPromptTemplate = `You are working on one step of a longer goal. Do the work for this step only.

## Goal
{{.Task.Goal}}
{{- if .Task.Scope}}

## Scope
{{.Task.Scope}}
{{- end}}

## Current step ({{.Step.ID}})
{{.Step.Description}}
{{- if .Step.ToolsNeeded}}
Capabilities this step may need: {{join .Step.ToolsNeeded ", "}}
{{- end}}
{{- if .Completed}}

## Completed so far
{{- range .Completed}}
- {{.ID}}: {{.ResultSummary}}
{{- end}}
{{- end}}

## Reply format
Write up what you found or did, then end your reply with a single JSON object:
{"status":"completed","result_summary":"one or two sentences","failure_reason":"","retryable":false,"skip_reason":""}
status is "completed", "failed" or "skipped". Set retryable to true when a later attempt could succeed.
`

var stepPrompt = template.Must(template.New("step").Funcs(template.FuncMap{
	"join": strings.Join,
}).Parse(stepPromptTemplate))

type promptData struct {
	Task      *db.Task
	Step      plan.Step
	Completed []plan.Step
}

// RenderStepPrompt renders the prompt sent to the CLI for one step.
func RenderStepPrompt(task *db.Task, step plan.Step) (string, error) {
	data := promptData{Task: task, Step: step}
	if p := task.Progress.Plan; p != nil {
		for _, s := range p.Steps {
			if s.Status == plan.StepCompleted && s.ResultSummary != "" {
				data.Completed = append(data.Completed, s)
			}
		}
	}

	var buf bytes.Buffer
	if err := stepPrompt.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
