package scheduler

import (
	"bytes"
	"strings"
	"text/template"

	"github.com/zjrosen/gaffer/internal/domain"
	"github.com/zjrosen/gaffer/internal/log"
)

// taskPromptData is the rendering context for the work-item section of
// an execution prompt.
type taskPromptData struct {
	Role            string
	ID              string
	Title           string
	Type            string
	Description     string
	SuccessCriteria []domain.SuccessCriterion
	LinkedFiles     []string
}

// taskPromptTemplate renders the assignment block appended after the
// worker template's system prompt.
var taskPromptTemplate = template.Must(template.New("task-prompt").Parse(`# Work Assignment

You are acting as the **{{.Role}}** for the following work item.

## {{.Title}}

- ID: {{.ID}}
- Type: {{.Type}}
{{- if .Description}}

{{.Description}}
{{- end}}
{{- if .SuccessCriteria}}

## Success Criteria

{{range .SuccessCriteria -}}
- [{{if .Completed}}x{{else}} {{end}}] {{.Text}}
{{end -}}
{{- end}}
{{- if .LinkedFiles}}

## Linked Files

{{range .LinkedFiles -}}
- {{.}}
{{end -}}
{{- end}}`))

// buildPrompt combines the worker template's system prompt with the
// rendered work-item assignment.
func (o *Orchestrator) buildPrompt(item *domain.WorkItem, worker *domain.Worker, role domain.Role) string {
	var b strings.Builder

	tpl, err := o.deps.Registry.GetByID(worker.TemplateID)
	if err != nil {
		log.Debug(log.CatOrch, "template lookup for prompt failed",
			"worker", worker.ID, "template", worker.TemplateID, "error", err.Error())
	} else if tpl.SystemPrompt != "" {
		b.WriteString(tpl.SystemPrompt)
		b.WriteString("\n\n---\n\n")
	}

	data := taskPromptData{
		Role:            string(role),
		ID:              item.ID,
		Title:           item.Title,
		Type:            string(item.Type),
		Description:     item.Description,
		SuccessCriteria: item.SuccessCriteria,
		LinkedFiles:     item.LinkedFiles,
	}
	var buf bytes.Buffer
	if err := taskPromptTemplate.Execute(&buf, data); err != nil {
		log.ErrorErr(log.CatOrch, "prompt render failed", err, "workItem", item.ID)
		b.WriteString("Work item " + item.ID + ": " + item.Title)
		return b.String()
	}
	b.Write(buf.Bytes())
	return b.String()
}
