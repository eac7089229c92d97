package model

import (
	"fmt"
	"time"
)

// TaskStatus is the terminal status of one task run.
type TaskStatus string

// Normalized task statuses.
const (
	StatusSuccess TaskStatus = "success"
	StatusFailed  TaskStatus = "failed"
	StatusTimeout TaskStatus = "timeout"
	StatusError   TaskStatus = "error"
)

// PromptInput carries the values a task prompt is rendered from.
type PromptInput struct {
	// Name is the sanitized document name.
	Name string

	// Text is the full document text. Most prompts reference SourcePath
	// instead of inlining it.
	Text string

	// SourcePath is the scratch file holding Text.
	SourcePath string

	// OutputPath is where the task is expected to write its artifact.
	OutputPath string

	// Dir is the unit output directory.
	Dir string
}

// PromptFunc renders a task prompt.
type PromptFunc func(in PromptInput) string

// TaskSpec is a named, independent generation task.
type TaskSpec struct {
	// Name identifies the task in outcome maps and records.
	Name string

	// Output is the artifact path relative to the unit directory. A trailing
	// slash denotes a directory artifact.
	Output string

	// Prompt renders the instruction passed to the generation tool.
	Prompt PromptFunc
}

// TaskOutcome is the result of running one TaskSpec against a unit.
type TaskOutcome struct {
	Task     string        `json:"task"`
	Status   TaskStatus    `json:"status"`
	Detail   string        `json:"detail,omitempty"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// String renders the outcome as shown in processing records.
func (o TaskOutcome) String() string {
	if o.Status == StatusError && o.Detail != "" {
		return fmt.Sprintf("%s: %s", o.Status, o.Detail)
	}
	return string(o.Status)
}
