package poller

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Snapshot is one reading of the server's get-progress endpoint
type Snapshot struct {
	Active                bool
	Stage                 string
	CurrentStep           string
	OverallPercentage     float64
	ProcedurePercentage   float64
	CurrentProcedure      string
	RecentCases           []string
	TaxonomyMappingIssues []string
	Errors                []string
	Warnings              []string
}

// ParseSnapshot reads a progress payload; absent fields keep their zero value
func ParseSnapshot(data gjson.Result) Snapshot {
	return Snapshot{
		Active:                data.Get("active").Bool(),
		Stage:                 data.Get("stage").String(),
		CurrentStep:           data.Get("current_step").String(),
		OverallPercentage:     clampPercent(data.Get("overall_percentage").Float()),
		ProcedurePercentage:   clampPercent(data.Get("procedure_progress.percentage").Float()),
		CurrentProcedure:      data.Get("current_procedure").String(),
		RecentCases:           stringList(data.Get("recent_cases")),
		TaxonomyMappingIssues: stringList(data.Get("taxonomy_mapping_issues")),
		Errors:                stringList(data.Get("errors")),
		Warnings:              stringList(data.Get("warnings")),
	}
}

// Idle reports whether the server has no sync in progress
func (s Snapshot) Idle() bool {
	return !s.Active || strings.EqualFold(s.Stage, "idle")
}

// Message renders the step and procedure for a status line
func (s Snapshot) Message() string {
	msg := s.CurrentStep
	if msg == "" {
		msg = "Working"
	}
	if s.CurrentProcedure != "" {
		msg += " (" + s.CurrentProcedure + ")"
	}
	return msg
}

func stringList(arr gjson.Result) []string {
	if !arr.IsArray() {
		return nil
	}
	items := arr.Array()
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.String())
	}
	return out
}

func clampPercent(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
