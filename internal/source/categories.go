package source

import "sort"

// Origin classifies where a source-data key came from. Purely informational:
// the UI layer uses it for autocomplete and help text, execution ignores it.
type Origin string

const (
	OriginCredential   Origin = "credential"
	OriginToolInput    Origin = "tool-input"
	OriginFileInput    Origin = "file-input"
	OriginCurrentStep  Origin = "current-step"
	OriginPreviousStep Origin = "previous-step"
	OriginPagination   Origin = "pagination"
)

// Variable is one visible source-data key with its provenance.
type Variable struct {
	Name   string `json:"name"`
	Origin Origin `json:"origin"`
}

// CategorizedVariables lists the keys visible to the step at in.StepIndex,
// grouped by origin. Later origins win name collisions, mirroring Compose
// precedence.
func CategorizedVariables(in Inputs) []Variable {
	if in.StepIndex < 0 || in.StepIndex >= len(in.Steps) {
		return nil
	}
	step := &in.Steps[in.StepIndex]

	byName := make(map[string]Origin)
	for k := range in.FilePayloads {
		byName[k] = OriginFileInput
	}
	for k := range in.ManualPayload {
		byName[k] = OriginToolInput
	}
	byName["credentials"] = OriginCredential
	if sys, ok := in.Credentials[step.SystemID]; ok {
		for name := range sys {
			byName["credentials."+name] = OriginCredential
			byName["credentials."+step.SystemID+"_"+name] = OriginCredential
		}
	}
	for i := 0; i < in.StepIndex; i++ {
		byName[in.Steps[i].ID] = OriginPreviousStep
	}
	if in.CurrentItem != nil {
		byName["currentItem"] = OriginCurrentStep
	}
	for k := range paginationParams(step) {
		byName[k] = OriginPagination
	}

	vars := make([]Variable, 0, len(byName))
	for name, origin := range byName {
		vars = append(vars, Variable{Name: name, Origin: origin})
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i].Name < vars[j].Name })
	return vars
}
