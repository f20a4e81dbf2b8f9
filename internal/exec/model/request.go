// Package model defines the wire types of the sandbox execution API.
package model

// Defaults applied to optional request fields.
const (
	DefaultLanguage       = "python"
	DefaultCompileTimeout = 1.0
	DefaultRunTimeout     = 3.0
)

// RunCodeRequest is the JSON body accepted by the run and submit endpoints.
type RunCodeRequest struct {
	Code  string `json:"code" binding:"required"`
	Stdin string `json:"stdin"`
	// Language selects a configured profile. Defaults to python.
	Language string `json:"language"`
	// CompileTimeout and RunTimeout are wall clock budgets in seconds.
	CompileTimeout float64 `json:"compile_timeout"`
	RunTimeout     float64 `json:"run_timeout"`
	// Files maps workspace-relative paths to base64 content placed in the
	// sandbox before execution.
	Files map[string]string `json:"files,omitempty"`
	// FetchFiles lists workspace-relative paths read back after execution.
	FetchFiles []string `json:"fetch_files,omitempty"`
}

// ApplyDefaults fills unset optional fields with the documented defaults.
func (r *RunCodeRequest) ApplyDefaults() {
	if r.Language == "" {
		r.Language = DefaultLanguage
	}
	if r.CompileTimeout <= 0 {
		r.CompileTimeout = DefaultCompileTimeout
	}
	if r.RunTimeout <= 0 {
		r.RunTimeout = DefaultRunTimeout
	}
}
