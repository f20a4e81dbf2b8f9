package profile

import (
	"sort"
	"sync"

	"runbox/internal/exec/sandbox/spec"
	appErr "runbox/pkg/errors"
)

// Registry resolves language identifiers to execution profiles.
// Built-in profiles can be overridden by name from configuration.
type Registry struct {
	mu        sync.RWMutex
	languages map[string]LanguageSpec
}

// NewRegistry creates a registry seeded with the built-in profiles.
func NewRegistry() *Registry {
	r := &Registry{languages: make(map[string]LanguageSpec)}
	for _, lang := range Builtins() {
		r.languages[lang.ID] = lang
	}
	return r
}

// Register adds or replaces a language profile.
func (r *Registry) Register(lang LanguageSpec) error {
	if lang.ID == "" {
		return appErr.ValidationError("language_id", "required")
	}
	if lang.SourceFile == "" {
		return appErr.ValidationError("source_file", "required")
	}
	if lang.RunCmdTpl == "" {
		return appErr.ValidationError("run_cmd", "required")
	}
	if lang.CompileEnabled && lang.CompileCmdTpl == "" {
		return appErr.ValidationError("compile_cmd", "required")
	}
	r.mu.Lock()
	r.languages[lang.ID] = lang
	r.mu.Unlock()
	return nil
}

// Get returns the profile for a language id.
func (r *Registry) Get(id string) (LanguageSpec, error) {
	if id == "" {
		return LanguageSpec{}, appErr.ValidationError("language", "required")
	}
	r.mu.RLock()
	lang, ok := r.languages[id]
	r.mu.RUnlock()
	if !ok {
		return LanguageSpec{}, appErr.Newf(appErr.LanguageNotSupported, "language not supported: %s", id)
	}
	return lang, nil
}

// List returns all profiles sorted by id.
func (r *Registry) List() []LanguageSpec {
	r.mu.RLock()
	out := make([]LanguageSpec, 0, len(r.languages))
	for _, lang := range r.languages {
		out = append(out, lang)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Builtins returns the default language profiles.
// The python defaults mirror the historical firejail deployment: 512 MB
// address space, 50 processes, no network.
func Builtins() []LanguageSpec {
	return []LanguageSpec{
		{
			ID:             "python",
			Name:           "Python 3",
			Version:        "3",
			SourceFile:     "main.py",
			CompileEnabled: false,
			RunCmdTpl:      "python3 {src}",
			TimeMultiplier: 2.0,
			Limits: spec.ResourceLimit{
				MemoryMB: 512,
				OutputMB: 16,
				PIDs:     50,
			},
		},
		{
			ID:             "cpp",
			Name:           "C++ (g++)",
			Version:        "17",
			SourceFile:     "main.cpp",
			BinaryFile:     "main",
			CompileEnabled: true,
			CompileCmdTpl:  "g++ -O2 -std=c++17 -o {bin} {src}",
			RunCmdTpl:      "{bin}",
			TimeMultiplier: 1.0,
			Limits: spec.ResourceLimit{
				MemoryMB: 512,
				StackMB:  64,
				OutputMB: 16,
				PIDs:     50,
			},
		},
	}
}
