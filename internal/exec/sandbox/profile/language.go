// Package profile defines language execution profiles.
package profile

import "runbox/internal/exec/sandbox/spec"

// LanguageSpec describes how one language is compiled and executed.
// Command templates are shell-lexed with {src}, {bin} and {workdir}
// placeholders expanded against the sandbox working directory.
type LanguageSpec struct {
	ID               string             `yaml:"id"`
	Name             string             `yaml:"name"`
	Version          string             `yaml:"version"`
	SourceFile       string             `yaml:"sourceFile"`
	BinaryFile       string             `yaml:"binaryFile"`
	CompileEnabled   bool               `yaml:"compileEnabled"`
	CompileCmdTpl    string             `yaml:"compileCmd"`
	RunCmdTpl        string             `yaml:"runCmd"`
	Env              []string           `yaml:"env"`
	TimeMultiplier   float64            `yaml:"timeMultiplier"`
	MemoryMultiplier float64            `yaml:"memoryMultiplier"`
	AllowNetwork     bool               `yaml:"allowNetwork"`
	Bundle           string             `yaml:"bundle"`
	Image            string             `yaml:"image"`
	SeccompProfile   string             `yaml:"seccompProfile"`
	Limits           spec.ResourceLimit `yaml:"limits"`
}
