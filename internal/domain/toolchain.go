package domain

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DefaultContentType is used for artifacts when a toolchain does not declare one.
const DefaultContentType = "application/octet-stream"

// ToolchainSpec describes how to invoke one toolchain and where it leaves its output.
// The invocation is always: Command Flags... -o Output Inputs...
type ToolchainSpec struct {
	Key         string            `yaml:"-"`
	Command     string            `yaml:"command"`
	Flags       []string          `yaml:"flags"`
	Output      string            `yaml:"output"`
	Extensions  []string          `yaml:"extensions"`
	Image       string            `yaml:"image"`
	ContentType string            `yaml:"contentType"`
	TimeoutMs   int               `yaml:"timeoutMs"`
	Env         map[string]string `yaml:"env"`
}

// Args builds the argument vector passed after Command. Inputs are passed as
// discrete tokens, never through a shell.
func (s ToolchainSpec) Args(inputs []string) []string {
	args := make([]string, 0, len(s.Flags)+2+len(inputs))
	args = append(args, s.Flags...)
	args = append(args, "-o", s.Output)
	return append(args, inputs...)
}

// Accepts reports whether name carries one of the toolchain's source extensions.
func (s ToolchainSpec) Accepts(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range s.Extensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

// Timeout returns the toolchain's own limit, or fallback when it has none.
func (s ToolchainSpec) Timeout(fallback time.Duration) time.Duration {
	if s.TimeoutMs > 0 {
		return time.Duration(s.TimeoutMs) * time.Millisecond
	}
	return fallback
}

// MediaType returns the artifact content type.
func (s ToolchainSpec) MediaType() string {
	if s.ContentType == "" {
		return DefaultContentType
	}
	return s.ContentType
}

// Validate checks the spec is usable.
func (s ToolchainSpec) Validate() error {
	if s.Command == "" {
		return fmt.Errorf("toolchain %q: command is required", s.Key)
	}
	if s.Output == "" || !filepath.IsLocal(s.Output) {
		return fmt.Errorf("toolchain %q: output %q must be a relative path inside the workspace", s.Key, s.Output)
	}
	if len(s.Extensions) == 0 {
		return fmt.Errorf("toolchain %q: at least one source extension is required", s.Key)
	}
	for _, ext := range s.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("toolchain %q: extension %q must start with a dot", s.Key, ext)
		}
	}
	return nil
}

// Registry is the immutable set of known toolchains.
type Registry struct {
	specs map[string]ToolchainSpec
}

// NewRegistry validates specs and returns a registry keyed by map key.
func NewRegistry(specs map[string]ToolchainSpec) (*Registry, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("no toolchains configured")
	}
	r := &Registry{specs: make(map[string]ToolchainSpec, len(specs))}
	for key, spec := range specs {
		spec.Key = key
		spec.Flags = append([]string(nil), spec.Flags...)
		spec.Extensions = append([]string(nil), spec.Extensions...)
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		r.specs[key] = spec
	}
	return r, nil
}

// Lookup returns the spec for key or an UnsupportedToolchain error.
func (r *Registry) Lookup(key string) (ToolchainSpec, error) {
	spec, ok := r.specs[key]
	if !ok {
		return ToolchainSpec{}, Errorf(KindUnsupportedToolchain, "unsupported toolchain %q", key)
	}
	return spec, nil
}

// Keys returns the known toolchain keys, sorted.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.specs))
	for k := range r.specs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DefaultToolchains is the registry used when no toolchains file is configured.
func DefaultToolchains() map[string]ToolchainSpec {
	return map[string]ToolchainSpec{
		"cpp": {
			Command:    "/usr/api/build.sh",
			Flags:      []string{"-v"},
			Output:     "out.elf",
			Extensions: []string{".c", ".cc", ".cpp", ".cxx", ".c++"},
			Image:      "cpp_compiler",
		},
	}
}
