// Package classify selects the uploaded files a toolchain should compile.
package classify

import (
	"github.com/dontdude/buildbox/internal/domain"
)

// Sources filters staged (workspace relative) paths down to the toolchain's source
// files, keeping upload order, and returns them as "./" prefixed arguments so a
// name beginning with "-" is never parsed as a flag.
func Sources(spec domain.ToolchainSpec, staged []string) ([]string, error) {
	var inputs []string
	for _, name := range staged {
		if spec.Accepts(name) {
			inputs = append(inputs, "./"+name)
		}
	}
	if len(inputs) == 0 {
		return nil, domain.Errorf(domain.KindNoMatchingFiles,
			"no source files for toolchain %q among %d uploaded file(s), expected one of %v",
			spec.Key, len(staged), spec.Extensions)
	}
	return inputs, nil
}
