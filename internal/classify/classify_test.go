package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/buildbox/internal/domain"
)

func cppSpec() domain.ToolchainSpec {
	spec := domain.DefaultToolchains()["cpp"]
	spec.Key = "cpp"
	return spec
}

func TestSourcesKeepsUploadOrder(t *testing.T) {
	staged := []string{"z.cpp", "api.hpp", "src/a.c", "notes.txt", "-rf.cc"}

	inputs, err := Sources(cppSpec(), staged)

	require.NoError(t, err)
	assert.Equal(t, []string{"./z.cpp", "./src/a.c", "./-rf.cc"}, inputs)
}

func TestSourcesNoMatch(t *testing.T) {
	tests := map[string][]string{
		"headers only": {"api.h", "api.hpp"},
		"no files":     nil,
		"lookalike":    {"settings.cfg", "main.clj"},
	}
	for name, staged := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Sources(cppSpec(), staged)
			assert.Equal(t, domain.KindNoMatchingFiles, domain.KindOf(err))
		})
	}
}
