package process

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/buildbox/internal/domain"
)

// processGone treats zombies as gone: they hold no resources and only await reaping.
func processGone(pid int) bool {
	stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return true
	}
	// Format: pid (comm) state ...
	s := string(stat)
	i := strings.LastIndexByte(s, ')')
	return i >= 0 && i+2 < len(s) && s[i+2] == 'Z'
}

func TestRunTimeoutKillsChildren(t *testing.T) {
	inv := script(t, `sleep 30 & echo $! > child.pid; wait`, 300*time.Millisecond)

	res := newTestRunner().Run(context.Background(), inv)
	require.Equal(t, domain.ExecTimedOut, res.Status)

	raw, err := os.ReadFile(filepath.Join(inv.Workspace, "child.pid"))
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return processGone(pid) }, 2*time.Second, 20*time.Millisecond)
}
