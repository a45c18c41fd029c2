package obslog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pemilabs/pemi/pkg/core"
)

func TestRecordFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "obs.log")
	l := New(path)

	l.Record(1500, core.SideNear, ActionNewFlow, 0xdeadbeef, -1, 0)
	l.Record(2500, core.SideFar, ActionInject, 0xdeadbeef, 42, 0xabc)
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "1500,near,newflow,00000000deadbeef,-1,0000000000000000", lines[0])
	assert.Equal(t, "2500,far,inject,00000000deadbeef,42,0000000000000abc", lines[1])
}

func TestNilLoggerIsNoop(t *testing.T) {
	var l *Logger
	l.Record(0, core.SideNear, ActionForward, 0, 0, 0)
	assert.NoError(t, l.Close())
}
