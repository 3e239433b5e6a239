package main

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memPIDFile(live ...int) pidFile {
	alive := map[int]bool{}
	for _, pid := range live {
		alive[pid] = true
	}
	return pidFile{
		fs:    afero.NewMemMapFs(),
		path:  "/data/daemon.pid",
		alive: func(pid int) bool { return alive[pid] },
	}
}

func TestPIDFile_AcquireAndRelease(t *testing.T) {
	p := memPIDFile(100)

	_, running := p.Running()
	assert.False(t, running)

	require.NoError(t, p.Acquire(100))
	pid, running := p.Running()
	assert.True(t, running)
	assert.Equal(t, 100, pid)

	require.NoError(t, p.Release(100))
	exists, err := afero.Exists(p.fs, p.path)
	require.NoError(t, err)
	assert.False(t, exists)

	// releasing twice is harmless
	assert.NoError(t, p.Release(100))
}

func TestPIDFile_RefusesLiveDaemon(t *testing.T) {
	p := memPIDFile(100, 200)
	require.NoError(t, p.Acquire(100))

	err := p.Acquire(200)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PID 100")

	// another process cannot remove the owner's file
	require.NoError(t, p.Release(200))
	pid, running := p.Running()
	assert.True(t, running)
	assert.Equal(t, 100, pid)
}

func TestPIDFile_StaleFile(t *testing.T) {
	p := memPIDFile(200)
	require.NoError(t, afero.WriteFile(p.fs, p.path, []byte("100\n"), 0o644))

	_, running := p.Running()
	assert.False(t, running)

	require.NoError(t, p.Acquire(200))
	pid, _ := p.Running()
	assert.Equal(t, 200, pid)
}

func TestPIDFile_Garbage(t *testing.T) {
	p := memPIDFile(100)
	require.NoError(t, afero.WriteFile(p.fs, p.path, []byte("not a pid"), 0o644))

	_, running := p.Running()
	assert.False(t, running)
}
