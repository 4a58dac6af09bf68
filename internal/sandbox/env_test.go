package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterEnv_EmptyAllowlist(t *testing.T) {
	env := []string{"PATH=/usr/bin", "HOME=/root", "SECRET=hunter2"}
	assert.Empty(t, FilterEnv(env, nil))
}

func TestFilterEnv_SomeFiltered(t *testing.T) {
	env := []string{"PATH=/usr/bin", "HOME=/root", "SECRET=hunter2"}
	got := FilterEnv(env, []string{"PATH", "HOME"})
	assert.Equal(t, []string{"PATH=/usr/bin", "HOME=/root"}, got)
}

func TestFilterEnv_CaseExact(t *testing.T) {
	env := []string{"path=/usr/bin", "PATH=/usr/bin"}
	got := FilterEnv(env, []string{"PATH"})
	assert.Equal(t, []string{"PATH=/usr/bin"}, got)
}

func TestFilterEnv_MalformedEntry(t *testing.T) {
	env := []string{"PATH=/usr/bin", "NOEQUALS", "=orphan", "HOME=/root"}
	got := FilterEnv(env, []string{"PATH", "NOEQUALS", "HOME", "*"})
	assert.Equal(t, []string{"PATH=/usr/bin", "HOME=/root"}, got)
}

func TestFilterEnv_Glob(t *testing.T) {
	env := []string{"LC_ALL=C", "LC_TIME=de_DE", "LANG=C", "LD_PRELOAD=/x.so"}
	got := FilterEnv(env, []string{"LC_*"})
	assert.Equal(t, []string{"LC_ALL=C", "LC_TIME=de_DE"}, got)
}

func TestFilterEnv_BadPatternIgnored(t *testing.T) {
	env := []string{"PATH=/usr/bin"}
	assert.Empty(t, FilterEnv(env, []string{"[PATH"}))
}

func TestFilterEnv_PreservesOrder(t *testing.T) {
	env := []string{"C=3", "A=1", "B=2"}
	got := FilterEnv(env, []string{"A", "B", "C"})
	assert.Equal(t, []string{"C=3", "A=1", "B=2"}, got)
}
