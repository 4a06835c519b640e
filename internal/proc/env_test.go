package proc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/g960059/procmux/internal/model"
)

func strp(s string) *string { return &s }

func TestMergeEnv(t *testing.T) {
	base := []string{"PATH=/bin", "HOME=/root", "LANG=C"}
	got := MergeEnv(base, []model.EnvVar{
		{Name: "HOME", Value: strp("/home/dev")},
		{Name: "LANG"},
		{Name: "NEW", Value: strp("1")},
		{Name: "MISSING"},
	})
	assert.Equal(t, []string{"PATH=/bin", "HOME=/home/dev", "NEW=1"}, got)
	assert.Equal(t, []string{"PATH=/bin", "HOME=/root", "LANG=C"}, base)
}

func TestMergeEnvLaterOverrideWins(t *testing.T) {
	got := MergeEnv([]string{"A=0"}, []model.EnvVar{
		{Name: "A"},
		{Name: "A", Value: strp("2")},
	})
	assert.Equal(t, []string{"A=2"}, got)
}

func TestMergeEnvNoOverrides(t *testing.T) {
	base := []string{"A=1"}
	got := MergeEnv(base, nil)
	assert.Equal(t, base, got)
	got[0] = "B=2"
	assert.Equal(t, "A=1", base[0])
}

func TestOutputLogKeepsTail(t *testing.T) {
	l := NewOutputLog(8)
	l.Append([]byte("abc"))
	assert.Equal(t, []byte("abc"), l.Tail())

	for i := 0; i < 10; i++ {
		l.Append([]byte("0123"))
	}
	assert.Equal(t, []byte("01230123"), l.Tail())
	assert.Equal(t, uint64(43), l.Total())

	l.Append(bytes.Repeat([]byte("z"), 20))
	assert.Equal(t, bytes.Repeat([]byte("z"), 8), l.Tail())
}

func TestParseSignal(t *testing.T) {
	sig, hard, err := ParseSignal("")
	assert.NoError(t, err)
	assert.False(t, hard)
	assert.Equal(t, "SIGINT", signalName(sig))

	sig, _, err = ParseSignal("term")
	assert.NoError(t, err)
	assert.Equal(t, "SIGTERM", signalName(sig))

	_, hard, err = ParseSignal("hard-kill")
	assert.NoError(t, err)
	assert.True(t, hard)

	_, hard, err = ParseSignal("SIGKILL")
	assert.NoError(t, err)
	assert.True(t, hard)
}
