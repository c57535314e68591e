package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindEvaluation, "evaluation"},
		{KindWatchEstablishment, "watch_establishment"},
		{KindTransientWatch, "transient_watch"},
		{KindProcessLaunch, "process_launch"},
		{KindUnpromptedExit, "unprompted_exit"},
		{KindStaticApply, "static_apply"},
		{Kind(99), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.String())
	}
}

func TestKind_Fatal(t *testing.T) {
	assert.True(t, KindEvaluation.Fatal())
	assert.True(t, KindWatchEstablishment.Fatal())
	assert.True(t, KindProcessLaunch.Fatal())

	assert.False(t, KindTransientWatch.Fatal())
	assert.False(t, KindUnpromptedExit.Fatal())
	assert.False(t, KindStaticApply.Fatal())
}

func TestSupervisorError_Wrapping(t *testing.T) {
	root := errors.New("go.mod: unknown directive")
	err := fmt.Errorf("evaluate: %w", New(KindEvaluation, "resolve project", root))

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindEvaluation, kind)
	assert.True(t, errors.Is(err, root))
	assert.True(t, Is(err, KindEvaluation))
	assert.False(t, Is(err, KindStaticApply))
	assert.Contains(t, err.Error(), "[evaluation] resolve project: go.mod: unknown directive")
}

func TestSupervisorError_NoUnderlying(t *testing.T) {
	err := New(KindStaticApply, "transport unavailable", nil)
	assert.Equal(t, "[static_apply] transport unavailable", err.Error())
}

func TestSupervisorError_WithContext(t *testing.T) {
	err := New(KindProcessLaunch, "start", nil).WithContext("executable", "/bin/missing")
	assert.Equal(t, "/bin/missing", err.Context["executable"])
}

func TestIsFatal(t *testing.T) {
	assert.False(t, IsFatal(nil))
	assert.True(t, IsFatal(errors.New("unclassified")))
	assert.True(t, IsFatal(New(KindWatchEstablishment, "add root", nil)))
	assert.False(t, IsFatal(New(KindTransientWatch, "overflow", nil)))
}
