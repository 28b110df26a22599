package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRun_Transitions(t *testing.T) {
	r := newRequestRun("GET /portfolio")
	require.NoError(t, r.to(StateRetrying))
	require.NoError(t, r.to(StateRefreshingAuth))
	require.NoError(t, r.to(StateReplayed))
	require.NoError(t, r.to(StateRetrying))

	// 重放之后不允许再次进入刷新
	assert.Error(t, r.to(StateRefreshingAuth))
	require.NoError(t, r.to(StateSucceeded))
	assert.True(t, r.state.Terminal())
	assert.Equal(t, []State{StateInitial, StateRetrying, StateRefreshingAuth, StateReplayed, StateRetrying, StateSucceeded}, r.history)

	// 终态之后不能再迁移
	assert.Error(t, r.to(StateRetrying))
}

func TestRequestRun_RefreshMustReplayOrFail(t *testing.T) {
	r := newRequestRun("POST /trade")
	require.NoError(t, r.to(StateRefreshingAuth))
	assert.Error(t, r.to(StateSucceeded))
	assert.Error(t, r.to(StateRetrying))
	require.NoError(t, r.to(StateFailed))
	assert.Equal(t, "failed", r.state.String())
}
