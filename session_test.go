package main

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spaceship-sync/internal/delta"
	"spaceship-sync/internal/wire"
)

func newTestSessionManager(t *testing.T) *SessionManager {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	opt, err := wire.NewOptimizer(delta.NewEncoder(delta.DefaultOptions()), wire.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(opt.Close)
	cfg := DefaultConfig()
	cfg.World = testWorldConfig()
	return NewSessionManager(ctx, cfg, opt, zerolog.Nop())
}

func TestSessionClosesWhenLastPlayerLeaves(t *testing.T) {
	sm := newTestSessionManager(t)
	sess := sm.CreateSession("Belt")
	require.NotNil(t, sess)
	a := sess.World.AddPlayer("a", &recordingViewer{stream: "a"})
	b := sess.World.AddPlayer("b", &recordingViewer{stream: "b"})
	require.NotNil(t, a)
	require.NotNil(t, b)

	sm.RemovePlayer(sess.ID, a.ID)
	assert.NotNil(t, sm.GetSession(sess.ID))
	assert.False(t, sess.World.Closed())

	sm.RemovePlayer(sess.ID, b.ID)
	assert.Nil(t, sm.GetSession(sess.ID))
	assert.True(t, sess.World.Closed())
	assert.Nil(t, sess.World.AddPlayer("late", &recordingViewer{stream: "late"}),
		"a closed world takes no players")
	assert.Zero(t, sm.Count())
}

func TestSessionJoinRacingCloseNeverStrandsPlayer(t *testing.T) {
	sm := newTestSessionManager(t)

	for i := 0; i < 200; i++ {
		sess := sm.CreateSession("Belt")
		require.NotNil(t, sess)
		first := sess.World.AddPlayer("first", &recordingViewer{stream: "first"})
		require.NotNil(t, first)

		var (
			wg   sync.WaitGroup
			late *Player
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			sm.RemovePlayer(sess.ID, first.ID)
		}()
		go func() {
			defer wg.Done()
			late = sess.World.AddPlayer("late", &recordingViewer{stream: "late"})
		}()
		wg.Wait()

		if late == nil {
			require.Nil(t, sm.GetSession(sess.ID))
			continue
		}
		require.NotNil(t, sm.GetSession(sess.ID), "joined player must be in a live session")
		require.False(t, sess.World.Closed())
		sm.RemovePlayer(sess.ID, late.ID)
		require.Nil(t, sm.GetSession(sess.ID))
	}
}
