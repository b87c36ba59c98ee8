package archive

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/studiocdz/collaborative-editor/internal/domain"
)

func openArchive(t *testing.T) *BoltArchive {
	t.Helper()
	a, err := OpenBoltArchive(filepath.Join(t.TempDir(), "nested", "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func sampleLog(t *testing.T) []domain.SessionEvent {
	t.Helper()
	log := domain.NewEventLog()

	p, err := domain.NewParticipant("alice", "Alice", "")
	require.NoError(t, err)
	_, err = log.Append(domain.NewJoinEvent(p))
	require.NoError(t, err)
	_, err = log.Append(domain.NewDrawEvent("alice", domain.DrawPoint{X: 1, Y: 2, Size: 3, Tool: domain.ToolPen}))
	require.NoError(t, err)
	_, err = log.Append(domain.NewClearEvent("alice"))
	require.NoError(t, err)

	var events []domain.SessionEvent
	for ev := range log.SnapshotSince(1) {
		events = append(events, ev)
	}
	return events
}

func TestStoreAndLoad(t *testing.T) {
	a := openArchive(t)
	ctx := context.Background()
	events := sampleLog(t)

	require.NoError(t, a.Store(ctx, "s1", events))

	loaded, err := a.Load(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	for i, ev := range loaded {
		require.Equal(t, uint64(i+1), ev.Seq)
		require.Equal(t, events[i].Kind, ev.Kind)
	}
	require.Equal(t, "Alice", loaded[0].Join.DisplayName)
	require.Equal(t, domain.ToolPen, loaded[1].Draw.Tool)

	ids, err := a.Sessions()
	require.NoError(t, err)
	require.Equal(t, []string{"s1"}, ids)
}

func TestStoreReplaces(t *testing.T) {
	a := openArchive(t)
	ctx := context.Background()
	events := sampleLog(t)

	require.NoError(t, a.Store(ctx, "s1", events))
	require.NoError(t, a.Store(ctx, "s1", events[:1]))

	loaded, err := a.Load(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
}

func TestLoadMissing(t *testing.T) {
	a := openArchive(t)
	_, err := a.Load(context.Background(), "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
