// Package storagetest provides fixtures and a behavioral suite shared by the
// storage backends' tests.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ishandhanani/forky/internal/graph"
	"github.com/ishandhanani/forky/internal/storage"
	"github.com/ishandhanani/forky/pkg/types"
)

// Epoch is the first instant handed out by Clock.
var Epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// Clock returns a goroutine-safe clock that starts at Epoch and advances by
// step on every call. Timestamps stay at microsecond precision so every
// backend can store them exactly.
func Clock(step time.Duration) func() time.Time {
	var (
		mu  sync.Mutex
		now = Epoch
	)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := now
		now = now.Add(step)
		return t
	}
}

// NewGraph returns an empty graph with sequential ids and a deterministic
// clock.
func NewGraph(t *testing.T) *graph.Graph {
	t.Helper()
	n := 0
	return graph.New(
		graph.WithClock(Clock(time.Second+250*time.Microsecond)),
		graph.WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("node-%02d", n)
		}),
	)
}

// SampleRecord builds a graph with two branches, a merge node, a
// continuation and cached summaries, and returns its record.
func SampleRecord(t *testing.T) *graph.Record {
	t.Helper()
	g := NewGraph(t)
	must := func(n *graph.Node, err error) *graph.Node {
		t.Helper()
		require.NoError(t, err)
		return n
	}

	must(g.AddMessage("Let's design storage", types.RoleUser))
	lca := must(g.AddMessage("Sure, what matters most?", types.RoleAssistant))
	must(g.Fork("sqlite"))
	must(g.AddMessage("Use SQLite", types.RoleUser))
	a := must(g.AddMessage("SQLite keeps it embedded", types.RoleAssistant))
	must(g.Checkout(lca.ID))
	must(g.Fork("redis"))
	must(g.AddMessage("Use Redis", types.RoleUser))
	b := must(g.AddMessage("Redis is fast", types.RoleAssistant))

	base := types.NewStateSummary()
	base.Facts = []string{"storage is being designed"}
	lca.Summary = base

	merged := types.NewStateSummary()
	merged.Facts = []string{"storage is being designed", "Redis is fast"}
	merged.Decisions = []string{"use SQLite"}
	merged.Definitions = map[string]string{"WAL": "write-ahead log"}
	merged.ContextNotes = []string{"[CONFLICT]: Decision: backend - A made a decision that B reverses"}
	meta := &types.MergeMetadata{
		BaseID:      lca.ID,
		MergedState: merged,
		Conflicts: []types.MergeConflict{{
			Topic:      "Decision: backend",
			Base:       "",
			AChange:    "use SQLite",
			BChange:    "would reverse",
			Resolution: types.ResolutionUnresolved,
			Rationale:  "A made a decision that B reverses",
		}},
		Provenance: types.MergeProvenance{
			FromA:    []string{"use SQLite"},
			FromB:    []string{"Redis is fast"},
			FromBase: []string{"storage is being designed"},
		},
	}
	must(g.AddMerge(b, a, "## Merged Conversation State", meta))
	must(g.AddMessage("Merged: SQLite with Redis caching", types.RoleAssistant))
	return g.Flatten()
}

// Factory opens a fresh, empty store whose conversation timestamps come
// from now.
type Factory func(t *testing.T, now func() time.Time) storage.ConversationStore

// Run exercises the ConversationStore contract against stores from open.
func Run(t *testing.T, open Factory) {
	t.Run("RoundTrip", func(t *testing.T) {
		s := open(t, Clock(time.Minute))
		ctx := context.Background()
		rec := SampleRecord(t)

		require.NoError(t, s.Save(ctx, "design", rec))
		loaded, err := s.Load(ctx, "design")
		require.NoError(t, err)
		assert.Equal(t, rec, loaded)

		g, err := graph.Rebuild(loaded)
		require.NoError(t, err)
		want, err := graph.Rebuild(rec)
		require.NoError(t, err)
		assert.Equal(t, want.Render(), g.Render())
	})

	t.Run("SaveReplaces", func(t *testing.T) {
		s := open(t, Clock(time.Minute))
		ctx := context.Background()

		g := NewGraph(t)
		_, err := g.AddMessage("first", types.RoleUser)
		require.NoError(t, err)
		require.NoError(t, s.Save(ctx, "c1", g.Flatten()))

		_, err = g.AddMessage("second", types.RoleAssistant)
		require.NoError(t, err)
		_, err = g.Fork("side")
		require.NoError(t, err)
		second := g.Flatten()
		require.NoError(t, s.Save(ctx, "c1", second))

		loaded, err := s.Load(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, second, loaded)

		infos, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.Equal(t, "c1", infos[0].ID)
		assert.Equal(t, 4, infos[0].NodeCount)
	})

	t.Run("ConversationsAreIsolated", func(t *testing.T) {
		s := open(t, Clock(time.Minute))
		ctx := context.Background()

		// Both graphs use the same node ids.
		one, two := NewGraph(t), NewGraph(t)
		_, err := one.AddMessage("one", types.RoleUser)
		require.NoError(t, err)
		_, err = two.AddMessage("two", types.RoleUser)
		require.NoError(t, err)
		_, err = two.AddMessage("two again", types.RoleAssistant)
		require.NoError(t, err)

		require.NoError(t, s.Save(ctx, "one", one.Flatten()))
		require.NoError(t, s.Save(ctx, "two", two.Flatten()))

		got, err := s.Load(ctx, "one")
		require.NoError(t, err)
		assert.Equal(t, one.Flatten(), got)
		got, err = s.Load(ctx, "two")
		require.NoError(t, err)
		assert.Equal(t, two.Flatten(), got)
	})

	t.Run("ListNewestFirst", func(t *testing.T) {
		s := open(t, Clock(time.Minute))
		ctx := context.Background()

		infos, err := s.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, infos)

		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, s.Save(ctx, id, NewGraph(t).Flatten()))
		}
		require.NoError(t, s.Save(ctx, "a", NewGraph(t).Flatten()))

		infos, err = s.List(ctx)
		require.NoError(t, err)
		ids := make([]string, len(infos))
		for i, info := range infos {
			ids[i] = info.ID
			assert.Equal(t, 1, info.NodeCount)
		}
		assert.Equal(t, []string{"a", "c", "b"}, ids)
		assert.True(t, infos[0].UpdatedAt.After(infos[1].UpdatedAt))
	})

	t.Run("Delete", func(t *testing.T) {
		s := open(t, Clock(time.Minute))
		ctx := context.Background()

		require.NoError(t, s.Save(ctx, "doomed", SampleRecord(t)))
		require.NoError(t, s.Delete(ctx, "doomed"))

		_, err := s.Load(ctx, "doomed")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, "doomed"), storage.ErrNotFound)

		infos, err := s.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, infos)
	})

	t.Run("NotFound", func(t *testing.T) {
		s := open(t, Clock(time.Minute))
		_, err := s.Load(context.Background(), "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("InvalidInput", func(t *testing.T) {
		s := open(t, Clock(time.Minute))
		ctx := context.Background()

		assert.ErrorIs(t, s.Save(ctx, "", SampleRecord(t)), storage.ErrInvalidInput)
		assert.ErrorIs(t, s.Save(ctx, "../escape", SampleRecord(t)), storage.ErrInvalidInput)
		assert.ErrorIs(t, s.Save(ctx, "nil", nil), storage.ErrInvalidInput)

		broken := SampleRecord(t)
		broken.CurrentNodeID = "nowhere"
		assert.ErrorIs(t, s.Save(ctx, "broken", broken), storage.ErrInvalidInput)

		_, err := s.Load(ctx, "broken")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
