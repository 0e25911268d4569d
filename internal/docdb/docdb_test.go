package docdb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDoc struct {
	ID      string `json:"id"`
	Message struct {
		Group string `json:"group"`
		Text  string `json:"text"`
	} `json:"message"`
}

func newDoc(id, group, text string) testDoc {
	d := testDoc{ID: id}
	d.Message.Group = group
	d.Message.Text = text
	return d
}

func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docs.db")
	db, err := Open(path, Options{PollInterval: 20 * time.Millisecond, BatchSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, path
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ", Options{})
	require.Error(t, err)
}

func TestCreateAndQuery(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)

	first, err := db.Create(ctx, "messages", "m1", newDoc("m1", "lobby", "hi"))
	require.NoError(t, err)
	second, err := db.Create(ctx, "messages", "m2", newDoc("m2", "dev", "yo"))
	require.NoError(t, err)
	_, err = db.Create(ctx, "messages", "m3", newDoc("m3", "lobby", "again"))
	require.NoError(t, err)

	assert.Greater(t, second.Seq, first.Seq)

	all, err := db.Query(ctx, "messages", Predicate{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(all))

	lobby, err := db.Query(ctx, "messages", Where("$.message.group", "lobby"))
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m3"}, ids(lobby))

	rooms, err := db.Query(ctx, "rooms", Predicate{})
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)

	tests := []struct {
		name      string
		container string
		id        string
		doc       any
	}{
		{name: "empty container", container: "", id: "x", doc: map[string]string{}},
		{name: "empty id", container: "messages", id: " ", doc: map[string]string{}},
		{name: "unencodable", container: "messages", id: "x", doc: make(chan int)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.Create(ctx, tt.container, tt.id, tt.doc)
			require.Error(t, err)
		})
	}
}

func TestCreateDuplicateID(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)

	_, err := db.Create(ctx, "rooms", "r1", newDoc("r1", "lobby", "group"))
	require.NoError(t, err)
	_, err = db.Create(ctx, "rooms", "r1", newDoc("r1", "lobby", "group"))
	require.Error(t, err)

	_, err = db.Create(ctx, "messages", "r1", newDoc("r1", "lobby", "hi"))
	require.NoError(t, err, "ids are scoped per container")
}

func TestClosedDB(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err := db.Create(ctx, "messages", "m1", newDoc("m1", "lobby", "hi"))
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = db.Query(ctx, "messages", Predicate{})
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestFeedDeliversInWriteOrderAcrossContainers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db, _ := openTestDB(t)

	feed, err := db.Feed(ctx, "relay", "messages", "rooms")
	require.NoError(t, err)

	_, err = db.Create(ctx, "rooms", "r1", newDoc("r1", "lobby", "group"))
	require.NoError(t, err)
	_, err = db.Create(ctx, "messages", "m1", newDoc("m1", "lobby", "hi"))
	require.NoError(t, err)
	_, err = db.Create(ctx, "other", "o1", newDoc("o1", "lobby", "ignored"))
	require.NoError(t, err)
	_, err = db.Create(ctx, "messages", "m2", newDoc("m2", "lobby", "there"))
	require.NoError(t, err)

	var got []Record
	for len(got) < 3 {
		batch, err := feed.Next(ctx)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(batch), 2, "batch size is capped")
		got = append(got, batch...)
	}
	assert.Equal(t, []string{"r1", "m1", "m2"}, ids(got))
	assert.Equal(t, "rooms", got[0].Container)
}

func TestFeedWakesOnWrite(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	path := filepath.Join(t.TempDir(), "docs.db")
	db, err := Open(path, Options{PollInterval: time.Hour})
	require.NoError(t, err)
	defer db.Close()

	feed, err := db.Feed(ctx, "relay", "messages")
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = db.Create(context.Background(), "messages", "m1", newDoc("m1", "lobby", "hi"))
	}()

	batch, err := feed.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, ids(batch))
}

func TestFeedStopsOnContextCancel(t *testing.T) {
	db, _ := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())

	feed, err := db.Feed(ctx, "relay", "messages")
	require.NoError(t, err)

	cancel()
	_, err = feed.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFeedResumesFromCheckpoint(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db, path := openTestDB(t)

	for _, id := range []string{"m1", "m2", "m3"} {
		_, err := db.Create(ctx, "messages", id, newDoc(id, "lobby", id))
		require.NoError(t, err)
	}

	feed, err := db.Feed(ctx, "relay", "messages")
	require.NoError(t, err)
	batch, err := feed.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"m1", "m2"}, ids(batch))
	require.NoError(t, feed.Commit(ctx, batch[0].Seq))

	// Simulate a restart: m2 was handed out but never committed.
	require.NoError(t, db.Close())
	reopened, err := Open(path, Options{BatchSize: 10})
	require.NoError(t, err)
	defer reopened.Close()

	feed, err = reopened.Feed(ctx, "relay", "messages")
	require.NoError(t, err)
	batch, err = feed.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m3"}, ids(batch))
}

func TestCheckpointNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)

	cp, err := db.Checkpoint(ctx, "relay")
	require.NoError(t, err)
	assert.Zero(t, cp)

	require.NoError(t, db.SaveCheckpoint(ctx, "relay", 10))
	require.NoError(t, db.SaveCheckpoint(ctx, "relay", 4))

	cp, err = db.Checkpoint(ctx, "relay")
	require.NoError(t, err)
	assert.EqualValues(t, 10, cp)
}

func TestFeedValidation(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)

	_, err := db.Feed(ctx, "", "messages")
	require.Error(t, err)
	_, err = db.Feed(ctx, "relay")
	require.Error(t, err)
}

func ids(records []Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}
