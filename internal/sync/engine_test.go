package sync

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mcp-jmap/internal/cache"
	"github.com/brandon/mcp-jmap/internal/jmap"
	"github.com/brandon/mcp-jmap/pkg/types"
)

const testAccount = "sig-test"

// fakeClient scripts the remote side. Unset hooks return empty results.
type fakeClient struct {
	mailboxes    []types.Mailbox
	mailboxState string

	emailPage      func(position, limit int) (jmap.EmailPage, error)
	emailChanges   func(since string, max int) (jmap.Changes, error)
	mailboxChanges func(since string, max int) (jmap.Changes, error)
	emailGet       func(ids []string) ([]types.MailItem, error)

	pageCalls    int
	changesCalls int
}

func (f *fakeClient) MailboxList(ctx context.Context) ([]types.Mailbox, string, error) {
	return f.mailboxes, f.mailboxState, nil
}

func (f *fakeClient) MailboxGet(ctx context.Context, ids []string) ([]types.Mailbox, string, error) {
	var out []types.Mailbox
	for _, mb := range f.mailboxes {
		for _, id := range ids {
			if mb.ID == id {
				out = append(out, mb)
			}
		}
	}
	return out, f.mailboxState, nil
}

func (f *fakeClient) MailboxChanges(ctx context.Context, since string, max int) (jmap.Changes, error) {
	if f.mailboxChanges != nil {
		return f.mailboxChanges(since, max)
	}
	return jmap.Changes{OldState: since, NewState: since}, nil
}

func (f *fakeClient) EmailPage(ctx context.Context, position, limit int) (jmap.EmailPage, error) {
	f.pageCalls++
	if f.emailPage != nil {
		return f.emailPage(position, limit)
	}
	return jmap.EmailPage{State: "s-empty"}, nil
}

func (f *fakeClient) EmailGet(ctx context.Context, ids []string) ([]types.MailItem, error) {
	if f.emailGet != nil {
		return f.emailGet(ids)
	}
	items := make([]types.MailItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, message(id, time.Now()))
	}
	return items, nil
}

func (f *fakeClient) EmailChanges(ctx context.Context, since string, max int) (jmap.Changes, error) {
	f.changesCalls++
	if f.emailChanges != nil {
		return f.emailChanges(since, max)
	}
	return jmap.Changes{OldState: since, NewState: since}, nil
}

func message(id string, received time.Time) types.MailItem {
	return types.MailItem{
		ID:         id,
		MailboxIDs: []string{"mb-inbox"},
		Subject:    "subject " + id,
		From:       []types.EmailAddress{{Email: "alice@example.com"}},
		ReceivedAt: received.UTC().Truncate(time.Second),
		Keywords:   map[string]bool{"$seen": true},
	}
}

// singlePage scripts a full sync that returns all messages in one page.
func singlePage(items []types.MailItem, state string) func(position, limit int) (jmap.EmailPage, error) {
	return func(position, limit int) (jmap.EmailPage, error) {
		if position >= len(items) {
			return jmap.EmailPage{State: state, Total: len(items), Position: position}, nil
		}
		return jmap.EmailPage{Items: items[position:], Total: len(items), Position: position, State: state}, nil
	}
}

func newTestEngine(t *testing.T, client Client, opts Options) (*Engine, *cache.Store) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	c, err := cache.NewCache(filepath.Join(t.TempDir(), "cache.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() }) //nolint:errcheck
	store := cache.NewStore(c, logger)
	return New(store, client, testAccount, opts, logger), store
}

func TestFullSyncPopulatesEmptyCache(t *testing.T) {
	now := time.Now()
	client := &fakeClient{
		mailboxes:    []types.Mailbox{{ID: "mb-inbox", Name: "Inbox", Role: "inbox"}},
		mailboxState: "mbox-1",
		emailPage: singlePage([]types.MailItem{
			message("m1", now),
			message("m2", now.Add(-time.Hour)),
		}, "mail-1"),
	}
	engine, store := newTestEngine(t, client, Options{})

	require.NoError(t, engine.EnsureFresh(context.Background()))
	assert.Equal(t, StateSynced, engine.State())
	assert.False(t, engine.Stale())

	count, err := store.CountMessages(testAccount)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	cursor, err := store.GetCursor(testAccount)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, "mail-1", cursor.MailState)
	assert.Equal(t, "mbox-1", cursor.MailboxState)
	assert.Equal(t, cache.SchemaVersion, cursor.SchemaVersion)

	mailboxes, err := store.ListMailboxes(testAccount)
	require.NoError(t, err)
	require.Len(t, mailboxes, 1)
	assert.Equal(t, "inbox", mailboxes[0].Role)
}

func TestFullSyncPaginates(t *testing.T) {
	now := time.Now()
	all := []types.MailItem{
		message("m1", now),
		message("m2", now.Add(-1*time.Hour)),
		message("m3", now.Add(-2*time.Hour)),
		message("m4", now.Add(-3*time.Hour)),
		message("m5", now.Add(-4*time.Hour)),
	}
	client := &fakeClient{
		mailboxState: "mbox-1",
		emailPage: func(position, limit int) (jmap.EmailPage, error) {
			end := position + limit
			if end > len(all) {
				end = len(all)
			}
			return jmap.EmailPage{Items: all[position:end], Total: len(all), Position: position, State: "mail-1"}, nil
		},
	}
	engine, store := newTestEngine(t, client, Options{PageSize: 2})

	require.NoError(t, engine.EnsureFresh(context.Background()))
	assert.Equal(t, 3, client.pageCalls)

	count, err := store.CountMessages(testAccount)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestFullSyncStopsAtRowCeiling(t *testing.T) {
	now := time.Now()
	client := &fakeClient{
		mailboxState: "mbox-1",
		emailPage: singlePage([]types.MailItem{
			message("m1", now),
			message("m2", now.Add(-1*time.Hour)),
			message("m3", now.Add(-2*time.Hour)),
			message("m4", now.Add(-3*time.Hour)),
		}, "mail-1"),
	}
	engine, store := newTestEngine(t, client, Options{MaxRows: 2})

	require.NoError(t, engine.EnsureFresh(context.Background()))

	count, err := store.CountMessages(testAccount)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// The newest rows are the ones kept.
	got, err := store.GetMessage(testAccount, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	got, err = store.GetMessage(testAccount, "m3")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFullSyncStopsAtRetentionWindow(t *testing.T) {
	now := time.Now()
	client := &fakeClient{
		mailboxState: "mbox-1",
		emailPage: singlePage([]types.MailItem{
			message("m1", now),
			message("m2", now.AddDate(0, 0, -200)),
		}, "mail-1"),
	}
	engine, store := newTestEngine(t, client, Options{RetentionDays: 90})

	require.NoError(t, engine.EnsureFresh(context.Background()))

	count, err := store.CountMessages(testAccount)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEnsureFreshSkipsWithinMinInterval(t *testing.T) {
	client := &fakeClient{mailboxState: "mbox-1", emailPage: singlePage(nil, "mail-1")}
	engine, _ := newTestEngine(t, client, Options{MinInterval: time.Hour})

	require.NoError(t, engine.EnsureFresh(context.Background()))
	pageCallsAfterFull := client.pageCalls

	// A second pass inside the interval touches neither endpoint.
	require.NoError(t, engine.EnsureFresh(context.Background()))
	assert.Equal(t, pageCallsAfterFull, client.pageCalls)
	assert.Equal(t, 0, client.changesCalls)
	assert.Equal(t, StateSynced, engine.State())
}

func TestIncrementalSyncAppliesChanges(t *testing.T) {
	now := time.Now()
	client := &fakeClient{
		mailboxState: "mbox-1",
		emailPage: singlePage([]types.MailItem{
			message("m1", now),
			message("m2", now.Add(-time.Hour)),
		}, "mail-1"),
	}
	engine, store := newTestEngine(t, client, Options{MinInterval: time.Nanosecond})
	require.NoError(t, engine.EnsureFresh(context.Background()))

	// Remote: m3 arrives, m1 is read elsewhere, m2 is deleted.
	client.emailChanges = func(since string, max int) (jmap.Changes, error) {
		assert.Equal(t, "mail-1", since)
		return jmap.Changes{
			OldState:  since,
			NewState:  "mail-2",
			Created:   []string{"m3"},
			Updated:   []string{"m1"},
			Destroyed: []string{"m2"},
		}, nil
	}
	client.emailGet = func(ids []string) ([]types.MailItem, error) {
		assert.ElementsMatch(t, []string{"m3", "m1"}, ids)
		return []types.MailItem{message("m3", now), message("m1", now)}, nil
	}

	require.NoError(t, engine.EnsureFresh(context.Background()))
	assert.Equal(t, StateSynced, engine.State())
	assert.False(t, engine.Stale())

	got, err := store.GetMessage(testAccount, "m3")
	require.NoError(t, err)
	require.NotNil(t, got)
	got, err = store.GetMessage(testAccount, "m2")
	require.NoError(t, err)
	assert.Nil(t, got)

	cursor, err := store.GetCursor(testAccount)
	require.NoError(t, err)
	assert.Equal(t, "mail-2", cursor.MailState)
}

func TestIncrementalSyncDrainsHasMore(t *testing.T) {
	now := time.Now()
	client := &fakeClient{mailboxState: "mbox-1", emailPage: singlePage(nil, "mail-1")}
	engine, store := newTestEngine(t, client, Options{MinInterval: time.Nanosecond})
	require.NoError(t, engine.EnsureFresh(context.Background()))

	states := map[string]jmap.Changes{
		"mail-1": {OldState: "mail-1", NewState: "mail-2", HasMore: true, Created: []string{"m1"}},
		"mail-2": {OldState: "mail-2", NewState: "mail-3", Created: []string{"m2"}},
	}
	client.emailChanges = func(since string, max int) (jmap.Changes, error) {
		ch, ok := states[since]
		if !ok {
			return jmap.Changes{}, errors.New("unexpected since state: " + since)
		}
		return ch, nil
	}
	client.emailGet = func(ids []string) ([]types.MailItem, error) {
		items := make([]types.MailItem, 0, len(ids))
		for _, id := range ids {
			items = append(items, message(id, now))
		}
		return items, nil
	}

	require.NoError(t, engine.EnsureFresh(context.Background()))
	assert.Equal(t, 2, client.changesCalls)

	count, err := store.CountMessages(testAccount)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	cursor, err := store.GetCursor(testAccount)
	require.NoError(t, err)
	assert.Equal(t, "mail-3", cursor.MailState)
}

func TestIncrementalFailureLeavesCursorAndMarksStale(t *testing.T) {
	client := &fakeClient{mailboxState: "mbox-1", emailPage: singlePage(nil, "mail-1")}
	engine, store := newTestEngine(t, client, Options{MinInterval: time.Nanosecond})
	require.NoError(t, engine.EnsureFresh(context.Background()))

	client.emailChanges = func(since string, max int) (jmap.Changes, error) {
		return jmap.Changes{}, errors.New("connection reset")
	}

	err := engine.EnsureFresh(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateSynced, engine.State())
	assert.True(t, engine.Stale())

	// Cursor stays at its last committed value for the next attempt.
	cursor, err := store.GetCursor(testAccount)
	require.NoError(t, err)
	assert.Equal(t, "mail-1", cursor.MailState)

	// A later successful pass clears staleness.
	client.emailChanges = nil
	require.NoError(t, engine.EnsureFresh(context.Background()))
	assert.False(t, engine.Stale())
}

func TestExpiredStateTriggersFullResync(t *testing.T) {
	now := time.Now()
	client := &fakeClient{
		mailboxState: "mbox-1",
		emailPage:    singlePage([]types.MailItem{message("m1", now)}, "mail-1"),
	}
	engine, store := newTestEngine(t, client, Options{MinInterval: time.Nanosecond})
	require.NoError(t, engine.EnsureFresh(context.Background()))

	client.emailChanges = func(since string, max int) (jmap.Changes, error) {
		return jmap.Changes{}, jmap.ErrStateExpired
	}
	client.emailPage = singlePage([]types.MailItem{message("m1", now), message("m9", now)}, "mail-9")

	require.NoError(t, engine.EnsureFresh(context.Background()))
	assert.Equal(t, StateSynced, engine.State())

	count, err := store.CountMessages(testAccount)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	cursor, err := store.GetCursor(testAccount)
	require.NoError(t, err)
	assert.Equal(t, "mail-9", cursor.MailState)
}

func TestSchemaVersionMismatchRebuildsCache(t *testing.T) {
	now := time.Now()
	client := &fakeClient{
		mailboxState: "mbox-1",
		emailPage:    singlePage([]types.MailItem{message("m1", now)}, "mail-1"),
	}
	engine, store := newTestEngine(t, client, Options{})

	// A cursor written by older code with a different schema.
	require.NoError(t, store.ApplySync(testAccount, cache.SyncBatch{
		UpsertMessages: []types.MailItem{message("m-old", now)},
		Cursor: &types.SyncCursor{
			AccountSignature: testAccount,
			MailState:        "ancient",
			MailboxState:     "ancient",
			LastSyncAt:       time.Now().UTC(),
			SchemaVersion:    cache.SchemaVersion - 1,
		},
	}))

	require.NoError(t, engine.EnsureFresh(context.Background()))

	got, err := store.GetMessage(testAccount, "m-old")
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = store.GetMessage(testAccount, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)

	cursor, err := store.GetCursor(testAccount)
	require.NoError(t, err)
	assert.Equal(t, "mail-1", cursor.MailState)
}

func TestCredentialChangePurgesOldRows(t *testing.T) {
	now := time.Now()
	client := &fakeClient{
		mailboxState: "mbox-1",
		emailPage:    singlePage([]types.MailItem{message("m-new", now)}, "mail-1"),
	}
	engine, store := newTestEngine(t, client, Options{})

	// Rows cached under previous credentials.
	require.NoError(t, store.ApplySync("sig-previous", cache.SyncBatch{
		UpsertMessages: []types.MailItem{message("m-private", now)},
		Cursor: &types.SyncCursor{
			AccountSignature: "sig-previous",
			MailState:        "other-mail",
			MailboxState:     "other-mbox",
			LastSyncAt:       time.Now().UTC(),
			SchemaVersion:    cache.SchemaVersion,
		},
	}))

	require.NoError(t, engine.EnsureFresh(context.Background()))

	got, err := store.GetMessage("sig-previous", "m-private")
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = store.GetMessage(testAccount, "m-new")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestMailboxChangesApply(t *testing.T) {
	client := &fakeClient{
		mailboxes:    []types.Mailbox{{ID: "mb-inbox", Name: "Inbox", Role: "inbox", UnreadCount: 2}},
		mailboxState: "mbox-1",
		emailPage:    singlePage(nil, "mail-1"),
	}
	engine, store := newTestEngine(t, client, Options{MinInterval: time.Nanosecond})
	require.NoError(t, engine.EnsureFresh(context.Background()))

	// Unread count changed remotely.
	client.mailboxes = []types.Mailbox{{ID: "mb-inbox", Name: "Inbox", Role: "inbox", UnreadCount: 5}}
	client.mailboxState = "mbox-2"
	client.mailboxChanges = func(since string, max int) (jmap.Changes, error) {
		if since != "mbox-1" {
			return jmap.Changes{OldState: since, NewState: since}, nil
		}
		return jmap.Changes{OldState: since, NewState: "mbox-2", Updated: []string{"mb-inbox"}}, nil
	}

	require.NoError(t, engine.EnsureFresh(context.Background()))

	mailboxes, err := store.ListMailboxes(testAccount)
	require.NoError(t, err)
	require.Len(t, mailboxes, 1)
	assert.Equal(t, 5, mailboxes[0].UnreadCount)

	cursor, err := store.GetCursor(testAccount)
	require.NoError(t, err)
	assert.Equal(t, "mbox-2", cursor.MailboxState)
}
