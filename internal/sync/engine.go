// Package sync drives cache population from the remote mailbox: full
// initial syncs and incremental differential syncs against stored state
// cursors. It is the single writer of cached rows.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mcp-jmap/internal/cache"
	"github.com/brandon/mcp-jmap/internal/jmap"
	"github.com/brandon/mcp-jmap/pkg/types"
)

// State is the engine's position in its sync lifecycle.
type State int

const (
	StateEmpty State = iota
	StateFullSyncing
	StateSynced
	StateIncrementalSyncing
	StateInvalidated
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateFullSyncing:
		return "full_syncing"
	case StateSynced:
		return "synced"
	case StateIncrementalSyncing:
		return "incremental_syncing"
	case StateInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// Client is the remote surface the engine needs. *jmap.Client satisfies
// it; tests substitute a fake.
type Client interface {
	MailboxList(ctx context.Context) ([]types.Mailbox, string, error)
	MailboxGet(ctx context.Context, ids []string) ([]types.Mailbox, string, error)
	MailboxChanges(ctx context.Context, since string, max int) (jmap.Changes, error)
	EmailPage(ctx context.Context, position, limit int) (jmap.EmailPage, error)
	EmailGet(ctx context.Context, ids []string) ([]types.MailItem, error)
	EmailChanges(ctx context.Context, since string, max int) (jmap.Changes, error)
}

// Options tune sync behavior. Zero values fall back to defaults.
type Options struct {
	RetentionDays int           // cache window, default 90
	MaxRows       int           // row ceiling, default 10000
	MinInterval   time.Duration // incremental re-check gate, default 5m
	PageSize      int           // ids per page, default 100
	MaxRounds     int           // changes loops per sync call, default 8
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.RetentionDays <= 0 {
		out.RetentionDays = 90
	}
	if out.MaxRows <= 0 {
		out.MaxRows = 10000
	}
	if out.MinInterval <= 0 {
		out.MinInterval = 5 * time.Minute
	}
	if out.PageSize <= 0 {
		out.PageSize = 100
	}
	if out.MaxRounds <= 0 {
		out.MaxRounds = 8
	}
	return out
}

// Engine owns all cache mutation for one account. A mutex serializes
// sync passes; concurrent read-only queries against already-synced rows
// proceed without it.
type Engine struct {
	store   *cache.Store
	client  Client
	account string
	opts    Options
	logger  *logrus.Logger

	mu    gosync.Mutex
	state State
	stale bool
}

// New creates an engine for one account signature.
func New(store *cache.Store, client Client, account string, opts Options, logger *logrus.Logger) *Engine {
	return &Engine{
		store:   store,
		client:  client,
		account: account,
		opts:    opts.withDefaults(),
		logger:  logger,
		state:   StateEmpty,
	}
}

// State reports the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stale reports whether the last incremental sync failed, leaving the
// cache answerable but behind the remote source of truth.
func (e *Engine) Stale() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stale
}

// EnsureFresh brings the cache up to date: full sync when the cursor is
// missing or untrusted, incremental sync when the re-check interval has
// elapsed, nothing when the cache is fresh enough. Any failure leaves
// the cursor at its last committed value.
func (e *Engine) EnsureFresh(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Rows under other signatures belong to previous credentials and
	// must not survive an account switch.
	if err := e.store.PurgeStaleAccounts(e.account); err != nil {
		return err
	}

	cursor, err := e.store.GetCursor(e.account)
	if err != nil {
		return err
	}

	if cursor != nil && (cursor.SchemaVersion != cache.SchemaVersion || cursor.AccountSignature != e.account) {
		e.logger.WithFields(logrus.Fields{
			"stored_version":  cursor.SchemaVersion,
			"running_version": cache.SchemaVersion,
		}).Warn("Cursor invalidated, rebuilding cache")
		e.state = StateInvalidated
		if err := e.store.ResetAccount(e.account); err != nil {
			return err
		}
		cursor = nil
		e.state = StateEmpty
	}

	if cursor == nil || cursor.MailState == "" {
		return e.fullSync(ctx)
	}

	if time.Since(cursor.LastSyncAt) < e.opts.MinInterval {
		e.state = StateSynced
		return nil
	}

	err = e.incrementalSync(ctx, cursor)
	if errors.Is(err, jmap.ErrStateExpired) {
		// The remote side discarded our state token. Rebuild rather
		// than surface the mismatch.
		e.logger.Warn("State token expired upstream, rebuilding cache")
		if resetErr := e.store.ResetAccount(e.account); resetErr != nil {
			return resetErr
		}
		e.state = StateEmpty
		return e.fullSync(ctx)
	}
	return err
}

// fullSync rebuilds the cache from scratch. Mail pages are applied
// transactionally without a cursor; mail_state commits only after the
// final page, so a partial full sync restarts cleanly.
func (e *Engine) fullSync(ctx context.Context) error {
	e.state = StateFullSyncing
	started := time.Now()

	mailboxes, mailboxState, err := e.client.MailboxList(ctx)
	if err != nil {
		e.state = StateEmpty
		return fmt.Errorf("failed to sync mailboxes: %w", err)
	}
	if err := e.store.ApplySync(e.account, cache.SyncBatch{
		UpsertMailboxes: mailboxes,
		Cursor: &types.SyncCursor{
			AccountSignature: e.account,
			MailboxState:     mailboxState,
			LastSyncAt:       time.Now().UTC(),
			SchemaVersion:    cache.SchemaVersion,
		},
	}); err != nil {
		e.state = StateEmpty
		return err
	}

	cutoff := time.Now().AddDate(0, 0, -e.opts.RetentionDays)
	var mailState string
	fetched := 0
	position := 0
	for {
		page, err := e.client.EmailPage(ctx, position, e.opts.PageSize)
		if err != nil {
			e.state = StateEmpty
			return fmt.Errorf("failed to fetch mail page: %w", err)
		}
		if len(page.Items) == 0 {
			mailState = page.State
			break
		}

		items := page.Items
		done := false
		for i := range items {
			if items[i].ReceivedAt.Before(cutoff) || fetched+i >= e.opts.MaxRows {
				items = items[:i]
				done = true
				break
			}
		}

		if err := e.store.ApplySync(e.account, cache.SyncBatch{UpsertMessages: items}); err != nil {
			e.state = StateEmpty
			return err
		}
		fetched += len(items)
		mailState = page.State

		position += len(page.Items)
		if done || position >= page.Total {
			break
		}
	}

	if err := e.store.ApplySync(e.account, cache.SyncBatch{
		Cursor: &types.SyncCursor{
			AccountSignature: e.account,
			MailState:        mailState,
			MailboxState:     mailboxState,
			LastSyncAt:       time.Now().UTC(),
			SchemaVersion:    cache.SchemaVersion,
		},
	}); err != nil {
		e.state = StateEmpty
		return err
	}

	if _, err := e.store.Evict(e.account, e.opts.RetentionDays, e.opts.MaxRows); err != nil {
		e.logger.WithError(err).Warn("Eviction after full sync failed")
	}

	e.state = StateSynced
	e.stale = false
	e.logger.WithFields(logrus.Fields{
		"messages":  fetched,
		"mailboxes": len(mailboxes),
		"elapsed":   time.Since(started).Round(time.Millisecond).String(),
	}).Info("Full sync complete")
	return nil
}

// incrementalSync applies differential changes since the stored cursor.
// Each changes page commits with its new state token in one transaction,
// so the cursor only ever advances past durably stored rows.
func (e *Engine) incrementalSync(ctx context.Context, cursor *types.SyncCursor) error {
	e.state = StateIncrementalSyncing

	mailState := cursor.MailState
	for round := 0; round < e.opts.MaxRounds; round++ {
		ch, err := e.client.EmailChanges(ctx, mailState, e.opts.PageSize)
		if err != nil {
			return e.failStale(fmt.Errorf("failed to fetch mail changes: %w", err))
		}

		changed := append(append([]string{}, ch.Created...), ch.Updated...)
		var items []types.MailItem
		if len(changed) > 0 {
			items, err = e.client.EmailGet(ctx, changed)
			if err != nil {
				return e.failStale(fmt.Errorf("failed to fetch changed messages: %w", err))
			}
		}

		if err := e.store.ApplySync(e.account, cache.SyncBatch{
			UpsertMessages:   items,
			DeleteMessageIDs: ch.Destroyed,
			Cursor: &types.SyncCursor{
				AccountSignature: e.account,
				MailState:        ch.NewState,
				MailboxState:     cursor.MailboxState,
				LastSyncAt:       time.Now().UTC(),
				SchemaVersion:    cache.SchemaVersion,
			},
		}); err != nil {
			return e.failStale(err)
		}
		mailState = ch.NewState
		if !ch.HasMore {
			break
		}
	}

	mailboxState := cursor.MailboxState
	for round := 0; round < e.opts.MaxRounds; round++ {
		ch, err := e.client.MailboxChanges(ctx, mailboxState, e.opts.PageSize)
		if err != nil {
			return e.failStale(fmt.Errorf("failed to fetch mailbox changes: %w", err))
		}

		changed := append(append([]string{}, ch.Created...), ch.Updated...)
		var mailboxes []types.Mailbox
		if len(changed) > 0 {
			mailboxes, _, err = e.client.MailboxGet(ctx, changed)
			if err != nil {
				return e.failStale(fmt.Errorf("failed to fetch changed mailboxes: %w", err))
			}
		}

		if err := e.store.ApplySync(e.account, cache.SyncBatch{
			UpsertMailboxes:  mailboxes,
			DeleteMailboxIDs: ch.Destroyed,
			Cursor: &types.SyncCursor{
				AccountSignature: e.account,
				MailState:        mailState,
				MailboxState:     ch.NewState,
				LastSyncAt:       time.Now().UTC(),
				SchemaVersion:    cache.SchemaVersion,
			},
		}); err != nil {
			return e.failStale(err)
		}
		mailboxState = ch.NewState
		if !ch.HasMore {
			break
		}
	}

	if _, err := e.store.Evict(e.account, e.opts.RetentionDays, e.opts.MaxRows); err != nil {
		e.logger.WithError(err).Warn("Eviction after incremental sync failed")
	}

	e.state = StateSynced
	e.stale = false
	return nil
}

// failStale records a failed incremental pass. The cursor keeps its last
// committed value; callers answer from the stale cache or fall back to a
// live fetch.
func (e *Engine) failStale(err error) error {
	e.state = StateSynced
	e.stale = true
	return err
}
