// Package query decides whether a read request is answered from the
// local cache or by a live batched fetch, triggering synchronization as
// needed.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mcp-jmap/internal/cache"
	"github.com/brandon/mcp-jmap/internal/jmap"
	syncengine "github.com/brandon/mcp-jmap/internal/sync"
	"github.com/brandon/mcp-jmap/pkg/types"
)

const (
	defaultLimit = 10
	maxLimit     = 100
)

// jmapSortProperty maps cache sort fields to wire property names.
var jmapSortProperty = map[string]string{
	"received_at": "receivedAt",
	"sent_at":     "sentAt",
	"subject":     "subject",
	"from":        "from",
}

// Request is a structured read request from the command router.
type Request struct {
	Limit         int
	Offset        int
	Sender        string
	Subject       string
	MailboxID     string
	Read          *bool
	HasAttachment *bool
	DateFrom      *time.Time // inclusive
	DateTo        *time.Time // exclusive
	SortBy        string     // received_at|sent_at|subject|from
	Ascending     bool
}

// Page is an ordered result page with pagination metadata. Stale marks
// answers served from a cache that could not be refreshed.
type Page struct {
	Items   []types.MailItem `json:"items"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
	Total   int              `json:"total"`
	HasMore bool             `json:"has_more"`
	Stale   bool             `json:"stale,omitempty"`
}

// LiveClient is the remote surface the planner uses when bypassing the
// cache.
type LiveClient interface {
	Search(ctx context.Context, filter map[string]interface{}, sortBy string, ascending bool, limit, offset int) (jmap.EmailPage, error)
	EmailGetFull(ctx context.Context, id string) (*types.MailItem, error)
	MailboxList(ctx context.Context) ([]types.Mailbox, string, error)
}

// Options tune planner behavior.
type Options struct {
	// CacheDisabled routes every request straight to the live client.
	CacheDisabled bool
	// CacheBodies keeps fetched body content alongside cached metadata.
	// Off by default: metadata-only caching fetches bodies live every
	// time.
	CacheBodies bool
	// SyncTimeout bounds how long a cold request waits for a full sync
	// before falling back to a live answer.
	SyncTimeout time.Duration
}

// Planner answers read requests, preferring the cache when it is fresh
// enough to be trusted.
type Planner struct {
	store   *cache.Store
	engine  *syncengine.Engine
	client  LiveClient
	account string
	opts    Options
	logger  *logrus.Logger
}

// New creates a planner for one account.
func New(store *cache.Store, engine *syncengine.Engine, client LiveClient, account string, opts Options, logger *logrus.Logger) *Planner {
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 30 * time.Second
	}
	return &Planner{
		store:   store,
		engine:  engine,
		client:  client,
		account: account,
		opts:    opts,
		logger:  logger,
	}
}

// Answer validates and executes one read request. Cold or invalidated
// caches trigger a synchronous sync bounded by the sync timeout; a
// failed incremental sync degrades to a stale cache answer rather than
// blocking the caller.
func (p *Planner) Answer(ctx context.Context, req Request) (*Page, error) {
	if err := normalize(&req); err != nil {
		return nil, err
	}

	if p.opts.CacheDisabled {
		return p.answerLive(ctx, req)
	}

	syncCtx, cancel := context.WithTimeout(ctx, p.opts.SyncTimeout)
	err := p.engine.EnsureFresh(syncCtx)
	cancel()
	if err != nil {
		if p.engine.State() != syncengine.StateSynced {
			// No usable cache at all: answer live without caching.
			p.logger.WithError(err).Warn("Sync unavailable, answering live")
			return p.answerLive(ctx, req)
		}
		p.logger.WithError(err).Warn("Incremental sync failed, answering from stale cache")
	}

	items, total, err := p.store.Search(p.account, cache.SearchOptions{
		Sender:        optional(req.Sender),
		Subject:       optional(req.Subject),
		MailboxID:     optional(req.MailboxID),
		Read:          req.Read,
		HasAttachment: req.HasAttachment,
		DateFrom:      req.DateFrom,
		DateTo:        req.DateTo,
		SortBy:        req.SortBy,
		Ascending:     req.Ascending,
		Limit:         req.Limit,
		Offset:        req.Offset,
	})
	if err != nil {
		return nil, err
	}

	return &Page{
		Items:   items,
		Limit:   req.Limit,
		Offset:  req.Offset,
		Total:   total,
		HasMore: req.Offset+len(items) < total,
		Stale:   p.engine.Stale(),
	}, nil
}

// GetMessage returns one message. Metadata comes from the cache when
// available; bodies are always fetched live.
func (p *Planner) GetMessage(ctx context.Context, id string, includeBody bool) (*types.MailItem, error) {
	if id == "" {
		return nil, jmap.ValidationError("message_id is required")
	}

	if !p.opts.CacheDisabled {
		item, err := p.store.GetMessage(p.account, id)
		if err != nil {
			return nil, err
		}
		if item != nil && !includeBody {
			return item, nil
		}
		if item != nil && p.opts.CacheBodies {
			text, html, ok, err := p.store.GetMessageBody(p.account, id)
			if err != nil {
				return nil, err
			}
			if ok {
				item.BodyText = text
				item.BodyHTML = html
				return item, nil
			}
		}
	}

	item, err := p.client.EmailGetFull(ctx, id)
	if err != nil {
		return nil, err
	}
	if includeBody && p.opts.CacheBodies && !p.opts.CacheDisabled {
		// Best effort: a miss just means the next read fetches live again.
		if err := p.store.SetMessageBody(p.account, id, item.BodyText, item.BodyHTML); err != nil {
			p.logger.WithError(err).Warn("Failed to backfill message body")
		}
	}
	return item, nil
}

// ListMailboxes answers the folder listing, syncing first when needed.
func (p *Planner) ListMailboxes(ctx context.Context) ([]types.Mailbox, bool, error) {
	if p.opts.CacheDisabled {
		mailboxes, _, err := p.client.MailboxList(ctx)
		return mailboxes, false, err
	}

	syncCtx, cancel := context.WithTimeout(ctx, p.opts.SyncTimeout)
	err := p.engine.EnsureFresh(syncCtx)
	cancel()
	if err != nil && p.engine.State() != syncengine.StateSynced {
		mailboxes, _, liveErr := p.client.MailboxList(ctx)
		return mailboxes, false, liveErr
	}

	mailboxes, storeErr := p.store.ListMailboxes(p.account)
	if storeErr != nil {
		return nil, false, storeErr
	}
	return mailboxes, p.engine.Stale(), nil
}

func (p *Planner) answerLive(ctx context.Context, req Request) (*Page, error) {
	page, err := p.client.Search(ctx, liveFilter(req), jmapSortProperty[req.SortBy], req.Ascending, req.Limit, req.Offset)
	if err != nil {
		return nil, err
	}
	return &Page{
		Items:   page.Items,
		Limit:   req.Limit,
		Offset:  req.Offset,
		Total:   page.Total,
		HasMore: req.Offset+len(page.Items) < page.Total,
	}, nil
}

// liveFilter converts a request into the upstream filter object.
func liveFilter(req Request) map[string]interface{} {
	filter := map[string]interface{}{}
	if req.Sender != "" {
		filter["from"] = req.Sender
	}
	if req.Subject != "" {
		filter["subject"] = req.Subject
	}
	if req.MailboxID != "" {
		filter["inMailbox"] = req.MailboxID
	}
	if req.Read != nil {
		filter["isUnread"] = !*req.Read
	}
	if req.HasAttachment != nil {
		filter["hasAttachment"] = *req.HasAttachment
	}
	if req.DateFrom != nil {
		filter["after"] = req.DateFrom.UTC().Format(time.RFC3339)
	}
	if req.DateTo != nil {
		filter["before"] = req.DateTo.UTC().Format(time.RFC3339)
	}
	return filter
}

// normalize validates the request and applies limit defaults before any
// network call happens.
func normalize(req *Request) error {
	if req.Limit < 0 {
		return jmap.ValidationError("limit must not be negative")
	}
	if req.Limit == 0 {
		req.Limit = defaultLimit
	}
	if req.Limit > maxLimit {
		req.Limit = maxLimit
	}
	if req.Offset < 0 {
		return jmap.ValidationError("offset must not be negative")
	}
	if req.SortBy == "" {
		req.SortBy = "received_at"
	}
	if _, ok := jmapSortProperty[req.SortBy]; !ok {
		return jmap.ValidationError(fmt.Sprintf("sort field %q is not supported", req.SortBy))
	}
	if req.DateFrom != nil && req.DateTo != nil && req.DateFrom.After(*req.DateTo) {
		return jmap.ValidationError("date_start must not be after date_end")
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
