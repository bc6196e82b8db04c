package jmap

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mcp-jmap/pkg/types"
)

// getPageSize caps how many ids one Email/get or Mailbox/get carries.
// Larger id sets are split into additional round trips transparently.
const getPageSize = 150

// metadataProperties is the Email/get property set cached locally. Body
// content is deliberately absent; it is fetched live per message.
var metadataProperties = []string{
	"id", "threadId", "mailboxIds", "subject", "preview",
	"from", "to", "cc", "bcc", "replyTo",
	"sentAt", "receivedAt", "size", "hasAttachment",
	"keywords", "messageId", "inReplyTo", "attachments",
}

var mailboxProperties = []string{
	"id", "name", "role", "parentId", "sortOrder", "totalEmails", "unreadEmails",
}

// Client issues typed JMAP operations over a Transport, pairing query and
// get steps in single round trips via result references.
type Client struct {
	transport *Transport
	logger    *logrus.Logger
}

// NewClient wraps a transport with typed mail operations.
func NewClient(transport *Transport, logger *logrus.Logger) *Client {
	return &Client{transport: transport, logger: logger}
}

// Transport exposes the underlying transport for session lookups.
func (c *Client) Transport() *Transport { return c.transport }

// Changes is the decoded result of an Email/changes or Mailbox/changes
// call.
type Changes struct {
	OldState  string
	NewState  string
	HasMore   bool
	Created   []string
	Updated   []string
	Destroyed []string
}

// EmailPage is one query+get pipeline result.
type EmailPage struct {
	Items    []types.MailItem
	Total    int
	Position int
	State    string
}

type wireChanges struct {
	OldState       string   `json:"oldState"`
	NewState       string   `json:"newState"`
	HasMoreChanges bool     `json:"hasMoreChanges"`
	Created        []string `json:"created"`
	Updated        []string `json:"updated"`
	Destroyed      []string `json:"destroyed"`
}

type wireQueryResult struct {
	IDs        []string `json:"ids"`
	Total      int      `json:"total"`
	Position   int      `json:"position"`
	QueryState string   `json:"queryState"`
}

type wireBodyPart struct {
	PartID string `json:"partId"`
	BlobID string `json:"blobId"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Size   int64  `json:"size"`
}

type wireBodyValue struct {
	Value string `json:"value"`
}

type wireEmail struct {
	ID            string                   `json:"id"`
	ThreadID      string                   `json:"threadId"`
	MailboxIDs    map[string]bool          `json:"mailboxIds"`
	Subject       string                   `json:"subject"`
	Preview       string                   `json:"preview"`
	From          []types.EmailAddress     `json:"from"`
	To            []types.EmailAddress     `json:"to"`
	Cc            []types.EmailAddress     `json:"cc"`
	Bcc           []types.EmailAddress     `json:"bcc"`
	ReplyTo       []types.EmailAddress     `json:"replyTo"`
	SentAt        *time.Time               `json:"sentAt"`
	ReceivedAt    time.Time                `json:"receivedAt"`
	Size          int64                    `json:"size"`
	HasAttachment bool                     `json:"hasAttachment"`
	Keywords      map[string]bool          `json:"keywords"`
	MessageID     []string                 `json:"messageId"`
	InReplyTo     []string                 `json:"inReplyTo"`
	Attachments   []wireBodyPart           `json:"attachments"`
	TextBody      []wireBodyPart           `json:"textBody"`
	HTMLBody      []wireBodyPart           `json:"htmlBody"`
	BodyValues    map[string]wireBodyValue `json:"bodyValues"`
}

type wireGetResult struct {
	State string      `json:"state"`
	List  []wireEmail `json:"list"`
}

type wireMailbox struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Role         string `json:"role"`
	ParentID     string `json:"parentId"`
	SortOrder    int    `json:"sortOrder"`
	TotalEmails  int    `json:"totalEmails"`
	UnreadEmails int    `json:"unreadEmails"`
}

type wireMailboxGetResult struct {
	State string        `json:"state"`
	List  []wireMailbox `json:"list"`
}

func (w wireEmail) toMailItem() types.MailItem {
	item := types.MailItem{
		ID:            w.ID,
		ThreadID:      w.ThreadID,
		Subject:       w.Subject,
		Preview:       w.Preview,
		From:          w.From,
		To:            w.To,
		Cc:            w.Cc,
		Bcc:           w.Bcc,
		ReplyTo:       w.ReplyTo,
		SentAt:        w.SentAt,
		ReceivedAt:    w.ReceivedAt,
		Size:          w.Size,
		HasAttachment: w.HasAttachment,
		Keywords:      w.Keywords,
	}
	for id := range w.MailboxIDs {
		item.MailboxIDs = append(item.MailboxIDs, id)
	}
	if len(w.MessageID) > 0 {
		item.MessageID = w.MessageID[0]
	}
	if len(w.InReplyTo) > 0 {
		item.InReplyTo = w.InReplyTo[0]
	}
	for _, part := range w.Attachments {
		item.Attachments = append(item.Attachments, types.AttachmentMeta{
			BlobID: part.BlobID,
			Name:   part.Name,
			Type:   part.Type,
			Size:   part.Size,
		})
	}
	for _, part := range w.TextBody {
		if v, ok := w.BodyValues[part.PartID]; ok {
			item.BodyText += v.Value
		}
	}
	for _, part := range w.HTMLBody {
		if v, ok := w.BodyValues[part.PartID]; ok {
			item.BodyHTML += v.Value
		}
	}
	return item
}

func (w wireMailbox) toMailbox() types.Mailbox {
	return types.Mailbox{
		ID:          w.ID,
		Name:        w.Name,
		Role:        w.Role,
		ParentID:    w.ParentID,
		SortOrder:   w.SortOrder,
		TotalCount:  w.TotalEmails,
		UnreadCount: w.UnreadEmails,
	}
}

// MailboxList fetches every mailbox in one query+get batch and returns
// them with the mailbox state token.
func (c *Client) MailboxList(ctx context.Context) ([]types.Mailbox, string, error) {
	accountID, err := c.transport.AccountID(ctx, MailCapability)
	if err != nil {
		return nil, "", err
	}

	req := &Request{
		Using: []string{CoreCapability, MailCapability},
		MethodCalls: []Invocation{
			{
				Name: "Mailbox/query",
				Args: map[string]interface{}{
					"accountId": accountID,
					"sort":      []map[string]interface{}{{"property": "name", "isAscending": true}},
				},
				CallID: "query",
			},
			{
				Name: "Mailbox/get",
				Args: map[string]interface{}{
					"accountId":  accountID,
					"properties": mailboxProperties,
					"#ids": ResultReference{
						ResultOf: "query",
						Name:     "Mailbox/query",
						Path:     "/ids",
					},
				},
				CallID: "get",
			},
		},
	}

	resp, err := c.transport.Do(ctx, req)
	if err != nil {
		return nil, "", err
	}

	var result wireMailboxGetResult
	if err := resp.Get("Mailbox/get", "get", &result); err != nil {
		return nil, "", err
	}

	mailboxes := make([]types.Mailbox, 0, len(result.List))
	for _, w := range result.List {
		mailboxes = append(mailboxes, w.toMailbox())
	}
	return mailboxes, result.State, nil
}

// MailboxGet fetches specific mailboxes by id.
func (c *Client) MailboxGet(ctx context.Context, ids []string) ([]types.Mailbox, string, error) {
	accountID, err := c.transport.AccountID(ctx, MailCapability)
	if err != nil {
		return nil, "", err
	}

	var mailboxes []types.Mailbox
	var state string
	for _, chunk := range chunkIDs(ids, getPageSize) {
		req := &Request{
			Using: []string{CoreCapability, MailCapability},
			MethodCalls: []Invocation{{
				Name: "Mailbox/get",
				Args: map[string]interface{}{
					"accountId":  accountID,
					"ids":        chunk,
					"properties": mailboxProperties,
				},
				CallID: "get",
			}},
		}
		resp, err := c.transport.Do(ctx, req)
		if err != nil {
			return nil, "", err
		}
		var result wireMailboxGetResult
		if err := resp.Get("Mailbox/get", "get", &result); err != nil {
			return nil, "", err
		}
		for _, w := range result.List {
			mailboxes = append(mailboxes, w.toMailbox())
		}
		state = result.State
	}
	return mailboxes, state, nil
}

// MailboxChanges requests mailbox changes since a stored state token.
func (c *Client) MailboxChanges(ctx context.Context, since string, max int) (Changes, error) {
	return c.changes(ctx, "Mailbox/changes", since, max)
}

// EmailChanges requests mail changes since a stored state token.
func (c *Client) EmailChanges(ctx context.Context, since string, max int) (Changes, error) {
	return c.changes(ctx, "Email/changes", since, max)
}

func (c *Client) changes(ctx context.Context, method, since string, max int) (Changes, error) {
	accountID, err := c.transport.AccountID(ctx, MailCapability)
	if err != nil {
		return Changes{}, err
	}

	req := &Request{
		Using: []string{CoreCapability, MailCapability},
		MethodCalls: []Invocation{{
			Name: method,
			Args: map[string]interface{}{
				"accountId":  accountID,
				"sinceState": since,
				"maxChanges": max,
			},
			CallID: "changes",
		}},
	}

	resp, err := c.transport.Do(ctx, req)
	if err != nil {
		return Changes{}, err
	}

	var result wireChanges
	if err := resp.Get(method, "changes", &result); err != nil {
		return Changes{}, err
	}
	return Changes{
		OldState:  result.OldState,
		NewState:  result.NewState,
		HasMore:   result.HasMoreChanges,
		Created:   result.Created,
		Updated:   result.Updated,
		Destroyed: result.Destroyed,
	}, nil
}

// EmailPage fetches one page of messages ordered by receivedAt
// descending via a query+get pipeline. Position advances the query
// window; the returned state comes from the Email/get step.
func (c *Client) EmailPage(ctx context.Context, position, limit int) (EmailPage, error) {
	return c.search(ctx, nil, "receivedAt", false, limit, position)
}

// Search runs a live filtered query+get pipeline. Used when the cache is
// disabled, cold, or cannot cover the filter.
func (c *Client) Search(ctx context.Context, filter map[string]interface{}, sortBy string, ascending bool, limit, offset int) (EmailPage, error) {
	return c.search(ctx, filter, sortBy, ascending, limit, offset)
}

func (c *Client) search(ctx context.Context, filter map[string]interface{}, sortBy string, ascending bool, limit, offset int) (EmailPage, error) {
	if limit <= 0 {
		return EmailPage{}, ValidationError("limit must be positive")
	}
	accountID, err := c.transport.AccountID(ctx, MailCapability)
	if err != nil {
		return EmailPage{}, err
	}

	queryArgs := map[string]interface{}{
		"accountId":      accountID,
		"limit":          limit,
		"position":       offset,
		"calculateTotal": true,
		"sort":           []map[string]interface{}{{"property": sortBy, "isAscending": ascending}},
	}
	if len(filter) > 0 {
		queryArgs["filter"] = filter
	}

	req := &Request{
		Using: []string{CoreCapability, MailCapability},
		MethodCalls: []Invocation{
			{Name: "Email/query", Args: queryArgs, CallID: "query"},
			{
				Name: "Email/get",
				Args: map[string]interface{}{
					"accountId":  accountID,
					"properties": metadataProperties,
					"#ids": ResultReference{
						ResultOf: "query",
						Name:     "Email/query",
						Path:     "/ids",
					},
				},
				CallID: "get",
			},
		},
	}

	resp, err := c.transport.Do(ctx, req)
	if err != nil {
		return EmailPage{}, err
	}

	var query wireQueryResult
	if err := resp.Get("Email/query", "query", &query); err != nil {
		return EmailPage{}, err
	}
	var get wireGetResult
	if err := resp.Get("Email/get", "get", &get); err != nil {
		return EmailPage{}, err
	}

	// Email/get does not preserve query order; restore it from the id
	// list before returning.
	byID := make(map[string]types.MailItem, len(get.List))
	for _, w := range get.List {
		byID[w.ID] = w.toMailItem()
	}
	items := make([]types.MailItem, 0, len(query.IDs))
	for _, id := range query.IDs {
		if item, ok := byID[id]; ok {
			items = append(items, item)
		}
	}

	return EmailPage{
		Items:    items,
		Total:    query.Total,
		Position: query.Position,
		State:    get.State,
	}, nil
}

// EmailGet fetches messages by id, splitting large id sets into multiple
// round trips and concatenating results in the order requested.
func (c *Client) EmailGet(ctx context.Context, ids []string) ([]types.MailItem, error) {
	return c.emailGet(ctx, ids, metadataProperties, false)
}

// EmailGetFull fetches one message including body values. Bodies are
// never written to the cache.
func (c *Client) EmailGetFull(ctx context.Context, id string) (*types.MailItem, error) {
	props := append(append([]string{}, metadataProperties...), "textBody", "htmlBody", "bodyValues")
	items, err := c.emailGet(ctx, []string{id}, props, true)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, NetworkError(fmt.Sprintf("message %s not found", id), nil)
	}
	return &items[0], nil
}

func (c *Client) emailGet(ctx context.Context, ids []string, properties []string, fetchBodies bool) ([]types.MailItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	accountID, err := c.transport.AccountID(ctx, MailCapability)
	if err != nil {
		return nil, err
	}

	var items []types.MailItem
	for _, chunk := range chunkIDs(ids, getPageSize) {
		args := map[string]interface{}{
			"accountId":  accountID,
			"ids":        chunk,
			"properties": properties,
		}
		if fetchBodies {
			args["fetchTextBodyValues"] = true
			args["fetchHTMLBodyValues"] = true
		}
		req := &Request{
			Using:       []string{CoreCapability, MailCapability},
			MethodCalls: []Invocation{{Name: "Email/get", Args: args, CallID: "get"}},
		}
		resp, err := c.transport.Do(ctx, req)
		if err != nil {
			return nil, err
		}
		var result wireGetResult
		if err := resp.Get("Email/get", "get", &result); err != nil {
			return nil, err
		}
		byID := make(map[string]types.MailItem, len(result.List))
		for _, w := range result.List {
			byID[w.ID] = w.toMailItem()
		}
		for _, id := range chunk {
			if item, ok := byID[id]; ok {
				items = append(items, item)
			}
		}
	}
	return items, nil
}

// SendRequest carries one outgoing message. Sends pass through live and
// are never cached.
type SendRequest struct {
	To       []types.EmailAddress
	Cc       []types.EmailAddress
	Bcc      []types.EmailAddress
	Subject  string
	BodyText string
	BodyHTML string

	// DraftMailboxID is the mailbox the draft is created in before
	// submission, normally the role=drafts mailbox.
	DraftMailboxID string
}

// Send creates a draft and submits it in one batch: Email/set feeds the
// created id into EmailSubmission/set, with the identity resolved in the
// same round trip.
func (c *Client) Send(ctx context.Context, sr SendRequest) (string, error) {
	if len(sr.To) == 0 {
		return "", ValidationError("to is required")
	}
	if sr.Subject == "" {
		return "", ValidationError("subject is required")
	}
	if sr.BodyText == "" && sr.BodyHTML == "" {
		return "", ValidationError("either body_text or body_html is required")
	}

	sess, err := c.transport.Session(ctx)
	if err != nil {
		return "", err
	}
	if !sess.Capabilities[SubmissionCapability] {
		return "", CapabilityError(SubmissionCapability)
	}
	accountID, err := sess.AccountFor(MailCapability)
	if err != nil {
		return "", err
	}

	draft := map[string]interface{}{
		"subject":  sr.Subject,
		"to":       sr.To,
		"keywords": map[string]bool{"$draft": true},
	}
	if len(sr.Cc) > 0 {
		draft["cc"] = sr.Cc
	}
	if len(sr.Bcc) > 0 {
		draft["bcc"] = sr.Bcc
	}
	if sr.DraftMailboxID != "" {
		draft["mailboxIds"] = map[string]bool{sr.DraftMailboxID: true}
	}
	bodyValues := map[string]interface{}{}
	if sr.BodyText != "" {
		bodyValues["text"] = map[string]interface{}{"value": sr.BodyText}
		draft["textBody"] = []map[string]interface{}{{"partId": "text", "type": "text/plain"}}
	}
	if sr.BodyHTML != "" {
		bodyValues["html"] = map[string]interface{}{"value": sr.BodyHTML}
		draft["htmlBody"] = []map[string]interface{}{{"partId": "html", "type": "text/html"}}
	}
	draft["bodyValues"] = bodyValues

	identityID, err := c.defaultIdentity(ctx, accountID)
	if err != nil {
		return "", err
	}

	req := &Request{
		Using: []string{CoreCapability, MailCapability, SubmissionCapability},
		MethodCalls: []Invocation{
			{
				Name: "Email/set",
				Args: map[string]interface{}{
					"accountId": accountID,
					"create":    map[string]interface{}{"draft": draft},
				},
				CallID: "createDraft",
			},
			{
				Name: "EmailSubmission/set",
				Args: map[string]interface{}{
					"accountId": accountID,
					"create": map[string]interface{}{
						"submission": map[string]interface{}{
							// Creation reference to the draft made by the
							// Email/set step in this same batch.
							"emailId":    "#draft",
							"identityId": identityID,
						},
					},
				},
				CallID: "submit",
			},
		},
	}

	resp, err := c.transport.Do(ctx, req)
	if err != nil {
		return "", err
	}

	var setResult struct {
		Created map[string]struct {
			ID string `json:"id"`
		} `json:"created"`
	}
	if err := resp.Get("Email/set", "createDraft", &setResult); err != nil {
		return "", err
	}
	created, ok := setResult.Created["draft"]
	if !ok {
		return "", NetworkError("draft creation was rejected", nil)
	}
	if err := resp.Get("EmailSubmission/set", "submit", nil); err != nil {
		return "", err
	}

	c.logger.WithField("email_id", created.ID).Info("Submitted message")
	return created.ID, nil
}

func (c *Client) defaultIdentity(ctx context.Context, accountID string) (string, error) {
	req := &Request{
		Using: []string{CoreCapability, SubmissionCapability},
		MethodCalls: []Invocation{{
			Name:   "Identity/get",
			Args:   map[string]interface{}{"accountId": accountID},
			CallID: "identity",
		}},
	}
	resp, err := c.transport.Do(ctx, req)
	if err != nil {
		return "", err
	}
	var result struct {
		List []struct {
			ID string `json:"id"`
		} `json:"list"`
	}
	if err := resp.Get("Identity/get", "identity", &result); err != nil {
		return "", err
	}
	if len(result.List) == 0 {
		return "", NetworkError("no sending identity available for this account", nil)
	}
	return result.List[0].ID, nil
}

func chunkIDs(ids []string, size int) [][]string {
	if size <= 0 {
		size = getPageSize
	}
	var chunks [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}
