package jmap

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mcp-jmap/pkg/types"
)

func decodeBatch(t *testing.T, r *http.Request) [][]json.RawMessage {
	t.Helper()
	var req struct {
		MethodCalls [][]json.RawMessage `json:"methodCalls"`
	}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
	return req.MethodCalls
}

func callName(t *testing.T, call []json.RawMessage) string {
	t.Helper()
	var name string
	require.NoError(t, json.Unmarshal(call[0], &name))
	return name
}

func wireEmailJSON(id string, received time.Time) map[string]interface{} {
	return map[string]interface{}{
		"id":         id,
		"threadId":   "t-" + id,
		"mailboxIds": map[string]bool{"mb-inbox": true},
		"subject":    "subject " + id,
		"preview":    "preview " + id,
		"from":       []map[string]string{{"name": "Alice", "email": "alice@example.com"}},
		"receivedAt": received.UTC().Format(time.RFC3339),
		"keywords":   map[string]bool{"$seen": true},
		"messageId":  []string{"<" + id + "@example.com>"},
	}
}

func TestSearchPipelineOrderAndRefs(t *testing.T) {
	f := newFakeServer(t)
	now := time.Now()

	f.apiHandler = func(w http.ResponseWriter, r *http.Request) {
		calls := decodeBatch(t, r)
		require.Len(t, calls, 2)
		assert.Equal(t, "Email/query", callName(t, calls[0]))
		assert.Equal(t, "Email/get", callName(t, calls[1]))

		// The get step must chain the query ids by reference.
		var getArgs map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(calls[1][1], &getArgs))
		_, hasRef := getArgs["#ids"]
		assert.True(t, hasRef, "Email/get should carry an #ids result reference")

		respondBatch(w,
			[]interface{}{"Email/query", map[string]interface{}{
				"ids":        []string{"m2", "m1"},
				"total":      7,
				"position":   0,
				"queryState": "q1",
			}, "query"},
			// Get results arrive out of query order on purpose.
			[]interface{}{"Email/get", map[string]interface{}{
				"state": "mail-state-1",
				"list": []interface{}{
					wireEmailJSON("m1", now.Add(-time.Hour)),
					wireEmailJSON("m2", now),
				},
			}, "get"},
		)
	}

	client := NewClient(f.transport(t), testLogger())
	page, err := client.Search(context.Background(), nil, "receivedAt", false, 10, 0)
	require.NoError(t, err)

	require.Len(t, page.Items, 2)
	assert.Equal(t, "m2", page.Items[0].ID)
	assert.Equal(t, "m1", page.Items[1].ID)
	assert.Equal(t, 7, page.Total)
	assert.Equal(t, "mail-state-1", page.State)
	assert.Equal(t, "alice@example.com", page.Items[0].SenderEmail())
	assert.True(t, page.Items[0].Read())
	assert.Equal(t, "<m2@example.com>", page.Items[0].MessageID)
	assert.Equal(t, []string{"mb-inbox"}, page.Items[0].MailboxIDs)
}

func TestEmailGetChunksLargeIDSets(t *testing.T) {
	f := newFakeServer(t)
	now := time.Now()

	f.apiHandler = func(w http.ResponseWriter, r *http.Request) {
		calls := decodeBatch(t, r)
		require.Len(t, calls, 1)
		var args struct {
			IDs []string `json:"ids"`
		}
		require.NoError(t, json.Unmarshal(calls[0][1], &args))
		assert.LessOrEqual(t, len(args.IDs), getPageSize)

		list := make([]interface{}, 0, len(args.IDs))
		for _, id := range args.IDs {
			list = append(list, wireEmailJSON(id, now))
		}
		respondBatch(w, []interface{}{"Email/get", map[string]interface{}{
			"state": "mail-state-1",
			"list":  list,
		}, "get"})
	}

	ids := make([]string, 350)
	for i := range ids {
		ids[i] = fmt.Sprintf("m%03d", i)
	}

	client := NewClient(f.transport(t), testLogger())
	items, err := client.EmailGet(context.Background(), ids)
	require.NoError(t, err)

	require.Len(t, items, 350)
	// 350 ids at 150 per round trip means three calls.
	assert.Equal(t, int64(3), f.apiHits.Load())
	// Order of the requested ids is preserved across chunks.
	assert.Equal(t, "m000", items[0].ID)
	assert.Equal(t, "m349", items[349].ID)
}

func TestEmailChanges(t *testing.T) {
	f := newFakeServer(t)
	f.apiHandler = func(w http.ResponseWriter, r *http.Request) {
		calls := decodeBatch(t, r)
		var args struct {
			SinceState string `json:"sinceState"`
			MaxChanges int    `json:"maxChanges"`
		}
		require.NoError(t, json.Unmarshal(calls[0][1], &args))
		assert.Equal(t, "s1", args.SinceState)
		assert.Equal(t, 100, args.MaxChanges)

		respondBatch(w, []interface{}{"Email/changes", map[string]interface{}{
			"oldState":       "s1",
			"newState":       "s2",
			"hasMoreChanges": true,
			"created":        []string{"m9"},
			"updated":        []string{"m1", "m2"},
			"destroyed":      []string{"m3"},
		}, "changes"})
	}

	client := NewClient(f.transport(t), testLogger())
	ch, err := client.EmailChanges(context.Background(), "s1", 100)
	require.NoError(t, err)

	assert.Equal(t, "s2", ch.NewState)
	assert.True(t, ch.HasMore)
	assert.Equal(t, []string{"m9"}, ch.Created)
	assert.Equal(t, []string{"m1", "m2"}, ch.Updated)
	assert.Equal(t, []string{"m3"}, ch.Destroyed)
}

func TestEmailChangesStateExpired(t *testing.T) {
	f := newFakeServer(t)
	f.apiHandler = func(w http.ResponseWriter, r *http.Request) {
		respondBatch(w, []interface{}{"error", map[string]interface{}{
			"type":        "cannotCalculateChanges",
			"description": "state too old",
		}, "changes"})
	}

	client := NewClient(f.transport(t), testLogger())
	_, err := client.EmailChanges(context.Background(), "ancient", 100)
	assert.ErrorIs(t, err, ErrStateExpired)
}

func TestMailboxListPipeline(t *testing.T) {
	f := newFakeServer(t)
	f.apiHandler = func(w http.ResponseWriter, r *http.Request) {
		calls := decodeBatch(t, r)
		require.Len(t, calls, 2)
		assert.Equal(t, "Mailbox/query", callName(t, calls[0]))
		assert.Equal(t, "Mailbox/get", callName(t, calls[1]))

		respondBatch(w,
			[]interface{}{"Mailbox/query", map[string]interface{}{
				"ids": []string{"mb-1", "mb-2"},
			}, "query"},
			[]interface{}{"Mailbox/get", map[string]interface{}{
				"state": "mbox-state-1",
				"list": []interface{}{
					map[string]interface{}{"id": "mb-1", "name": "Inbox", "role": "inbox", "totalEmails": 12, "unreadEmails": 3},
					map[string]interface{}{"id": "mb-2", "name": "Archive", "parentId": "mb-1", "totalEmails": 40},
				},
			}, "get"},
		)
	}

	client := NewClient(f.transport(t), testLogger())
	mailboxes, state, err := client.MailboxList(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "mbox-state-1", state)
	require.Len(t, mailboxes, 2)
	assert.Equal(t, "inbox", mailboxes[0].Role)
	assert.Equal(t, 3, mailboxes[0].UnreadCount)
	assert.Equal(t, "mb-1", mailboxes[1].ParentID)
}

func TestSendValidation(t *testing.T) {
	f := newFakeServer(t)
	client := NewClient(f.transport(t), testLogger())

	_, err := client.Send(context.Background(), SendRequest{Subject: "hi", BodyText: "x"})
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = client.Send(context.Background(), SendRequest{
		To:      []types.EmailAddress{{Email: "bob@example.com"}},
		Subject: "hi",
	})
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestSendRequiresSubmissionCapability(t *testing.T) {
	f := newFakeServer(t)
	client := NewClient(f.transport(t), testLogger())

	// The fake session only advertises core and mail.
	_, err := client.Send(context.Background(), SendRequest{
		To:       []types.EmailAddress{{Email: "bob@example.com"}},
		Subject:  "hi",
		BodyText: "hello",
	})
	assert.Equal(t, KindCapability, KindOf(err))
	assert.Equal(t, int64(0), f.apiHits.Load())
}

func TestSendDraftAndSubmission(t *testing.T) {
	f := newFakeServer(t)
	f.submission = true

	f.apiHandler = func(w http.ResponseWriter, r *http.Request) {
		calls := decodeBatch(t, r)
		if callName(t, calls[0]) == "Identity/get" {
			respondBatch(w, []interface{}{"Identity/get", map[string]interface{}{
				"list": []interface{}{map[string]interface{}{"id": "ident-1", "email": "alice@example.com"}},
			}, "identity"})
			return
		}

		require.Len(t, calls, 2)
		assert.Equal(t, "Email/set", callName(t, calls[0]))
		assert.Equal(t, "EmailSubmission/set", callName(t, calls[1]))

		// The submission must reference the draft created in the same batch.
		var subArgs struct {
			Create map[string]map[string]interface{} `json:"create"`
		}
		require.NoError(t, json.Unmarshal(calls[1][1], &subArgs))
		assert.Equal(t, "#draft", subArgs.Create["submission"]["emailId"])
		assert.Equal(t, "ident-1", subArgs.Create["submission"]["identityId"])

		respondBatch(w,
			[]interface{}{"Email/set", map[string]interface{}{
				"created": map[string]interface{}{"draft": map[string]interface{}{"id": "m-new"}},
			}, "createDraft"},
			[]interface{}{"EmailSubmission/set", map[string]interface{}{
				"created": map[string]interface{}{"submission": map[string]interface{}{"id": "sub-1"}},
			}, "submit"},
		)
	}

	client := NewClient(f.transport(t), testLogger())
	id, err := client.Send(context.Background(), SendRequest{
		To:             []types.EmailAddress{{Name: "Bob", Email: "bob@example.com"}},
		Subject:        "hello",
		BodyText:       "hello bob",
		DraftMailboxID: "mb-drafts",
	})
	require.NoError(t, err)
	assert.Equal(t, "m-new", id)
	assert.Equal(t, int64(2), f.apiHits.Load())
}
