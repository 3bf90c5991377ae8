package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/logging"
	"docsync/backend/internal/ot/delta"
	"docsync/backend/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRegistry struct {
	mu   sync.Mutex
	docs map[string]store.Document
	fail error
}

func (r *memRegistry) CreateDocument(_ context.Context, docID string, ownerID uint64, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.docs[docID] = store.Document{DocID: docID, OwnerID: ownerID, Title: title, UpdatedAt: time.Now()}
	return nil
}

func (r *memRegistry) Get(_ context.Context, docID string) (*store.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[docID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &d, nil
}

func (r *memRegistry) List(_ context.Context, limit int) ([]store.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.Document
	for _, d := range r.docs {
		if len(out) == limit {
			break
		}
		out = append(out, d)
	}
	return out, nil
}

func setup(t *testing.T) (*gin.Engine, *memRegistry, *collab.Authority) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := &memRegistry{docs: make(map[string]store.Document)}
	auth := collab.NewAuthority(store.NewMemoryLog(), collab.AuthorityOptions{Logger: logging.Discard()})
	t.Cleanup(auth.Close)
	r := gin.New()
	NewDocuments(reg, auth).Register(r.Group("/sync"))
	return r, reg, auth
}

func do(t *testing.T, r *gin.Engine, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return w.Code, out
}

func submit(t *testing.T, auth *collab.Authority, docID, text string) {
	t.Helper()
	ctx := context.Background()
	cur, head, err := auth.Content(ctx, docID)
	require.NoError(t, err)
	rev, err := store.Revision{
		DocumentID:     docID,
		RevisionID:     head + 1,
		BaseRevisionID: head,
		Delta:          delta.New().Retain(len([]rune(cur)), nil).Insert(text, nil).Delta(),
		ClientID:       "tester",
	}.Seal()
	require.NoError(t, err)
	_, err = auth.Submit(ctx, rev)
	require.NoError(t, err)
}

func TestCreateAndGetDocument(t *testing.T) {
	r, _, _ := setup(t)

	code, body := do(t, r, http.MethodPost, "/sync/documents", `{"title":"notes","ownerId":7}`)
	require.Equal(t, http.StatusCreated, code)
	docID, _ := body["docId"].(string)
	_, err := uuid.Parse(docID)
	require.NoError(t, err)
	assert.Equal(t, "notes", body["title"])

	code, body = do(t, r, http.MethodGet, "/sync/documents/"+docID, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(7), body["ownerId"])

	code, body = do(t, r, http.MethodGet, "/sync/documents", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["documents"], 1)
}

func TestCreateDocumentDefaultsTitle(t *testing.T) {
	r, _, _ := setup(t)
	code, body := do(t, r, http.MethodPost, "/sync/documents", "")
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "New Document", body["title"])
}

func TestCreateDocumentRegistryFailure(t *testing.T) {
	r, reg, _ := setup(t)
	reg.fail = errors.New("db down")
	code, _ := do(t, r, http.MethodPost, "/sync/documents", `{"title":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestGetUnknownDocument(t *testing.T) {
	r, _, _ := setup(t)
	code, _ := do(t, r, http.MethodGet, "/sync/documents/missing", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestContentAndRevisions(t *testing.T) {
	r, _, auth := setup(t)
	submit(t, auth, "doc-h", "ab")
	submit(t, auth, "doc-h", "cd")
	submit(t, auth, "doc-h", "ef")

	code, body := do(t, r, http.MethodGet, "/sync/documents/doc-h/content", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "abcdef", body["content"])
	assert.Equal(t, float64(3), body["head"])

	code, body = do(t, r, http.MethodGet, "/sync/documents/doc-h/revisions?from=2&to=3", "")
	require.Equal(t, http.StatusOK, code)
	revs, ok := body["revisions"].([]any)
	require.True(t, ok)
	require.Len(t, revs, 2)
	first := revs[0].(map[string]any)
	assert.Equal(t, float64(2), first["revisionId"])
	assert.Equal(t, float64(1), first["baseRevisionId"])
	assert.Equal(t, "tester", first["clientId"])
}

func TestRevisionsAfterCompactionStartWithSnapshot(t *testing.T) {
	r, _, auth := setup(t)
	for _, s := range []string{"a", "b", "c"} {
		submit(t, auth, "doc-s", s)
	}
	_, err := auth.Compact(context.Background(), "doc-s", 2)
	require.NoError(t, err)

	code, body := do(t, r, http.MethodGet, "/sync/documents/doc-s/revisions", "")
	require.Equal(t, http.StatusOK, code)
	revs := body["revisions"].([]any)
	require.Len(t, revs, 2)
	snap := revs[0].(map[string]any)
	assert.Equal(t, true, snap["snapshot"])
	assert.Equal(t, float64(2), snap["revisionId"])
}

func TestRevisionsBadRange(t *testing.T) {
	r, _, _ := setup(t)
	code, _ := do(t, r, http.MethodGet, "/sync/documents/doc-x/revisions?from=0", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = do(t, r, http.MethodGet, "/sync/documents/doc-x/revisions?from=3&to=2", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = do(t, r, http.MethodGet, "/sync/documents/doc-x/revisions?from=abc", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRegistryDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	auth := collab.NewAuthority(store.NewMemoryLog(), collab.AuthorityOptions{Logger: logging.Discard()})
	t.Cleanup(auth.Close)
	r := gin.New()
	NewDocuments(nil, auth).Register(r.Group("/sync"))

	code, _ := do(t, r, http.MethodPost, "/sync/documents", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	code, _ = do(t, r, http.MethodGet, "/sync/documents/doc-x/content", "")
	assert.Equal(t, http.StatusOK, code)
}

type fakePresence struct {
	members map[string][]string
	fail    error
}

func (p *fakePresence) Join(context.Context, string, string, time.Duration) error { return nil }
func (p *fakePresence) Leave(context.Context, string, string) error              { return nil }

func (p *fakePresence) Members(_ context.Context, docID string) ([]string, error) {
	return p.members[docID], p.fail
}

func (p *fakePresence) Documents(context.Context) ([]string, error) {
	var out []string
	for id := range p.members {
		out = append(out, id)
	}
	return out, p.fail
}

type rooms map[string]int

func (r rooms) Subscribers(docID string) int { return r[docID] }

func TestPresence(t *testing.T) {
	gin.SetMode(gin.TestMode)
	auth := collab.NewAuthority(store.NewMemoryLog(), collab.AuthorityOptions{Logger: logging.Discard()})
	t.Cleanup(auth.Close)
	p := &fakePresence{members: map[string][]string{"doc-p": {"client-a", "client-b"}}}
	r := gin.New()
	NewDocuments(nil, auth).WithPresence(p, rooms{"doc-p": 1}).Register(r.Group("/sync"))

	code, body := do(t, r, http.MethodGet, "/sync/documents/doc-p/presence", "")
	require.Equal(t, http.StatusOK, code)
	assert.ElementsMatch(t, []any{"client-a", "client-b"}, body["members"])
	assert.Equal(t, float64(1), body["connections"])

	code, body = do(t, r, http.MethodGet, "/sync/documents/doc-q/presence", "")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["members"])
	assert.Equal(t, float64(0), body["connections"])

	code, body = do(t, r, http.MethodGet, "/sync/presence", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"doc-p"}, body["documents"])

	p.fail = errors.New("redis down")
	code, _ = do(t, r, http.MethodGet, "/sync/documents/doc-p/presence", "")
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestPresenceWithoutRedis(t *testing.T) {
	r, _, _ := setup(t)
	code, body := do(t, r, http.MethodGet, "/sync/documents/doc-p/presence", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{}, body["members"])

	code, _ = do(t, r, http.MethodGet, "/sync/presence", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}
