package api

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealdesk.io/db"
	"dealdesk.io/models"
	"dealdesk.io/queue"
	"dealdesk.io/retrieval"
)

type fakeStore struct {
	mu       sync.Mutex
	docs     map[string]*models.Document
	deals    map[string]*models.Deal
	created  []*models.Document
	statuses map[string]models.DocumentStatus
}

func newAPIFakeStore() *fakeStore {
	return &fakeStore{
		docs:     map[string]*models.Document{},
		deals:    map[string]*models.Deal{},
		statuses: map[string]models.DocumentStatus{},
	}
}

func (s *fakeStore) GetDocument(_ context.Context, id string) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return doc, nil
}

func (s *fakeStore) CreateDocument(_ context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = doc
	s.created = append(s.created, doc)
	return nil
}

func (s *fakeStore) UpdateDocumentStatus(_ context.Context, id string, status models.DocumentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = status
	return nil
}

func (s *fakeStore) GetDeal(_ context.Context, id string) (*models.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deal, ok := s.deals[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return deal, nil
}

type enqueueCall struct {
	kind    string
	payload queue.Payload
	opts    queue.Options
}

type fakeJobs struct {
	mu        sync.Mutex
	enqueued  []enqueueCall
	jobs      map[string]*queue.Job
	listJobs  []queue.Job
	cancelErr error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: map[string]*queue.Job{}}
}

func (f *fakeJobs) Enqueue(_ context.Context, kind string, payload queue.Payload, opts queue.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, enqueueCall{kind: kind, payload: payload, opts: opts})
	return fmt.Sprintf("job-%d", len(f.enqueued)), nil
}

func (f *fakeJobs) Get(_ context.Context, jobID string) (*queue.Job, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, queue.ErrNotFound
	}
	return job, nil
}

func (f *fakeJobs) List(_ context.Context, _ []string, _ []queue.JobState, _, _ int) ([]queue.Job, int64, error) {
	return f.listJobs, int64(len(f.listJobs)), nil
}

func (f *fakeJobs) Counts(_ context.Context) (map[string]map[queue.JobState]int64, error) {
	return map[string]map[queue.JobState]int64{
		"parse": {queue.StateCreated: 2},
	}, nil
}

func (f *fakeJobs) Cancel(_ context.Context, jobID string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	job, ok := f.jobs[jobID]
	if !ok {
		return queue.ErrNotFound
	}
	if job.State != queue.StateCreated {
		return queue.ErrNotCancellable
	}
	job.State = queue.StateCancelled
	return nil
}

type fakeRetryGate struct {
	stage  models.Stage
	reason string
	err    error
}

func (f *fakeRetryGate) CheckManualRetry(_ context.Context, _ string) (models.Stage, string, error) {
	return f.stage, f.reason, f.err
}

type fakeSearcher struct {
	resp     *retrieval.Response
	lastOrg  string
	lastOpts retrieval.Options
}

func (f *fakeSearcher) SearchWithFallback(_ context.Context, organizationID, _, _ string, opts retrieval.Options) (*retrieval.Response, error) {
	f.lastOrg = organizationID
	f.lastOpts = opts
	return f.resp, nil
}

type fakeGraphHealth struct{ connected bool }

func (f *fakeGraphHealth) Connected(_ context.Context) bool { return f.connected }

type apiEnv struct {
	store    *fakeStore
	jobs     *fakeJobs
	retries  *fakeRetryGate
	searcher *fakeSearcher
	handlers *Handlers
	echo     *echo.Echo
}

func newAPIEnv() *apiEnv {
	env := &apiEnv{
		store:    newAPIFakeStore(),
		jobs:     newFakeJobs(),
		retries:  &fakeRetryGate{},
		searcher: &fakeSearcher{resp: &retrieval.Response{}},
	}
	env.handlers = NewHandlers(env.store, env.jobs, env.retries, env.searcher, &fakeGraphHealth{connected: true})
	env.echo = echo.New()
	return env
}

// request builds an echo context for direct handler invocation, with
// tenant context values preset.
func (e *apiEnv) request(method, target, body, org, role string) (echo.Context, *httptest.ResponseRecorder) {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := e.echo.NewContext(req, rec)
	if org != "" {
		c.Set(contextKeyOrganization, org)
	}
	if role != "" {
		c.Set(contextKeyRole, role)
	}
	return c, rec
}

func assertHTTPStatus(t *testing.T, err error, want int) {
	t.Helper()
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, want, he.Code)
}

func seedQueueJob(id, kind string, state queue.JobState, dealID string, age time.Duration) queue.Job {
	return queue.Job{
		ID:   id,
		Kind: kind,
		Payload: queue.Payload{
			"document_id": "doc-" + id,
			"deal_id":     dealID,
			"file_name":   "report.pdf",
			"file_type":   "application/pdf",
		},
		State:     state,
		CreatedOn: time.Now().Add(-age),
	}
}
