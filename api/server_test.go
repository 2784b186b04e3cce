package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"election-backend/authority"
	"election-backend/models"
	"election-backend/registry"
	"election-backend/service"
	"election-backend/storage"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const (
	adminUser = "admin"
	adminPass = "secret"

	// Voters of the default registry.
	voterVilnius = "39001011234"
	voterKaunas  = "38503031234"
	voterPending = "48804041234"
)

func newTestServer(t *testing.T, withQueue bool) *Server {
	t.Helper()

	dir := t.TempDir()
	store, err := storage.NewMemoryLevelDB()
	require.NoError(t, err)
	reg, err := registry.New(registry.Config{
		FilePath: filepath.Join(dir, "registry.json"),
	})
	require.NoError(t, err)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	svc, err := service.NewElectionService(store, reg, authority.New(key),
		&models.Election{
			Title:     "Municipal council",
			Districts: []string{"kaunas", "vilnius"},
		}, service.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	var queue *service.QueueProcessor
	if withQueue {
		queue = service.NewQueueProcessor(svc, 2, 8)
		queue.Start()
		t.Cleanup(queue.Stop)
	}

	return NewServer(svc, queue, Config{
		AdminUser: adminUser,
		AdminPass: adminPass,
		Metrics:   true,
	})
}

func do(t *testing.T, s *Server, method, route string, body interface{}, admin bool) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, APIRoute+route, &buf)
	if admin {
		r.SetBasicAuth(adminUser, adminPass)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func requireError(t *testing.T, w *httptest.ResponseRecorder, status int, code service.ErrorCodeT) {
	t.Helper()
	require.Equal(t, status, w.Code, w.Body.String())
	var reply ErrorReply
	decode(t, w, &reply)
	require.Equal(t, int64(code), reply.ErrorCode)
}

func openVoting(t *testing.T, s *Server) {
	t.Helper()
	w := do(t, s, http.MethodPost, RouteAdminPhase,
		TransitionPhase{Phase: "voting"}, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestCastVote(t *testing.T) {
	for _, withQueue := range []bool{false, true} {
		s := newTestServer(t, withQueue)

		w := do(t, s, http.MethodPost, RouteCastVote,
			CastVote{VoterCode: voterVilnius, CandidateID: "c-1"}, false)
		requireError(t, w, http.StatusConflict, service.ErrorCodeVotingClosed)

		openVoting(t, s)

		w = do(t, s, http.MethodPost, RouteCastVote,
			CastVote{VoterCode: voterVilnius, CandidateID: "c-1"}, false)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		var reply CastVoteReply
		decode(t, w, &reply)
		require.Equal(t, uint64(1), reply.Receipt.Position)
		require.NotEmpty(t, reply.Receipt.Signature)

		w = do(t, s, http.MethodPost, RouteCastVote,
			CastVote{VoterCode: voterVilnius, CandidateID: "c-2"}, false)
		requireError(t, w, http.StatusConflict, service.ErrorCodeAlreadyVoted)

		w = do(t, s, http.MethodPost, RouteCastVote,
			CastVote{VoterCode: voterPending, CandidateID: "c-2"}, false)
		requireError(t, w, http.StatusBadRequest, service.ErrorCodeNotEligible)

		w = do(t, s, http.MethodPost, RouteCastVote,
			CastVote{VoterCode: voterKaunas, CandidateID: "c-9"}, false)
		requireError(t, w, http.StatusBadRequest, service.ErrorCodeUnknownCandidate)
	}
}

func TestCastVoteMalformed(t *testing.T) {
	s := newTestServer(t, false)
	openVoting(t, s)

	r := httptest.NewRequest(http.MethodPost, APIRoute+RouteCastVote,
		bytes.NewBufferString(`{"voter_code":`))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	requireError(t, w, http.StatusBadRequest, service.ErrorCodeInputInvalid)

	w = do(t, s, http.MethodPost, RouteCastVote,
		map[string]string{"voter": voterKaunas}, false)
	requireError(t, w, http.StatusBadRequest, service.ErrorCodeInputInvalid)
}

func TestVerifyReceipt(t *testing.T) {
	s := newTestServer(t, false)
	openVoting(t, s)

	w := do(t, s, http.MethodPost, RouteCastVote,
		CastVote{VoterCode: voterKaunas, CandidateID: "c-2"}, false)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var cast CastVoteReply
	decode(t, w, &cast)

	w = do(t, s, http.MethodPost, RouteVerifyReceipt, cast.Receipt, false)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var reply VerifyReceiptReply
	decode(t, w, &reply)
	require.True(t, reply.Valid)

	tampered := cast.Receipt
	tampered.Timestamp++
	w = do(t, s, http.MethodPost, RouteVerifyReceipt, tampered, false)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &reply)
	require.False(t, reply.Valid)
}

func TestPhaseRoutes(t *testing.T) {
	s := newTestServer(t, false)

	w := do(t, s, http.MethodGet, RoutePhase, nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	var info models.PhaseInfo
	decode(t, w, &info)
	require.Equal(t, models.PhaseRegistration, info.Phase)

	// Admin routes require credentials.
	w = do(t, s, http.MethodPost, RouteAdminPhase,
		TransitionPhase{Phase: "voting"}, false)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, http.MethodPost, RouteAdminPhase,
		TransitionPhase{Phase: "tallying"}, true)
	requireError(t, w, http.StatusBadRequest, service.ErrorCodeInvalidPhase)

	w = do(t, s, http.MethodPost, RouteAdminPhase,
		TransitionPhase{Phase: "results"}, true)
	requireError(t, w, http.StatusConflict, service.ErrorCodeInvalidTransition)

	w = do(t, s, http.MethodPost, RouteAdminPhase,
		TransitionPhase{Phase: "results", Override: true, Reason: "storm"}, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodGet, RouteAdminHistory, nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	var history PhaseHistoryReply
	decode(t, w, &history)
	require.Len(t, history.History, 1)
	require.True(t, history.History[0].Override)
	require.Equal(t, "storm", history.History[0].Reason)
}

func TestTallyAndAudit(t *testing.T) {
	s := newTestServer(t, false)

	// An empty election reports every configured district.
	w := do(t, s, http.MethodGet, RouteTally, nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	var tally models.TallyResult
	decode(t, w, &tally)
	require.Equal(t, uint64(0), tally.TotalVotes)
	require.Len(t, tally.Districts, 2)
	require.Empty(t, tally.Winners)

	openVoting(t, s)
	for _, code := range []string{voterVilnius, voterKaunas} {
		w = do(t, s, http.MethodPost, RouteCastVote,
			CastVote{VoterCode: code, CandidateID: "c-1"}, false)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w = do(t, s, http.MethodGet, RouteTally, nil, false)
	decode(t, w, &tally)
	require.True(t, tally.Provisional)
	require.Equal(t, uint64(2), tally.TotalVotes)
	require.Equal(t, []string{"c-1"}, tally.Winners)
	require.Equal(t, models.Percent(10000), tally.Candidates[0].Percentage)

	w = do(t, s, http.MethodGet, RouteAuditDigest, nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	var digest models.Digest
	decode(t, w, &digest)
	require.Equal(t, uint64(2), digest.EntryCount)

	w = do(t, s, http.MethodGet, RouteAuditVerify, nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	var report service.IntegrityReport
	decode(t, w, &report)
	require.True(t, report.Valid)
	require.Equal(t, uint64(2), report.EntryCount)

	w = do(t, s, http.MethodGet, RouteLedger+"?from=2&limit=5", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	var page service.LedgerPage
	decode(t, w, &page)
	require.Len(t, page.Entries, 1)
	require.Equal(t, uint64(2), page.Entries[0].Sequence)

	w = do(t, s, http.MethodGet, RouteLedger+"?from=x", nil, false)
	requireError(t, w, http.StatusBadRequest, service.ErrorCodeInputInvalid)

	w = do(t, s, http.MethodGet, RouteStats, nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	var stats models.Statistics
	decode(t, w, &stats)
	require.Equal(t, uint64(2), stats.VotesCast)
	require.Equal(t, uint64(3), stats.EligibleVoters)
}

func TestEligibilityRoute(t *testing.T) {
	s := newTestServer(t, false)

	w := do(t, s, http.MethodGet, "/voters/"+voterVilnius+"/eligibility", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	var status service.EligibilityStatus
	decode(t, w, &status)
	require.True(t, status.Eligible)
	require.Equal(t, "vilnius", status.District)

	w = do(t, s, http.MethodGet, "/voters/"+voterPending+"/eligibility", nil, false)
	decode(t, w, &status)
	require.False(t, status.Eligible)
	require.Equal(t, service.ErrorCodeNotEligible, status.ErrorCode)

	w = do(t, s, http.MethodGet, "/voters/nobody/eligibility", nil, false)
	status = service.EligibilityStatus{}
	decode(t, w, &status)
	require.Equal(t, service.ErrorCodeUnknownVoter, status.ErrorCode)
}

func TestAcknowledgeNotHalted(t *testing.T) {
	s := newTestServer(t, false)
	w := do(t, s, http.MethodPost, RouteAdminAcknowledge,
		AcknowledgeCorruption{Position: 1, Reason: "test"}, true)
	requireError(t, w, http.StatusBadRequest, service.ErrorCodeInputInvalid)
}

func TestExportWithoutExporter(t *testing.T) {
	s := newTestServer(t, false)
	w := do(t, s, http.MethodPost, RouteAdminExport, nil, true)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	var reply ErrorReply
	decode(t, w, &reply)
	require.NotZero(t, reply.ErrorCode)
}

func TestNotFoundAndMetrics(t *testing.T) {
	s := newTestServer(t, false)

	w := do(t, s, http.MethodGet, "/nope", nil, false)
	require.Equal(t, http.StatusNotFound, w.Code)

	r := httptest.NewRequest(http.MethodGet, RouteMetrics, nil)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestCastVoteCancelled(t *testing.T) {
	s := newTestServer(t, false)
	openVoting(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	body, err := json.Marshal(CastVote{VoterCode: voterVilnius, CandidateID: "c-1"})
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, APIRoute+RouteCastVote,
		bytes.NewReader(body)).WithContext(ctx)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	requireError(t, w, http.StatusServiceUnavailable,
		service.ErrorCodeRequestCancelled)

	// The ballot was not recorded, so the voter can still cast it.
	w = do(t, s, http.MethodPost, RouteCastVote,
		CastVote{VoterCode: voterVilnius, CandidateID: "c-1"}, false)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestRespondWithContextError(t *testing.T) {
	for _, err := range []error{
		context.Canceled,
		errors.Wrap(context.DeadlineExceeded, "submit"),
	} {
		r := httptest.NewRequest(http.MethodGet, APIRoute+RouteTally, nil)
		w := httptest.NewRecorder()
		respondWithError(w, r, "test", err)
		requireError(t, w, http.StatusServiceUnavailable,
			service.ErrorCodeRequestCancelled)
	}
}
