// Package api exposes the election service over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"election-backend/metrics"
	"election-backend/models"
	"election-backend/service"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxBodySize bounds every request body. Ballots and admin commands are a few
// hundred bytes.
const maxBodySize = 1 << 16

type permission int

const (
	permissionPublic permission = iota
	permissionAdmin
)

// Config configures the HTTP server.
type Config struct {
	// AdminUser and AdminPass guard the admin routes with HTTP basic auth.
	// Admin routes are open when AdminUser is empty.
	AdminUser string
	AdminPass string

	// AccessLog receives an Apache combined log line per request. No access
	// log is written when nil.
	AccessLog io.Writer

	// AllowedOrigins enables CORS for the listed origins.
	AllowedOrigins []string

	// Metrics mounts the Prometheus handler on /metrics.
	Metrics bool
}

// Server routes HTTP requests to the election service.
type Server struct {
	cfg    Config
	svc    *service.ElectionService
	queue  *service.QueueProcessor
	router *mux.Router
}

// NewServer returns a server for svc. Ballots are cast through queue when it
// is not nil and directly on the service otherwise.
func NewServer(svc *service.ElectionService, queue *service.QueueProcessor, cfg Config) *Server {
	s := &Server{
		cfg:    cfg,
		svc:    svc,
		queue:  queue,
		router: mux.NewRouter(),
	}
	if cfg.AdminUser == "" {
		log.Warnf("Admin routes are not authenticated")
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.NotFoundHandler = closeBody(s.handleNotFound)

	// Public routes
	s.addRoute(http.MethodPost, RouteCastVote, s.handleCastVote, permissionPublic)
	s.addRoute(http.MethodGet, RoutePhase, s.handleGetPhase, permissionPublic)
	s.addRoute(http.MethodGet, RouteTally, s.handleGetTally, permissionPublic)
	s.addRoute(http.MethodPost, RouteVerifyReceipt, s.handleVerifyReceipt, permissionPublic)
	s.addRoute(http.MethodGet, RouteAuditDigest, s.handleAuditDigest, permissionPublic)
	s.addRoute(http.MethodGet, RouteAuditVerify, s.handleAuditVerify, permissionPublic)
	s.addRoute(http.MethodGet, RouteElection, s.handleGetElection, permissionPublic)
	s.addRoute(http.MethodGet, RouteCandidates, s.handleGetCandidates, permissionPublic)
	s.addRoute(http.MethodGet, RouteEligibility, s.handleEligibility, permissionPublic)
	s.addRoute(http.MethodGet, RouteLedger, s.handleGetLedger, permissionPublic)

	// Admin routes
	s.addRoute(http.MethodPost, RouteAdminPhase, s.handleTransitionPhase, permissionAdmin)
	s.addRoute(http.MethodGet, RouteAdminHistory, s.handlePhaseHistory, permissionAdmin)
	s.addRoute(http.MethodGet, RouteStats, s.handleStatistics, permissionAdmin)
	s.addRoute(http.MethodPost, RouteAdminExport, s.handleExport, permissionAdmin)
	s.addRoute(http.MethodPost, RouteAdminAcknowledge, s.handleAcknowledge, permissionAdmin)

	if s.cfg.Metrics {
		s.router.Handle(RouteMetrics, promhttp.Handler()).Methods(http.MethodGet)
	}
}

func (s *Server) addRoute(method string, route string, handler http.HandlerFunc, perm permission) {
	if perm == permissionAdmin {
		handler = s.auth(handler)
	}
	handler = closeBody(logging(handler))

	s.router.StrictSlash(true).HandleFunc(APIRoute+route, handler).Methods(method)
}

// Handler returns the router wrapped in the server wide middleware.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = instrument(s.router, h)
	if len(s.cfg.AllowedOrigins) > 0 {
		h = handlers.CORS(
			handlers.AllowedOrigins(s.cfg.AllowedOrigins),
			handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
			handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		)(h)
	}
	if s.cfg.AccessLog != nil {
		h = handlers.CombinedLoggingHandler(s.cfg.AccessLog, h)
	}
	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{}),
	)(h)
}

func (s *Server) check(user, pass string) bool {
	u := subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.AdminUser))
	p := subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.AdminPass))
	return u&p == 1
}

func (s *Server) auth(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminUser == "" {
			fn(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || !s.check(user, pass) {
			log.Infof("%v Unauthorized access for: %v", remoteAddr(r), user)
			w.Header().Set("WWW-Authenticate", `Basic realm="electiond"`)
			respondWithJSON(w, http.StatusUnauthorized, ErrorReply{
				ErrorCode:    int64(service.ErrorCodeInputInvalid),
				ErrorContext: "invalid admin credentials",
			})
			return
		}
		log.Debugf("%v Authorized access for: %v", remoteAddr(r), user)
		fn(w, r)
	}
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	log.Debugf("Invalid route: %v %v %v %v", remoteAddr(r), r.Method, r.URL,
		r.Proto)
	respondWithJSON(w, http.StatusNotFound, ErrorReply{})
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	var cv CastVote
	if err := decodeBody(w, r, &cv); err != nil {
		respondWithError(w, r, "handleCastVote", err)
		return
	}

	var (
		receipt *models.Receipt
		err     error
	)
	if s.queue != nil {
		receipt, err = s.queue.Submit(r.Context(), cv.VoterCode, cv.CandidateID)
	} else {
		receipt, err = s.svc.CastVote(r.Context(), cv.VoterCode, cv.CandidateID)
	}
	if err != nil {
		respondWithError(w, r, "handleCastVote", err)
		return
	}
	respondWithJSON(w, http.StatusCreated, CastVoteReply{Receipt: *receipt})
}

func (s *Server) handleGetPhase(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, s.svc.GetPhase())
}

func (s *Server) handleTransitionPhase(w http.ResponseWriter, r *http.Request) {
	var tp TransitionPhase
	if err := decodeBody(w, r, &tp); err != nil {
		respondWithError(w, r, "handleTransitionPhase", err)
		return
	}
	target, err := models.ParsePhase(tp.Phase)
	if err != nil {
		respondWithError(w, r, "handleTransitionPhase", service.Error{
			Code:    service.ErrorCodeInvalidPhase,
			Context: err.Error(),
		})
		return
	}

	info, err := s.svc.TransitionPhase(target, tp.Override, tp.Reason)
	if err != nil {
		respondWithError(w, r, "handleTransitionPhase", err)
		return
	}
	respondWithJSON(w, http.StatusOK, info)
}

func (s *Server) handlePhaseHistory(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, PhaseHistoryReply{
		History: s.svc.PhaseHistory(),
	})
}

func (s *Server) handleGetTally(w http.ResponseWriter, r *http.Request) {
	tally, err := s.svc.GetTally()
	if err != nil {
		respondWithError(w, r, "handleGetTally", err)
		return
	}
	respondWithJSON(w, http.StatusOK, tally)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Statistics()
	if err != nil {
		respondWithError(w, r, "handleStatistics", err)
		return
	}
	respondWithJSON(w, http.StatusOK, stats)
}

func (s *Server) handleVerifyReceipt(w http.ResponseWriter, r *http.Request) {
	var receipt models.Receipt
	if err := decodeBody(w, r, &receipt); err != nil {
		respondWithError(w, r, "handleVerifyReceipt", err)
		return
	}
	valid, err := s.svc.VerifyReceipt(&receipt)
	if err != nil {
		respondWithError(w, r, "handleVerifyReceipt", err)
		return
	}
	respondWithJSON(w, http.StatusOK, VerifyReceiptReply{Valid: valid})
}

func (s *Server) handleAuditDigest(w http.ResponseWriter, r *http.Request) {
	digest, err := s.svc.AuditDigest()
	if err != nil {
		respondWithError(w, r, "handleAuditDigest", err)
		return
	}
	respondWithJSON(w, http.StatusOK, digest)
}

// handleAuditVerify always replies with the integrity report. A broken chain
// is reported with 503 so that monitoring can alert on the status alone.
func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.VerifyChain()
	if err != nil {
		var e service.Error
		if report != nil && errors.As(err, &e) {
			respondWithJSON(w, http.StatusServiceUnavailable, report)
			return
		}
		respondWithError(w, r, "handleAuditVerify", err)
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var ac AcknowledgeCorruption
	if err := decodeBody(w, r, &ac); err != nil {
		respondWithError(w, r, "handleAcknowledge", err)
		return
	}
	report, err := s.svc.AcknowledgeCorruption(ac.Position, ac.Reason)
	if err != nil {
		respondWithError(w, r, "handleAcknowledge", err)
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	path, err := s.svc.ExportLedger()
	if err != nil {
		respondWithError(w, r, "handleExport", err)
		return
	}
	respondWithJSON(w, http.StatusOK, ExportReply{Path: path})
}

func (s *Server) handleGetElection(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, s.svc.Election())
}

func (s *Server) handleGetCandidates(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, CandidatesReply{
		Candidates: s.svc.Candidates(),
	})
}

func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	status, err := s.svc.Eligibility(code)
	if err != nil {
		respondWithError(w, r, "handleEligibility", err)
		return
	}
	respondWithJSON(w, http.StatusOK, status)
}

func (s *Server) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		from  uint64 = 1
		limit int
		err   error
	)
	if v := q.Get("from"); v != "" {
		from, err = strconv.ParseUint(v, 10, 64)
		if err != nil {
			respondWithError(w, r, "handleGetLedger", service.Error{
				Code:    service.ErrorCodeInputInvalid,
				Context: fmt.Sprintf("invalid from %q", v),
			})
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil {
			respondWithError(w, r, "handleGetLedger", service.Error{
				Code:    service.ErrorCodeInputInvalid,
				Context: fmt.Sprintf("invalid limit %q", v),
			})
			return
		}
	}

	page, err := s.svc.Ledger(from, limit)
	if err != nil {
		respondWithError(w, r, "handleGetLedger", err)
		return
	}
	respondWithJSON(w, http.StatusOK, page)
}

// decodeBody decodes a JSON request body into v. Malformed or oversized
// bodies are reported as invalid input.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return service.Error{
			Code:    service.ErrorCodeInputInvalid,
			Context: err.Error(),
		}
	}
	return nil
}

// statusFromError returns the HTTP status for a service error class.
func statusFromError(e service.Error) int {
	switch e.Class() {
	case service.ClassValidation:
		return http.StatusBadRequest
	case service.ClassConflict:
		return http.StatusConflict
	case service.ClassIntegrity, service.ClassUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondWithError replies with the service error code when err is a
// service.Error and with an opaque internal error otherwise.
func respondWithError(w http.ResponseWriter, r *http.Request, format string, err error) {
	// The client went away or its deadline passed; nothing failed here.
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		err = service.Error{
			Code:    service.ErrorCodeRequestCancelled,
			Context: err.Error(),
		}
	}

	var e service.Error
	if errors.As(err, &e) {
		status := statusFromError(e)
		if status != http.StatusInternalServerError {
			log.Debugf("%v %v: %v", remoteAddr(r), format, e)
			respondWithJSON(w, status, ErrorReply{
				ErrorCode:    int64(e.Code),
				ErrorContext: e.Context,
			})
			return
		}
	}
	respondWithInternalError(w, r, format, err)
}

// respondWithInternalError logs the error with a timestamp that is handed to
// the client, so that a reported failure can be found in the logs.
func respondWithInternalError(w http.ResponseWriter, r *http.Request, format string, err error) {
	errorCode := time.Now().Unix()
	log.Errorf("%v %v %v %v Internal error %v: %v %v", remoteAddr(r),
		r.Method, r.URL, r.Proto, errorCode, format, err)

	// Print the stack trace when the error carries one
	var stackErr interface{ StackTrace() errors.StackTrace }
	if errors.As(err, &stackErr) {
		log.Errorf("Stacktrace %v: %+v", errorCode, stackErr.StackTrace())
	} else {
		log.Errorf("Stacktrace (NOT A REAL CRASH): %s", debug.Stack())
	}

	respondWithJSON(w, http.StatusInternalServerError, ErrorReply{
		ErrorCode: errorCode,
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Errorf("Marshal reply: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	w.Write(response)
}

func logging(f http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Trace incoming request
		log.Tracef("%v", newLogClosure(func() string {
			trace, err := httputil.DumpRequest(r, true)
			if err != nil {
				trace = []byte(fmt.Sprintf("logging: DumpRequest %v", err))
			}
			return string(trace)
		}))

		log.Infof("%v %v %v %v", remoteAddr(r), r.Method, r.URL, r.Proto)
		f(w, r)
	}
}

// closeBody closes the request body after the provided handler is called.
func closeBody(f http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f(w, r)
		r.Body.Close()
	}
}

// remoteAddr returns a string of the remote address, i.e. the address that
// sent the request.
func remoteAddr(r *http.Request) string {
	via := r.RemoteAddr
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		return fmt.Sprintf("%v via %v", strings.TrimSpace(strings.Split(xff, ",")[0]), via)
	}
	return via
}

type logClosure func() string

func (c logClosure) String() string {
	return c()
}

func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}

type recoveryLogger struct{}

func (recoveryLogger) Println(args ...interface{}) {
	log.Criticalf("Recovered from panic: %v", fmt.Sprint(args...))
}

// statusWriter records the status code written by a handler.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latency per route template.
func instrument(router *mux.Router, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		endpoint := "unknown"
		var match mux.RouteMatch
		if router.Match(r, &match) && match.Route != nil {
			if tpl, err := match.Route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		status := strconv.Itoa(sw.status)
		labels := []string{"endpoint", endpoint, "method", r.Method, "status", status}
		metrics.API.RequestsTotal.With(labels...).Add(1)
		if sw.status >= http.StatusBadRequest {
			metrics.API.RequestErrorsTotal.With(labels...).Add(1)
		}
		metrics.API.RequestDurationSeconds.With(labels...).Observe(time.Since(start).Seconds())
	})
}
