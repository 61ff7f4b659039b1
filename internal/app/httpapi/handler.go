// Package httpapi exposes the engine's REST surface: hiring single workers,
// chat-driven pipelines, task inspection, and capability discovery.
package httpapi

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	app "github.com/econos-labs/master-engine/internal/app"
	"github.com/econos-labs/master-engine/internal/app/domain/fault"
	"github.com/econos-labs/master-engine/internal/app/domain/plan"
	"github.com/econos-labs/master-engine/internal/app/domain/task"
	"github.com/econos-labs/master-engine/internal/app/metrics"
	"github.com/econos-labs/master-engine/internal/app/services/directory"
	"github.com/econos-labs/master-engine/internal/app/services/orchestrator"
	"github.com/econos-labs/master-engine/internal/app/services/planner"
	"github.com/econos-labs/master-engine/internal/app/services/tasks"
	"github.com/econos-labs/master-engine/internal/httputil"
	"github.com/econos-labs/master-engine/internal/middleware"
	"github.com/econos-labs/master-engine/pkg/logger"
)

// maxBodyBytes bounds inbound request bodies.
const maxBodyBytes = 1 << 20

// pipelineRun tracks one asynchronous chat pipeline.
type pipelineRun struct {
	mu       sync.Mutex
	Plan     plan.ExecutionPlan
	Result   *plan.PipelineExecutionResult
	Finished bool
}

type handler struct {
	app   *app.Application
	log   *logger.Logger
	audit *auditLog

	runMu sync.Mutex
	runs  map[string]*pipelineRun
}

// Options tunes the HTTP surface.
type Options struct {
	// AuditFile, when set, persists audit entries as JSONL.
	AuditFile string
	// AuditMax bounds the in-memory audit ring.
	AuditMax int
	// AllowedOrigins enables CORS when non-empty.
	AllowedOrigins []string
	// RateLimit caps requests per second per client; 0 disables limiting.
	RateLimit int
	// RateBurst is the limiter burst size.
	RateBurst int
}

// NewHandler returns the engine's REST API router.
func NewHandler(application *app.Application, log *logger.Logger, opts Options) (http.Handler, error) {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	sink, err := newFileAuditSink(opts.AuditFile)
	if err != nil {
		return nil, err
	}
	h := &handler{
		app:   application,
		log:   log,
		audit: newAuditLog(opts.AuditMax, sink),
		runs:  make(map[string]*pipelineRun),
	}

	r := mux.NewRouter()
	r.HandleFunc("/hire", h.hire).Methods(http.MethodPost)
	r.HandleFunc("/chat", h.chat).Methods(http.MethodPost)
	r.HandleFunc("/chat/{planId}", h.chatStatus).Methods(http.MethodGet)
	r.HandleFunc("/tasks", h.listTasks).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}", h.getTask).Methods(http.MethodGet)
	r.HandleFunc("/capabilities", h.capabilities).Methods(http.MethodGet)
	r.HandleFunc("/audit", h.auditEntries).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.Use(h.auditMiddleware)

	var out http.Handler = r
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = opts.RateLimit
		}
		out = middleware.NewRateLimiter(opts.RateLimit, burst, log).Handler(out)
	}
	if len(opts.AllowedOrigins) > 0 {
		out = middleware.NewCORSMiddleware(opts.AllowedOrigins).Handler(out)
	}
	return metrics.InstrumentHandler(out), nil
}

type hireRequest struct {
	TaskType             string                 `json:"taskType"`
	Input                map[string]interface{} `json:"input"`
	RequiredCapabilities []string               `json:"requiredCapabilities,omitempty"`
	BudgetWei            string                 `json:"budgetWei"`
	Deadline             *time.Time             `json:"deadline,omitempty"`
	Strategy             string                 `json:"strategy,omitempty"`
	Worker               string                 `json:"worker,omitempty"`
}

// hire creates a task and drives it asynchronously. The response carries the
// pending task; progress is observable through GET /tasks/{id}.
func (h *handler) hire(w http.ResponseWriter, r *http.Request) {
	var req hireRequest
	if err := httputil.DecodeJSON(r.Body, maxBodyBytes, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err)
		return
	}

	budget, ok := new(big.Int).SetString(req.BudgetWei, 10)
	if !ok {
		httputil.WriteError(w, http.StatusBadRequest, errors.New("budgetWei must be a decimal integer"))
		return
	}
	deadline := time.Now().UTC().Add(orchestrator.DefaultTaskValidity)
	if req.Deadline != nil {
		deadline = req.Deadline.UTC()
	}

	strategy := directory.StrategyReputation
	if req.Strategy != "" {
		strategy = directory.Strategy(req.Strategy)
	}
	var direct *common.Address
	if req.Worker != "" {
		if !common.IsHexAddress(req.Worker) {
			httputil.WriteError(w, http.StatusBadRequest, errors.New("worker must be a hex address"))
			return
		}
		addr := common.HexToAddress(req.Worker)
		direct = &addr
	}

	t, err := h.app.Tasks.Create(r.Context(), tasks.CreateParams{
		Type:                 req.TaskType,
		Input:                req.Input,
		RequiredCapabilities: req.RequiredCapabilities,
		Deadline:             deadline,
		Budget:               budget,
	})
	if err != nil {
		h.writeFault(w, err)
		return
	}

	go func() {
		ctx, cancel := context.WithDeadline(context.Background(), deadline.Add(time.Minute))
		defer cancel()
		if _, _, err := h.app.Orchestrator.Run(ctx, t.ID, strategy, direct); err != nil {
			h.log.WithField("task_id", t.ID).WithError(err).Warn("hire run ended with error")
		}
	}()

	httputil.WriteJSON(w, http.StatusAccepted, t)
}

type chatRequest struct {
	Message   string                 `json:"message"`
	Input     map[string]interface{} `json:"input,omitempty"`
	BudgetWei string                 `json:"budgetWei,omitempty"`
}

type chatResponse struct {
	Plan   plan.ExecutionPlan `json:"plan"`
	Status string             `json:"status"`
}

// chat plans a pipeline from a natural-language message and executes it in
// the background.
func (h *handler) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := httputil.DecodeJSON(r.Body, maxBodyBytes, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if req.Message == "" {
		httputil.WriteError(w, http.StatusBadRequest, errors.New("message is required"))
		return
	}
	var opts planner.PlanOptions
	if req.BudgetWei != "" {
		budget, ok := new(big.Int).SetString(req.BudgetWei, 10)
		if !ok {
			httputil.WriteError(w, http.StatusBadRequest, errors.New("budgetWei must be a decimal integer"))
			return
		}
		opts.MaxBudget = budget
	}

	p, err := h.app.Planner.Plan(r.Context(), req.Message, opts)
	if err != nil {
		h.writeFault(w, err)
		return
	}

	userInput := req.Input
	if userInput == nil {
		userInput = deriveUserInput(p, req.Message)
	}

	run := &pipelineRun{Plan: p}
	h.runMu.Lock()
	h.runs[p.PlanID] = run
	h.runMu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 24*time.Hour)
		defer cancel()
		result, err := h.app.Orchestrator.Execute(ctx, p, userInput)
		if err != nil {
			h.log.WithField("plan_id", p.PlanID).WithError(err).Warn("pipeline ended with error")
		}
		run.mu.Lock()
		run.Result = &result
		run.Finished = true
		run.mu.Unlock()
	}()

	httputil.WriteJSON(w, http.StatusAccepted, chatResponse{Plan: p, Status: "running"})
}

// deriveUserInput seeds the first step's schema field with the raw message.
func deriveUserInput(p plan.ExecutionPlan, message string) map[string]interface{} {
	steps := p.Ordered()
	if len(steps) == 0 {
		return map[string]interface{}{}
	}
	field := map[string]string{
		task.TypeSummaryGeneration: "text",
		task.TypeImageGeneration:   "prompt",
		task.TypeResearcher:        "topic",
		task.TypeWriter:            "brief",
		task.TypeMarketResearch:    "market",
	}[steps[0].ServiceType]
	if field == "" {
		return map[string]interface{}{}
	}
	return map[string]interface{}{field: message}
}

func (h *handler) chatStatus(w http.ResponseWriter, r *http.Request) {
	planID := mux.Vars(r)["planId"]
	if _, err := uuid.Parse(planID); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, errors.New("planId must be a UUID"))
		return
	}

	h.runMu.Lock()
	run, ok := h.runs[planID]
	h.runMu.Unlock()
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, errors.New("unknown plan"))
		return
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	if !run.Finished {
		httputil.WriteJSON(w, http.StatusOK, chatResponse{Plan: run.Plan, Status: "running"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run.Result)
}

func (h *handler) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.app.Tasks.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeFault(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, t)
}

func (h *handler) listTasks(w http.ResponseWriter, r *http.Request) {
	status := task.Status(r.URL.Query().Get("status"))
	if status == "" {
		httputil.WriteError(w, http.StatusBadRequest, errors.New("status query parameter is required"))
		return
	}
	if !task.ValidStatus(status) {
		httputil.WriteError(w, http.StatusBadRequest, errors.New("unknown status "+string(status)))
		return
	}
	list, err := h.app.Tasks.GetByStatus(r.Context(), status)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (h *handler) capabilities(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.app.Capabilities.Discover())
}

func (h *handler) auditEntries(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	httputil.WriteJSON(w, http.StatusOK, h.audit.listLimit(limit))
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeFault maps classified errors to HTTP status codes.
func (h *handler) writeFault(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.KindValidation:
		status = http.StatusBadRequest
	case fault.KindResource:
		status = http.StatusNotFound
	case fault.KindWorker, fault.KindChain:
		status = http.StatusBadGateway
	case fault.KindTimeout:
		status = http.StatusGatewayTimeout
	case fault.KindProtocol:
		status = http.StatusConflict
	}
	httputil.WriteError(w, status, err)
}

func (h *handler) auditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.audit.add(auditEntry{
			Time:       time.Now().UTC(),
			Path:       r.URL.Path,
			Method:     r.Method,
			Status:     rec.status,
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
		})
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
