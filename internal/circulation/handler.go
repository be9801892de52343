// internal/circulation/handler.go
package circulation

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/errs"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Handler struct {
	service Service
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewHandler wires the HTTP surface. A nil limiter disables rate limiting.
func NewHandler(service Service, limiter *rate.Limiter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, limiter: limiter, logger: logger}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/manage/health", h.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(h.rateLimit)

		r.Post("/tickets", h.handleBorrow)
		r.Get("/tickets/{ticketID}", h.handleGetTicket)
		r.Post("/tickets/{ticketID}/return", h.handleReturnTicket)
		r.Post("/returns", h.handleReturn)
		r.Get("/copies/{copyID}", h.handleGetCopy)
		r.Get("/loans/{loanID}/fines", h.handleLoanFines)
		r.Post("/fines/{fineID}/pay", h.handlePayFine)
	})
	return r
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil && !h.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited", Message: "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleBorrow(w http.ResponseWriter, r *http.Request) {
	var req BorrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed_request", Message: err.Error()})
		return
	}

	result, err := h.service.Borrow(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "ticketID")
	if !ok {
		return
	}
	ticket, err := h.service.Ticket(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleReturnTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "ticketID")
	if !ok {
		return
	}
	var req TicketReturnRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed_request", Message: err.Error()})
			return
		}
	}
	req.TicketID = id

	result, err := h.service.ReturnTicket(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeReturn(w, r, result)
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	var req ReturnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed_request", Message: err.Error()})
		return
	}

	result, err := h.service.Return(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeReturn(w, r, result)
}

func (h *Handler) handleGetCopy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "copyID")
	if !ok {
		return
	}
	state, err := h.service.CopyState(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, copyResponse{CopyID: id, State: state})
}

func (h *Handler) handleLoanFines(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "loanID")
	if !ok {
		return
	}
	fines, err := h.service.LoanFines(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if fines == nil {
		fines = []domain.Fine{}
	}
	writeJSON(w, http.StatusOK, fines)
}

func (h *Handler) handlePayFine(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "fineID")
	if !ok {
		return
	}
	fine, err := h.service.MarkFinePaid(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fine)
}

type copyResponse struct {
	CopyID uuid.UUID        `json:"copy_id"`
	State  domain.CopyState `json:"state"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

type lineResponse struct {
	LoanID uuid.UUID    `json:"loan_id,omitempty"`
	CopyID uuid.UUID    `json:"copy_id,omitempty"`
	OK     bool         `json:"ok"`
	Loan   *domain.Loan `json:"loan,omitempty"`
	Fine   *domain.Fine `json:"fine,omitempty"`
	Error  *errorBody   `json:"error,omitempty"`
}

type returnResponse struct {
	Lines      []lineResponse `json:"lines"`
	TotalFines domain.Amount  `json:"total_fines"`
}

// writeReturn answers 200 when every line settled and 207 when only some
// did. When nothing settled the first failure decides the status.
func (h *Handler) writeReturn(w http.ResponseWriter, r *http.Request, result *ReturnResult) {
	resp := returnResponse{Lines: make([]lineResponse, 0, len(result.Lines)), TotalFines: result.TotalFines()}
	for _, l := range result.Lines {
		lr := lineResponse{LoanID: l.Line.LoanID, CopyID: l.Line.CopyID, OK: l.Err == nil, Loan: l.Loan, Fine: l.Fine}
		if l.Err != nil {
			body := bodyFor(l.Err)
			lr.Error = &body
		}
		resp.Lines = append(resp.Lines, lr)
	}

	failed := result.Failed()
	status := http.StatusOK
	switch {
	case len(failed) == 0:
	case len(failed) < len(result.Lines):
		status = http.StatusMultiStatus
	default:
		status = statusFor(failed[0].Err)
		if status >= http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "return failed", "error", failed[0].Err.Error())
		}
	}
	writeJSON(w, status, resp)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err.Error(),
		)
	}
	if errs.IsRetryable(err) && status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, bodyFor(err))
}

func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.Validation:
		return http.StatusBadRequest
	case errs.Conflict:
		if isNotFound(err) {
			return http.StatusNotFound
		}
		return http.StatusConflict
	case errs.Eligibility:
		return http.StatusForbidden
	case errs.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func isNotFound(err error) bool {
	for _, target := range []error{errs.ErrLoanNotFound, errs.ErrCopyNotFound, errs.ErrTicketNotFound, errs.ErrFineNotFound} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func bodyFor(err error) errorBody {
	body := errorBody{Error: errs.CodeOf(err), Message: err.Error()}
	var ee *errs.EligibilityError
	if errors.As(err, &ee) {
		body.Reason = ee.Reason
	}
	if errs.KindOf(err) == errs.Internal {
		body.Message = "internal error"
	}
	return body
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed_request", Message: "invalid " + param})
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
