/*
handlers.go - HTTP API handlers for the affiliate engine

PURPOSE:
  Exposes the ledger, referral graph, commission engine and monthly reset
  over REST. Handles HTTP request/response and JSON serialization, and
  delegates everything else to the affiliate package.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                   Register an affiliate
    GET    /api/accounts/{id}              Accruals, rank and referral code
    PUT    /api/accounts/{id}/parent       Move under another referrer
    GET    /api/accounts/{id}/ledger       Paged entry history
    GET    /api/accounts/{id}/tree         Referral subtree
    GET    /api/accounts/{id}/snapshots    Closed-month snapshots
    GET    /api/accounts/{id}/reconcile    Recompute and compare accruals
    GET    /api/referral-codes/{code}      Owner of a referral code

  Events:
    POST   /api/events/sales               SaleCompleted
    POST   /api/events/reversals           SaleReversed
    POST   /api/events/purchases           PurchaseCompleted

  Admin:
    POST   /api/admin/reset                Close the previous month now
    GET    /api/tables                     Rate tables in use

EVENT IDS:
  The event id is the idempotency root of every entry an event writes.
  A request without one gets a fresh UUID, which is echoed back; clients
  that may retry must send their own.

ERROR HANDLING:
  Errors are returned as JSON with an HTTP status chosen by category:
  - 400: Validation errors, invalid input
  - 404: Account, node or referral code not found
  - 409: Conflict (duplicate registration, referral cycle)
  - 503: Storage contention outlasted the retry budget
  - 500: Consistency violations and internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/warp/affiliate-engine/affiliate"
	"github.com/warp/affiliate-engine/factory"
)

const (
	defaultLedgerLimit = 100
	maxLedgerLimit     = 1000
	defaultTreeDepth   = 3
	maxTreeDepth       = 10
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds the dependencies of every endpoint.
type Handler struct {
	Ledger *affiliate.Ledger
	Graph  *affiliate.ReferralGraph
	Engine *affiliate.CommissionEngine
	Store  affiliate.Store
	Reset  *affiliate.ResetScheduler
	Log    *slog.Logger
}

// NewHandler creates a handler. log may be nil.
func NewHandler(
	ledger *affiliate.Ledger,
	graph *affiliate.ReferralGraph,
	engine *affiliate.CommissionEngine,
	store affiliate.Store,
	reset *affiliate.ResetScheduler,
	log *slog.Logger,
) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		Ledger: ledger,
		Graph:  graph,
		Engine: engine,
		Store:  store,
		Reset:  reset,
		Log:    log,
	}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// CreateAccount registers an affiliate, resolving referrer_code to its parent.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	class := affiliate.AccountClass(strings.ToUpper(req.Class))
	if class == "" {
		class = affiliate.ClassBasic
	}
	if class != affiliate.ClassBasic && class != affiliate.ClassPremium {
		writeError(w, http.StatusBadRequest, "class must be BASIC or PREMIUM", nil)
		return
	}

	node, err := h.Graph.Register(r.Context(), affiliate.RegisterInput{
		AccountID:    affiliate.AccountID(req.AccountID),
		Class:        class,
		ReferrerCode: req.ReferrerCode,
	})
	if err != nil {
		h.fail(w, r, "failed to register account", err)
		return
	}

	acct, err := h.Store.GetAccount(r.Context(), node.AccountID)
	if err != nil {
		h.fail(w, r, "failed to load account", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(acct, &node))
}

// GetAccount returns one account with its referral position.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := accountIDParam(w, r)
	if !ok {
		return
	}

	acct, err := h.Store.GetAccount(r.Context(), id)
	if err != nil {
		h.fail(w, r, "failed to get account", err)
		return
	}

	var node *affiliate.ReferralNode
	if n, err := h.Graph.Node(r.Context(), id); err == nil {
		node = &n
	} else if !affiliate.IsNotFound(err) {
		h.fail(w, r, "failed to get referral node", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct, node))
}

// ReparentRequest names the new referrer; an empty code detaches the account.
type ReparentRequest struct {
	ReferrerCode string `json:"referrer_code"`
}

// Reparent moves an account under the owner of referrer_code.
func (h *Handler) Reparent(w http.ResponseWriter, r *http.Request) {
	id, ok := accountIDParam(w, r)
	if !ok {
		return
	}
	var req ReparentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := h.Graph.Reparent(r.Context(), id, req.ReferrerCode); err != nil {
		h.fail(w, r, "failed to move account", err)
		return
	}

	node, err := h.Graph.Node(r.Context(), id)
	if err != nil {
		h.fail(w, r, "failed to get referral node", err)
		return
	}
	acct, err := h.Store.GetAccount(r.Context(), id)
	if err != nil {
		h.fail(w, r, "failed to get account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct, &node))
}

// ResolveReferralCode returns the account that owns a referral code.
func (h *Handler) ResolveReferralCode(w http.ResponseWriter, r *http.Request) {
	node, err := h.Graph.ResolveCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, r, "failed to resolve referral code", err)
		return
	}
	writeJSON(w, http.StatusOK, toReferralCodeDTO(node))
}

// GetLedger returns one page of entries ordered by (created_at, id).
//
// Query parameters:
//   - from, to: RFC3339 bounds, from inclusive and to exclusive
//   - period: YYYY-MM, shorthand for that month's from/to
//   - kind: comma-separated kinds (SALE,BONUS,...)
//   - limit: page size, default 100, at most 1000
//   - after: next_cursor from the previous page
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := accountIDParam(w, r)
	if !ok {
		return
	}
	if _, err := h.Store.GetAccount(r.Context(), id); err != nil {
		h.fail(w, r, "failed to get account", err)
		return
	}

	q := affiliate.EntryQuery{AccountID: id, Limit: defaultLedgerLimit}
	var err error
	if q.From, err = timeParam(r, "from"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid from", err)
		return
	}
	if q.To, err = timeParam(r, "to"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid to", err)
		return
	}
	if s := r.URL.Query().Get("period"); s != "" {
		if q.From != nil || q.To != nil {
			writeError(w, http.StatusBadRequest, "period cannot be combined with from/to", nil)
			return
		}
		p, err := affiliate.ParsePeriod(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid period", err)
			return
		}
		start, end := p.Start(), p.End()
		q.From, q.To = &start, &end
	}
	if s := r.URL.Query().Get("kind"); s != "" {
		for _, k := range strings.Split(s, ",") {
			kind := affiliate.Kind(strings.ToUpper(strings.TrimSpace(k)))
			if !kind.Valid() {
				writeError(w, http.StatusBadRequest, "invalid kind", fmt.Errorf("unknown kind %q", k))
				return
			}
			q.Kinds = append(q.Kinds, kind)
		}
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		q.Limit = min(n, maxLedgerLimit)
	}
	if s := r.URL.Query().Get("after"); s != "" {
		c, err := parseCursor(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after cursor", err)
			return
		}
		q.After = &c
	}

	// One extra row tells us whether another page exists.
	limit := q.Limit
	q.Limit++
	entries, err := h.Store.ListEntries(r.Context(), q)
	if err != nil {
		h.fail(w, r, "failed to list entries", err)
		return
	}

	page := LedgerPageDTO{AccountID: int64(id), Entries: make([]LedgerEntryDTO, 0, min(len(entries), limit))}
	if len(entries) > limit {
		entries = entries[:limit]
		last := entries[len(entries)-1]
		page.NextCursor = formatCursor(affiliate.EntryCursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	for _, e := range entries {
		page.Entries = append(page.Entries, toEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, page)
}

// GetTree renders the referral subtree rooted at the account.
func (h *Handler) GetTree(w http.ResponseWriter, r *http.Request) {
	id, ok := accountIDParam(w, r)
	if !ok {
		return
	}
	depth := defaultTreeDepth
	if s := r.URL.Query().Get("depth"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 || n > maxTreeDepth {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("depth must be between 0 and %d", maxTreeDepth), err)
			return
		}
		depth = n
	}

	tree, err := h.Graph.Tree(r.Context(), id, depth)
	if err != nil {
		h.fail(w, r, "failed to build referral tree", err)
		return
	}
	writeJSON(w, http.StatusOK, toTreeDTO(tree))
}

// ListSnapshots returns the account's closed months, oldest first.
func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	id, ok := accountIDParam(w, r)
	if !ok {
		return
	}
	if _, err := h.Store.GetAccount(r.Context(), id); err != nil {
		h.fail(w, r, "failed to get account", err)
		return
	}

	snaps, err := h.Store.ListSnapshots(r.Context(), id)
	if err != nil {
		h.fail(w, r, "failed to list snapshots", err)
		return
	}
	dtos := make([]SnapshotDTO, 0, len(snaps))
	for _, s := range snaps {
		dtos = append(dtos, toSnapshotDTO(s))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Reconcile checks the stored accruals against the ledger. A mismatch is
// reported in the body with ok=false, not as an HTTP error.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := accountIDParam(w, r)
	if !ok {
		return
	}

	consistent, err := h.Ledger.Reconcile(r.Context(), id)
	var violation *affiliate.ConsistencyViolationError
	if err != nil && !errors.As(err, &violation) {
		h.fail(w, r, "failed to reconcile account", err)
		return
	}

	dto := ReconcileDTO{AccountID: int64(id), OK: consistent}
	if violation != nil {
		dto.Violation = violation.Error()
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

func (h *Handler) SaleCompleted(w http.ResponseWriter, r *http.Request) {
	h.handleSale(w, r, h.Engine.OnSaleCompleted)
}

func (h *Handler) SaleReversed(w http.ResponseWriter, r *http.Request) {
	h.handleSale(w, r, h.Engine.OnSaleReversed)
}

func (h *Handler) handleSale(w http.ResponseWriter, r *http.Request, apply func(context.Context, affiliate.SaleEvent) (*affiliate.SaleResult, error)) {
	req, ok := decodeEvent(w, r)
	if !ok {
		return
	}
	res, err := apply(r.Context(), affiliate.SaleEvent{
		EventID:   req.EventID,
		AccountID: affiliate.AccountID(req.AccountID),
		Amount:    req.Amount,
	})
	if err != nil {
		h.fail(w, r, "failed to process sale event", err)
		return
	}
	writeJSON(w, http.StatusOK, toEventResultDTO(req.EventID, res))
}

func (h *Handler) PurchaseCompleted(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeEvent(w, r)
	if !ok {
		return
	}
	res, err := h.Engine.OnPurchaseCompleted(r.Context(), affiliate.PurchaseEvent{
		EventID:   req.EventID,
		AccountID: affiliate.AccountID(req.AccountID),
		Amount:    req.Amount,
	})
	if err != nil {
		h.fail(w, r, "failed to process purchase event", err)
		return
	}
	writeJSON(w, http.StatusOK, toEventResultDTO(req.EventID, res))
}

func decodeEvent(w http.ResponseWriter, r *http.Request) (EventRequest, bool) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return req, false
	}
	if req.AccountID <= 0 {
		writeError(w, http.StatusBadRequest, "account_id is required", nil)
		return req, false
	}
	if req.EventID == "" {
		req.EventID = uuid.NewString()
	}
	return req, true
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerReset closes the month before "now" (default: server clock), or
// the month named by "period". A run already in progress yields a report
// with skipped=true; a month closed before yields already_closed=true.
func (h *Handler) TriggerReset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	now := h.Ledger.Now()
	if req.Now != "" {
		t, err := time.Parse(time.RFC3339, req.Now)
		if err != nil {
			writeError(w, http.StatusBadRequest, "now must be RFC3339", err)
			return
		}
		now = t.UTC()
	}
	if req.Period != "" {
		if req.Now != "" {
			writeError(w, http.StatusBadRequest, "give either now or period", nil)
			return
		}
		p, err := affiliate.ParsePeriod(req.Period)
		if err != nil {
			writeError(w, http.StatusBadRequest, "period must be YYYY-MM", err)
			return
		}
		now = p.Next().Start()
	}

	report, err := h.Reset.RunMonthlyReset(r.Context(), now)
	if err != nil {
		h.fail(w, r, "monthly reset failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toResetReportDTO(report))
}

// GetTables returns the rate tables the engine runs with.
func (h *Handler) GetTables(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, factory.ToJSON(h.Engine.Tables()))
}

// Health reports whether storage answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "storage unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail writes err with the status of its category. Server-side failures
// are logged; client mistakes are not.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Log.ErrorContext(r.Context(), message, "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case affiliate.IsClientError(err):
		return http.StatusBadRequest
	case affiliate.IsNotFound(err):
		return http.StatusNotFound
	case affiliate.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, affiliate.ErrTransient), errors.Is(err, affiliate.ErrTransientExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func accountIDParam(w http.ResponseWriter, r *http.Request) (affiliate.AccountID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid account id", fmt.Errorf("%q is not a positive integer", raw))
		return 0, false
	}
	return affiliate.AccountID(id), true
}

func timeParam(r *http.Request, name string) (*time.Time, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

// Cursors are "<created_at unix nanos>-<entry id>".
func formatCursor(c affiliate.EntryCursor) string {
	return strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "-" + strconv.FormatInt(int64(c.ID), 10)
}

func parseCursor(s string) (affiliate.EntryCursor, error) {
	nanos, id, ok := strings.Cut(s, "-")
	if !ok {
		return affiliate.EntryCursor{}, fmt.Errorf("malformed cursor %q", s)
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return affiliate.EntryCursor{}, fmt.Errorf("malformed cursor %q: %w", s, err)
	}
	i, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return affiliate.EntryCursor{}, fmt.Errorf("malformed cursor %q: %w", s, err)
	}
	return affiliate.EntryCursor{CreatedAt: time.Unix(0, n).UTC(), ID: affiliate.EntryID(i)}, nil
}
