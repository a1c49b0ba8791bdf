package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"cashbook.org/internal/audit"
	"cashbook.org/internal/auth"
	"cashbook.org/internal/ledger"
	"cashbook.org/internal/obs"
)

type createCustomerRequest struct {
	Name string `json:"name"`
}

type customerEntryRequest struct {
	Amount      int64     `json:"amount"`
	PaymentMode string    `json:"payment_mode"`
	CollectedBy string    `json:"collected_by"`
	Date        time.Time `json:"date"`
	Note        string    `json:"note"`
	InvoiceID   string    `json:"invoice_id"`
}

type listCustomerTransactionsResponse struct {
	Items     []ledger.CustomerTransaction `json:"items"`
	NextAfter uint64                       `json:"next_after"`
	AsOf      time.Time                    `json:"as_of"`
}

func (a *API) handleCustomersCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createCustomer(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleCustomerResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/customers/")
	id, action, hasAction := strings.Cut(path, "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "customer not found")
		return
	}

	if !hasAction {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getCustomer(w, r, id)
		return
	}

	switch action {
	case "credits":
		a.recordCustomerEntry(w, r, id, ledger.TypeCredit)
	case "debits":
		a.recordCustomerEntry(w, r, id, ledger.TypeDebit)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleCustomerTransactions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listCustomerTransactions(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) handleCustomerTransactionResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/customer-transactions/")
	id, action, hasAction := strings.Cut(path, "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if !hasAction {
		if r.Method != http.MethodPatch {
			methodNotAllowed(w, r, http.MethodPatch)
			return
		}
		a.updateCustomerTransaction(w, r, id)
		return
	}

	if action != "moved" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	a.markCustomerMoved(w, r, id)
}

func (a *API) createCustomer(w http.ResponseWriter, r *http.Request) {
	if err := a.requirePermission(r.Context(), auth.PermCustomerManage); err != nil {
		handleAuthError(w, r, err)
		return
	}
	var req createCustomerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}

	c, err := a.customers.CreateCustomer(r.Context(), name)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "customer.create", map[string]any{
		"customer_id": c.ID,
		"name":        name,
	})
	w.Header().Set("Location", "/v1/customers/"+c.ID)
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) getCustomer(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.requirePermission(r.Context(), auth.PermLedgerRead); err != nil {
		handleAuthError(w, r, err)
		return
	}
	c, err := a.customers.GetCustomer(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) recordCustomerEntry(w http.ResponseWriter, r *http.Request, id string, t ledger.TransactionType) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := a.requirePermission(r.Context(), auth.PermEntryRecord); err != nil {
		handleAuthError(w, r, err)
		return
	}
	var req customerEntryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Amount <= 0 {
		writeError(w, r, http.StatusBadRequest, "amount must be > 0")
		return
	}

	entry := ledger.CustomerEntry{
		Amount:      req.Amount,
		PaymentMode: strings.TrimSpace(req.PaymentMode),
		CollectedBy: strings.TrimSpace(req.CollectedBy),
		Date:        req.Date,
		Note:        req.Note,
		InvoiceID:   strings.TrimSpace(req.InvoiceID),
	}

	var (
		tx  ledger.CustomerTransaction
		err error
	)
	if t == ledger.TypeCredit {
		tx, err = a.customers.RecordCustomerCredit(r.Context(), id, entry)
	} else {
		tx, err = a.customers.RecordCustomerDebit(r.Context(), id, entry)
	}
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	obs.ObserveTransaction("customer_" + string(t))
	_ = audit.LogEvent(r.Context(), "customer.entry.record", map[string]any{
		"transaction_id": tx.ID,
		"customer_id":    id,
		"type":           string(t),
		"amount":         strconv.FormatInt(req.Amount, 10),
	})
	writeJSON(w, http.StatusCreated, tx)
}

func (a *API) updateCustomerTransaction(w http.ResponseWriter, r *http.Request, txID string) {
	if err := a.requirePermission(r.Context(), auth.PermCustomerManage); err != nil {
		handleAuthError(w, r, err)
		return
	}
	var upd ledger.CustomerTransactionUpdate
	if err := decodeJSON(w, r, &upd); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if upd.Amount == nil && upd.Note == nil {
		writeError(w, r, http.StatusBadRequest, "nothing to update")
		return
	}

	tx, err := a.customers.UpdateCustomerTransaction(r.Context(), txID, upd)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "customer.entry.update", map[string]any{
		"transaction_id": tx.ID,
	})
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) markCustomerMoved(w http.ResponseWriter, r *http.Request, txID string) {
	if err := a.requirePermission(r.Context(), auth.PermMarkMoved); err != nil {
		handleAuthError(w, r, err)
		return
	}
	tx, err := a.customers.MarkCustomerMoved(r.Context(), txID)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "customer.reconciliation.mark_moved", map[string]any{
		"transaction_id": tx.ID,
	})
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) listCustomerTransactions(w http.ResponseWriter, r *http.Request) {
	if err := a.requirePermission(r.Context(), auth.PermLedgerRead); err != nil {
		handleAuthError(w, r, err)
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	after, err := parseAfter(r.URL.Query().Get("after"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	q := r.URL.Query()
	filter := ledger.CustomerFilter{
		CustomerID:     strings.TrimSpace(q.Get("customer_id")),
		Type:           ledger.TransactionType(strings.TrimSpace(q.Get("type"))),
		Reconciliation: ledger.ReconciliationStatus(strings.TrimSpace(q.Get("reconciliation"))),
	}
	if filter.DateFrom, err = parseDate(q.Get("date_from")); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if filter.DateTo, err = parseDate(q.Get("date_to")); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	items, next, err := a.customers.ListCustomerTransactions(r.Context(), filter, limit, after)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, listCustomerTransactionsResponse{
		Items:     items,
		NextAfter: next,
		AsOf:      time.Now().UTC(),
	})
}
