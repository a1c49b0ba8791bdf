package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cashbook.org/internal/audit"
	"cashbook.org/internal/auth"
	"cashbook.org/internal/ledger"
	"cashbook.org/internal/obs"
	"cashbook.org/internal/stream"
)

type createAccountRequest struct {
	Owner           string `json:"owner"`
	OpeningBalance  int64  `json:"opening_balance"`
	AcceptsIncoming *bool  `json:"accepts_incoming"`
}

type entryRequest struct {
	Amount    int64     `json:"amount"`
	Date      time.Time `json:"date"`
	Reference string    `json:"reference"`
}

type transferRequest struct {
	FromID    string    `json:"from_id"`
	ToID      string    `json:"to_id"`
	Amount    int64     `json:"amount"`
	Date      time.Time `json:"date"`
	Reference string    `json:"reference"`
}

type retirementRequest struct {
	DestinationID string `json:"destination_id"`
}

type listTransactionsResponse struct {
	Items     []ledger.Transaction `json:"items"`
	NextAfter uint64               `json:"next_after"`
	AsOf      time.Time            `json:"as_of"`
}

func (a *API) handleAccountsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createAccount(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleAccountResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/accounts/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	id, action, hasAction := strings.Cut(path, "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "account not found")
		return
	}

	if !hasAction {
		switch r.Method {
		case http.MethodGet:
			a.getAccount(w, r, id)
		case http.MethodPatch:
			a.updateAccountConfig(w, r, id)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPatch)
		}
		return
	}

	switch action {
	case "credits":
		a.recordEntry(w, r, id, ledger.TypeCredit)
	case "debits":
		a.recordEntry(w, r, id, ledger.TypeDebit)
	case "retirement":
		a.handleRetirement(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleTransfers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.transfer(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleTransactions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listTransactions(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) handleTransactionResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/transactions/")
	id, action, hasAction := strings.Cut(path, "/")
	if id == "" || !hasAction || action != "moved" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	a.markMoved(w, r, id)
}

func (a *API) createAccount(w http.ResponseWriter, r *http.Request) {
	if err := a.requirePermission(r.Context(), auth.PermAccountManage); err != nil {
		handleAuthError(w, r, err)
		return
	}
	var req createAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	owner := strings.TrimSpace(req.Owner)
	if owner == "" {
		writeError(w, r, http.StatusBadRequest, "owner is required")
		return
	}
	accepts := true
	if req.AcceptsIncoming != nil {
		accepts = *req.AcceptsIncoming
	}

	acc, err := a.ledger.CreateAccount(r.Context(), owner, req.OpeningBalance, accepts)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "ledger.account.create", map[string]any{
		"account_id":      acc.ID,
		"owner":           owner,
		"opening_balance": strconv.FormatInt(req.OpeningBalance, 10),
	})

	w.Header().Set("Location", "/v1/accounts/"+acc.ID)
	writeJSON(w, http.StatusCreated, acc)
}

func (a *API) getAccount(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.requirePermission(r.Context(), auth.PermLedgerRead); err != nil {
		handleAuthError(w, r, err)
		return
	}
	acc, err := a.ledger.GetAccount(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) updateAccountConfig(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.requirePermission(r.Context(), auth.PermAccountManage); err != nil {
		handleAuthError(w, r, err)
		return
	}
	var cfg ledger.AccountConfig
	if err := decodeJSON(w, r, &cfg); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if cfg.OpeningBalance == nil && cfg.AcceptsIncoming == nil {
		writeError(w, r, http.StatusBadRequest, "nothing to update")
		return
	}

	acc, err := a.ledger.UpdateAccountConfig(r.Context(), id, cfg)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "ledger.account.configure", map[string]any{
		"account_id": acc.ID,
	})
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) recordEntry(w http.ResponseWriter, r *http.Request, id string, t ledger.TransactionType) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := a.requirePermission(r.Context(), auth.PermEntryRecord); err != nil {
		handleAuthError(w, r, err)
		return
	}
	var req entryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Amount <= 0 {
		writeError(w, r, http.StatusBadRequest, "amount must be > 0")
		return
	}

	var (
		tx  ledger.Transaction
		err error
	)
	if t == ledger.TypeCredit {
		tx, err = a.ledger.RecordCredit(r.Context(), id, req.Amount, req.Date, req.Reference)
	} else {
		tx, err = a.ledger.RecordDebit(r.Context(), id, req.Amount, req.Date, req.Reference)
	}
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	obs.ObserveTransaction(string(t))
	a.publishEvent(tx)
	_ = audit.LogEvent(r.Context(), "ledger.entry.record", map[string]any{
		"transaction_id": tx.ID,
		"account_id":     id,
		"type":           string(t),
		"amount":         strconv.FormatInt(req.Amount, 10),
	})
	writeJSON(w, http.StatusCreated, tx)
}

func (a *API) transfer(w http.ResponseWriter, r *http.Request) {
	if err := a.requirePermission(r.Context(), auth.PermTransfer); err != nil {
		handleAuthError(w, r, err)
		return
	}
	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	fromID := strings.TrimSpace(req.FromID)
	toID := strings.TrimSpace(req.ToID)
	if fromID == "" || toID == "" {
		writeError(w, r, http.StatusBadRequest, "from_id and to_id are required")
		return
	}
	if req.Amount <= 0 {
		writeError(w, r, http.StatusBadRequest, "amount must be > 0")
		return
	}

	tx, err := a.ledger.Transfer(r.Context(), fromID, toID, req.Amount, req.Date, req.Reference)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	obs.ObserveTransaction(string(ledger.TypeTransfer))
	a.publishEvent(tx)
	_ = audit.LogEvent(r.Context(), "ledger.transfer.execute", map[string]any{
		"transaction_id": tx.ID,
		"from_account":   fromID,
		"to_account":     toID,
		"amount":         strconv.FormatInt(req.Amount, 10),
	})
	writeJSON(w, http.StatusCreated, tx)
}

func (a *API) handleRetirement(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.requirePermission(r.Context(), auth.PermAccountRetire); err != nil {
		handleAuthError(w, r, err)
		return
	}
	switch r.Method {
	case http.MethodGet:
		plan, err := a.ledger.BeginRetirement(r.Context(), id)
		if err != nil {
			handleLedgerError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, plan)
	case http.MethodPost:
		var req retirementRequest
		if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		acc, err := a.ledger.CompleteRetirement(r.Context(), id, strings.TrimSpace(req.DestinationID))
		if err != nil {
			handleLedgerError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "ledger.account.retire", map[string]any{
			"account_id":  acc.ID,
			"destination": req.DestinationID,
		})
		writeJSON(w, http.StatusOK, acc)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) markMoved(w http.ResponseWriter, r *http.Request, txID string) {
	if err := a.requirePermission(r.Context(), auth.PermMarkMoved); err != nil {
		handleAuthError(w, r, err)
		return
	}
	tx, err := a.ledger.MarkMoved(r.Context(), txID)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "ledger.reconciliation.mark_moved", map[string]any{
		"transaction_id": tx.ID,
	})
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) listTransactions(w http.ResponseWriter, r *http.Request) {
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
	filter, err := transactionFilterFromQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	items, next, err := a.ledger.ListTransactions(r.Context(), filter, limit, after)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, listTransactionsResponse{
		Items:     items,
		NextAfter: next,
		AsOf:      time.Now().UTC(),
	})
}

func (a *API) publishEvent(tx ledger.Transaction) {
	if a.stream == nil {
		return
	}
	a.stream.Publish(stream.LedgerEvent{
		Type:          string(tx.Type),
		FromAccountID: tx.FromAccountID,
		ToAccountID:   tx.ToAccountID,
		Amount:        tx.Amount,
		Timestamp:     time.Now().UTC(),
	})
}

func transactionFilterFromQuery(r *http.Request) (ledger.TransactionFilter, error) {
	q := r.URL.Query()
	filter := ledger.TransactionFilter{
		AccountID:      strings.TrimSpace(q.Get("account_id")),
		Type:           ledger.TransactionType(strings.TrimSpace(q.Get("type"))),
		Reconciliation: ledger.ReconciliationStatus(strings.TrimSpace(q.Get("reconciliation"))),
	}
	var err error
	if filter.DateFrom, err = parseDate(q.Get("date_from")); err != nil {
		return filter, err
	}
	if filter.DateTo, err = parseDate(q.Get("date_to")); err != nil {
		return filter, err
	}
	return filter, nil
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, errors.New("dates must be RFC3339 or YYYY-MM-DD")
	}
	return t, nil
}

func parseAfter(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.New("after must be a non-negative integer")
	}
	return v, nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

var errEmptyBody = errors.New("request body is required")

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidOpeningBalance),
		errors.Is(err, ledger.ErrInvalidOwner),
		errors.Is(err, ledger.ErrSameAccount):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		obs.ObserveFailure("insufficient_funds")
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrDestinationNotAccepting):
		obs.ObserveFailure("destination_not_accepting")
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrNonZeroBalance):
		obs.ObserveFailure("non_zero_balance")
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrAccountDeleted):
		obs.ObserveFailure("account_deleted")
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrOpeningBalanceLocked):
		obs.ObserveFailure("opening_balance_locked")
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrLinkedToOrder):
		obs.ObserveFailure("linked_to_order")
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
