package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"cashbook.org/internal/auth"
	"cashbook.org/internal/ledger"
	"cashbook.org/internal/stream"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("CASHBOOK_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	api := New(ReadyProbe{}, "test", ledger.NewInMemory(), ledger.NewInMemoryCustomers(), stream.New())
	api.rateBurst = 1000
	api.ratePerSec = 1000

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) obtainToken(user string, roles []string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"user":  user,
		"roles": roles,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func (c *apiClient) authHeader(roles ...string) map[string]string {
	token := c.obtainToken("demo", roles)
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestAPIAccountEntryTransferFlow(t *testing.T) {
	api := newTestAPI(t)
	hdr := api.authHeader("admin")

	resp := api.post("/v1/accounts", map[string]any{
		"owner":           "front desk",
		"opening_balance": 10000,
	}, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	accA := decode[map[string]any](t, resp)
	idA := accA["id"].(string)
	if accA["current_balance"].(float64) != 10000 {
		t.Fatalf("opening balance not applied: %v", accA["current_balance"])
	}

	resp = api.post("/v1/accounts", map[string]any{
		"owner": "warehouse",
	}, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	accB := decode[map[string]any](t, resp)
	idB := accB["id"].(string)

	// Credit and debit against A.
	resp = api.post("/v1/accounts/"+idA+"/credits", map[string]any{
		"amount":    5000,
		"reference": "float top-up",
	}, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("credit status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/v1/accounts/"+idA+"/debits", map[string]any{
		"amount":    3000,
		"reference": "stationery",
	}, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("debit status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Transfer 2000 from A to B.
	resp = api.post("/v1/transfers", map[string]any{
		"from_id": idA,
		"to_id":   idB,
		"amount":  2000,
	}, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("transfer status: %d", resp.StatusCode)
	}
	tx := decode[map[string]any](t, resp)
	txID := tx["id"].(string)

	resp = api.get("/v1/accounts/"+idA, nil, hdr)
	balA := decode[map[string]any](t, resp)
	if balA["current_balance"].(float64) != 10000 {
		t.Fatalf("unexpected balance for A: %v", balA["current_balance"])
	}
	resp = api.get("/v1/accounts/"+idB, nil, hdr)
	balB := decode[map[string]any](t, resp)
	if balB["current_balance"].(float64) != 2000 {
		t.Fatalf("unexpected balance for B: %v", balB["current_balance"])
	}

	// Mark the transfer as moved, twice.
	for i := 0; i < 2; i++ {
		resp = api.post("/v1/transactions/"+txID+"/moved", nil, hdr)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("mark moved status: %d", resp.StatusCode)
		}
		moved := decode[map[string]any](t, resp)
		if moved["reconciliation_status"] != "moved" {
			t.Fatalf("unexpected reconciliation: %v", moved["reconciliation_status"])
		}
	}

	// List transactions with pagination field.
	resp = api.get("/v1/transactions", url.Values{"limit": []string{"10"}}, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status: %d", resp.StatusCode)
	}
	payload := decode[map[string]any](t, resp)
	if payload["next_after"] == nil {
		t.Fatalf("expected pagination field present")
	}
	items := payload["items"].([]any)
	if len(items) != 3 {
		t.Fatalf("expected 3 transactions, got %d", len(items))
	}
}

func TestAPIRetirementDrainsBalance(t *testing.T) {
	api := newTestAPI(t)
	hdr := api.authHeader("admin")

	resp := api.post("/v1/accounts", map[string]any{
		"owner":           "closing desk",
		"opening_balance": 700,
	}, hdr)
	src := decode[map[string]any](t, resp)
	srcID := src["id"].(string)

	resp = api.post("/v1/accounts", map[string]any{"owner": "main float"}, hdr)
	dst := decode[map[string]any](t, resp)
	dstID := dst["id"].(string)

	// Inspect first: the plan must demand a transfer.
	resp = api.get("/v1/accounts/"+srcID+"/retirement", nil, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("plan status: %d", resp.StatusCode)
	}
	plan := decode[map[string]any](t, resp)
	if plan["requires_transfer"] != true || plan["balance"].(float64) != 700 {
		t.Fatalf("unexpected plan: %v", plan)
	}

	// Completing without a destination must be refused.
	resp = api.post("/v1/accounts/"+srcID+"/retirement", map[string]any{}, hdr)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 without destination, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/v1/accounts/"+srcID+"/retirement", map[string]any{
		"destination_id": dstID,
	}, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retirement status: %d", resp.StatusCode)
	}
	retired := decode[map[string]any](t, resp)
	if retired["status"] != "deleted" || retired["current_balance"].(float64) != 0 {
		t.Fatalf("unexpected retired account: %v", retired)
	}

	resp = api.get("/v1/accounts/"+dstID, nil, hdr)
	after := decode[map[string]any](t, resp)
	if after["current_balance"].(float64) != 700 {
		t.Fatalf("drain lost funds: %v", after["current_balance"])
	}

	// The retired account stays readable.
	resp = api.get("/v1/accounts/"+srcID, nil, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retired account unreadable: %d", resp.StatusCode)
	}
	resp.Body.Close()

	// But rejects new entries.
	resp = api.post("/v1/accounts/"+srcID+"/credits", map[string]any{"amount": 1}, hdr)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on deleted account, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPICustomerFlow(t *testing.T) {
	api := newTestAPI(t)
	hdr := api.authHeader("admin")

	resp := api.post("/v1/customers", map[string]any{"name": "Acme Traders"}, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("customer status: %d", resp.StatusCode)
	}
	cust := decode[map[string]any](t, resp)
	custID := cust["id"].(string)

	resp = api.post("/v1/customers/"+custID+"/credits", map[string]any{
		"amount":       900,
		"collected_by": "staff-1",
		"invoice_id":   "inv-42",
	}, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("credit status: %d", resp.StatusCode)
	}
	tx := decode[map[string]any](t, resp)
	txID := tx["id"].(string)

	// Invoice-backed transactions are read only.
	resp = api.do(http.MethodPatch, "/v1/customer-transactions/"+txID, map[string]any{
		"amount": 100,
	}, hdr)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for invoice-backed edit, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// A plain entry can be edited and outstanding follows.
	resp = api.post("/v1/customers/"+custID+"/credits", map[string]any{
		"amount": 500,
	}, hdr)
	tx2 := decode[map[string]any](t, resp)
	tx2ID := tx2["id"].(string)

	resp = api.do(http.MethodPatch, "/v1/customer-transactions/"+tx2ID, map[string]any{
		"amount": 300,
	}, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("edit status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.get("/v1/customers/"+custID, nil, hdr)
	after := decode[map[string]any](t, resp)
	if after["outstanding_amount"].(float64) != 1200 {
		t.Fatalf("unexpected outstanding: %v", after["outstanding_amount"])
	}

	resp = api.post("/v1/customer-transactions/"+tx2ID+"/moved", nil, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mark moved status: %d", resp.StatusCode)
	}
	moved := decode[map[string]any](t, resp)
	if moved["reconciliation_status"] != "moved" {
		t.Fatalf("unexpected reconciliation: %v", moved["reconciliation_status"])
	}

	resp = api.get("/v1/customer-transactions", url.Values{"customer_id": []string{custID}}, hdr)
	list := decode[map[string]any](t, resp)
	if len(list["items"].([]any)) != 2 {
		t.Fatalf("unexpected transaction count: %v", list["items"])
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/accounts", map[string]any{
		"owner": "front desk",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var errBody map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["error"] == "" {
		t.Fatalf("expected error message")
	}
}

func TestAPIPermissionBoundaries(t *testing.T) {
	api := newTestAPI(t)
	admin := api.authHeader("admin")
	cashier := api.authHeader("cashier")
	finance := api.authHeader("finance")

	resp := api.post("/v1/accounts", map[string]any{
		"owner":           "front desk",
		"opening_balance": 100,
	}, admin)
	acc := decode[map[string]any](t, resp)
	accID := acc["id"].(string)

	// Cashiers record entries but cannot create accounts or mark moved.
	resp = api.post("/v1/accounts", map[string]any{"owner": "x"}, cashier)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier account create, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/v1/accounts/"+accID+"/credits", map[string]any{"amount": 50}, cashier)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("cashier credit status: %d", resp.StatusCode)
	}
	tx := decode[map[string]any](t, resp)
	txID := tx["id"].(string)

	resp = api.post("/v1/transactions/"+txID+"/moved", nil, cashier)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier mark moved, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Finance marks moved but cannot record entries.
	resp = api.post("/v1/transactions/"+txID+"/moved", nil, finance)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("finance mark moved status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/v1/accounts/"+accID+"/debits", map[string]any{"amount": 10}, finance)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for finance debit, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestTokenEndpointValidation(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/token", map[string]any{"user": ""}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
