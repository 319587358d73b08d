package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"puntoventa/backend/internal/cache"
	"puntoventa/backend/internal/service"
	"puntoventa/backend/internal/store/memory"
)

func newTestAPI(t *testing.T) (*API, http.Handler) {
	t.Helper()
	t.Setenv("SEED_ADMIN_PASSWORD", "admin-secret")
	t.Setenv("SEED_CASHIER_PASSWORD", "cashier-secret")

	repo := memory.New()
	svc := service.New(repo, cache.NoopSummaryCache{}, time.Second)
	auth := NewAuthManager("test-secret-test-secret-test-secret", time.Hour, repo)
	api := New(svc, auth, "http://127.0.0.1:3000")
	return api, api.Handler()
}

func doJSON(t *testing.T, handler http.Handler, method string, path string, token string, csrf string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, handler http.Handler, username string, password string) string {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", "", map[string]string{
		"username": username,
		"password": password,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return resp.AccessToken
}

func csrfToken(t *testing.T, api *API) string {
	t.Helper()
	return api.generateCSRFToken()
}

func TestHealth(t *testing.T) {
	_, handler := newTestAPI(t)
	rec := doJSON(t, handler, http.MethodGet, "/healthz", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	_, handler := newTestAPI(t)
	rec := doJSON(t, handler, http.MethodGet, "/api/v1/products", "", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	_, handler := newTestAPI(t)
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", "", map[string]string{
		"username": "admin",
		"password": "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestCSRFRequiredOnMutations(t *testing.T) {
	api, handler := newTestAPI(t)
	token := login(t, handler, "admin", "admin-secret")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/products", token, "", map[string]any{
		"folio": "PLY-001", "name": "Playera", "category": "playeras",
		"size": "M", "qty": 3,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 without CSRF token", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/products", token, csrfToken(t, api), map[string]any{
		"folio": "PLY-001", "name": "Playera", "category": "playeras",
		"size": "M", "qty": 3,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestSaleFlowOverHTTP(t *testing.T) {
	api, handler := newTestAPI(t)
	admin := login(t, handler, "admin", "admin-secret")
	cashier := login(t, handler, "cashier", "cashier-secret")
	csrf := csrfToken(t, api)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/products", admin, csrf, map[string]any{
		"folio": "PNT-001", "name": "Pantalón", "category": "pantalones",
		"size": "32", "qty": 5, "unit_price": "450",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create product: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/customers", cashier, csrf, map[string]any{
		"name": "Carmen",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create customer: %d %s", rec.Code, rec.Body.String())
	}
	var customerResp struct {
		Customer struct {
			ID string `json:"id"`
		} `json:"customer"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &customerResp); err != nil {
		t.Fatalf("decode customer: %v", err)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales", cashier, csrf, map[string]any{
		"folio": "PNT-001", "size": "32", "qty": 1, "unit_price": "450",
		"exit_type": "credit", "customer_id": customerResp.Customer.ID,
		"initial_payment": "150",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create sale: %d %s", rec.Code, rec.Body.String())
	}
	var saleResp struct {
		Sale struct {
			ID string `json:"id"`
		} `json:"sale"`
		Outstanding string `json:"outstanding"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &saleResp); err != nil {
		t.Fatalf("decode sale: %v", err)
	}
	if saleResp.Outstanding != "300" {
		t.Fatalf("outstanding = %s, want 300", saleResp.Outstanding)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/payments", cashier, csrf, map[string]any{
		"customer_id": customerResp.Customer.ID, "amount": "300", "sale_id": saleResp.Sale.ID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("payment: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/products/PNT-001", cashier, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("product detail: %d %s", rec.Code, rec.Body.String())
	}
	var detail struct {
		Product struct {
			State string `json:"state"`
		} `json:"product"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.Product.State != "sold" {
		t.Fatalf("state = %s, want sold after full payment", detail.Product.State)
	}
}

func TestCashierBlockedFromAdminRoutes(t *testing.T) {
	api, handler := newTestAPI(t)
	cashier := login(t, handler, "cashier", "cashier-secret")
	csrf := csrfToken(t, api)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/stock-adjustments", cashier, csrf, map[string]any{
		"folio": "PLY-001", "size": "M", "new_qty": 2,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/audit-logs", cashier, "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("audit-logs status = %d, want 403", rec.Code)
	}
}

func TestSentinelStatusMapping(t *testing.T) {
	api, handler := newTestAPI(t)
	admin := login(t, handler, "admin", "admin-secret")
	csrf := csrfToken(t, api)

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/products/NOPE-404", admin, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown folio status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/products", admin, csrf, map[string]any{
		"folio": "DUP-001", "name": "Playera", "category": "playeras", "size": "M", "qty": 1,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/products", admin, csrf, map[string]any{
		"folio": "DUP-001", "name": "Playera", "category": "playeras", "size": "M", "qty": 1,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales", admin, csrf, map[string]any{
		"folio": "DUP-001", "size": "M", "qty": 5, "unit_price": "100", "exit_type": "sale",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("insufficient stock status = %d, want 422", rec.Code)
	}
}

func TestValidationRejectsMissingFields(t *testing.T) {
	api, handler := newTestAPI(t)
	admin := login(t, handler, "admin", "admin-secret")
	csrf := csrfToken(t, api)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/products", admin, csrf, map[string]any{
		"name": "Sin folio", "category": "playeras", "size": "M", "qty": 1,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales", admin, csrf, map[string]any{
		"folio": "X", "size": "M", "qty": 0, "exit_type": "sale",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("qty 0 status = %d, want 400", rec.Code)
	}
}
