package purchase

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/starboard-app/starboard/internal/initdata"
)

func setupHandlerTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := newFixture(t)
	handler := NewHandler(f.svc, slog.Default())

	r := gin.New()
	handler.RegisterRoutes(r.Group("/api"))
	return r, f
}

func doInvoice(r *gin.Engine, method, target, body, initData string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if initData != "" {
		req.Header.Set(initdata.HeaderName, initData)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// GET/POST /api/invoice
// ---------------------------------------------------------------------------

func TestHandler_CreateInvoice_GET_200(t *testing.T) {
	router, f := setupHandlerTestRouter(t)

	w := doInvoice(router, "GET", "/api/invoice?amount=25", "", f.initData(`{"id":777}`))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		InvoiceLink string `json:"invoice_link"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.InvoiceLink == "" {
		t.Error("Expected non-empty invoice link")
	}
	if got := f.issuer.requests[0].Payload; got != `{"amount":25,"user_id":777}` {
		t.Errorf("Expected payload bound to caller, got %s", got)
	}
}

func TestHandler_CreateInvoice_POST_200(t *testing.T) {
	router, f := setupHandlerTestRouter(t)

	w := doInvoice(router, "POST", "/api/invoice", `{"amount":100}`, f.initData(`{"id":5}`))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(f.issuer.requests) != 1 || f.issuer.requests[0].Amount != 100 {
		t.Errorf("Expected one invoice for 100, got %+v", f.issuer.requests)
	}
}

func TestHandler_CreateInvoice_401(t *testing.T) {
	router, f := setupHandlerTestRouter(t)

	cases := map[string]string{
		"missing":  "",
		"tampered": strings.Replace(f.initData(`{"id":777}`), "%3A777", "%3A778", 1),
	}
	for name, initData := range cases {
		t.Run(name, func(t *testing.T) {
			w := doInvoice(router, "GET", "/api/invoice?amount=25", "", initData)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("Expected 401, got %d: %s", w.Code, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), "invalid_init_data") {
				t.Errorf("Expected invalid_init_data, got %s", w.Body.String())
			}
		})
	}
	if len(f.issuer.requests) != 0 {
		t.Errorf("Expected no provider calls, got %d", len(f.issuer.requests))
	}
}

func TestHandler_CreateInvoice_400(t *testing.T) {
	router, f := setupHandlerTestRouter(t)
	initData := f.initData(`{"id":777}`)

	cases := []struct {
		name, method, target, body string
	}{
		{"not offered", "GET", "/api/invoice?amount=60", ""},
		{"not a number", "GET", "/api/invoice?amount=abc", ""},
		{"missing", "GET", "/api/invoice", ""},
		{"string in body", "POST", "/api/invoice", `{"amount":"50"}`},
		{"float in body", "POST", "/api/invoice", `{"amount":50.0}`},
		{"bad json", "POST", "/api/invoice", `{"amount":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doInvoice(router, tc.method, tc.target, tc.body, initData)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("Expected 400, got %d: %s", w.Code, w.Body.String())
			}
			var resp struct {
				Error   string  `json:"error"`
				Allowed []int64 `json:"allowed"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Failed to parse response: %v", err)
			}
			if resp.Error != "invalid_amount" {
				t.Errorf("Expected invalid_amount, got %s", resp.Error)
			}
			if len(resp.Allowed) != 3 {
				t.Errorf("Expected allowed amounts, got %v", resp.Allowed)
			}
		})
	}
}

func TestHandler_CreateInvoice_502(t *testing.T) {
	router, f := setupHandlerTestRouter(t)
	f.issuer.err = errors.New("telegram: 400 Bad Request")

	w := doInvoice(router, "GET", "/api/invoice?amount=50", "", f.initData(`{"id":777}`))
	if w.Code != http.StatusBadGateway {
		t.Fatalf("Expected 502, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "invoice_creation_failed") {
		t.Errorf("Expected invoice_creation_failed, got %s", w.Body.String())
	}
}
