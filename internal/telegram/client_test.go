package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-telegram/bot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starboard-app/starboard/internal/circuitbreaker"
	"github.com/starboard-app/starboard/internal/purchase"
)

// fakeBotAPI answers the handful of Bot API methods the client calls.
type fakeBotAPI struct {
	mu    sync.Mutex
	calls map[string][]map[string]string
	fail  bool
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]

	if err := r.ParseMultipartForm(1 << 20); err != nil {
		_ = r.ParseForm()
	}
	fields := map[string]string{}
	for k, v := range r.Form {
		fields[k] = v[0]
	}
	f.mu.Lock()
	f.calls[method] = append(f.calls[method], fields)
	fail := f.fail
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if fail && method != "getMe" {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: CURRENCY_INVALID"}`))
		return
	}
	switch method {
	case "getMe":
		w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Starboard","username":"starboard_bot"}}`))
	case "createInvoiceLink":
		w.Write([]byte(`{"ok":true,"result":"https://t.me/$invoice_abc"}`))
	case "answerPreCheckoutQuery":
		w.Write([]byte(`{"ok":true,"result":true}`))
	default:
		w.Write([]byte(`{"ok":false,"error_code":404,"description":"Not Found"}`))
	}
}

func (f *fakeBotAPI) last(method string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	calls := f.calls[method]
	if len(calls) == 0 {
		return nil
	}
	return calls[len(calls)-1]
}

func newTestClient(t *testing.T) (*Client, *fakeBotAPI) {
	t.Helper()
	api := &fakeBotAPI{calls: map[string][]map[string]string{}}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	c, err := NewClient("123456:TEST", nil, bot.WithServerURL(srv.URL))
	require.NoError(t, err)
	return c, api
}

func TestClient_CreateInvoiceLink(t *testing.T) {
	c, api := newTestClient(t)

	link, err := c.CreateInvoiceLink(context.Background(), purchase.InvoiceRequest{
		Title:       "Random Gift",
		Description: "Gift purchase for 50 Stars.",
		Payload:     `{"amount":50,"user_id":777}`,
		Currency:    "XTR",
		Label:       "50 Stars",
		Amount:      50,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://t.me/$invoice_abc", link)

	sent := api.last("createInvoiceLink")
	require.NotNil(t, sent)
	assert.Equal(t, `{"amount":50,"user_id":777}`, sent["payload"])
	assert.Equal(t, "XTR", sent["currency"])
	assert.Contains(t, sent["prices"], `"amount":50`)
}

func TestClient_CreateInvoiceLinkError(t *testing.T) {
	c, api := newTestClient(t)
	api.fail = true

	_, err := c.CreateInvoiceLink(context.Background(), purchase.InvoiceRequest{
		Payload: "{}", Currency: "XTR", Label: "1 Stars", Amount: 1,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "createInvoiceLink")
}

func TestClient_CreateInvoiceLinkFailsFastWhenOpen(t *testing.T) {
	c, api := newTestClient(t)
	api.fail = true
	req := purchase.InvoiceRequest{Payload: "{}", Currency: "XTR", Label: "1 Stars", Amount: 1}

	for i := 0; i < 5; i++ {
		_, err := c.CreateInvoiceLink(context.Background(), req)
		require.Error(t, err)
	}

	_, err := c.CreateInvoiceLink(context.Background(), req)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Len(t, api.calls["createInvoiceLink"], 5)
}

func TestClient_AnswerPreCheckout(t *testing.T) {
	c, api := newTestClient(t)

	require.NoError(t, c.AnswerPreCheckout(context.Background(), "pcq_1", false, "Wrong currency."))
	sent := api.last("answerPreCheckoutQuery")
	require.NotNil(t, sent)
	assert.Equal(t, "pcq_1", sent["pre_checkout_query_id"])
	assert.Equal(t, "Wrong currency.", sent["error_message"])
}

func TestClient_StartRequiresHandler(t *testing.T) {
	c, _ := newTestClient(t)
	assert.Error(t, c.Start(context.Background()))
}
