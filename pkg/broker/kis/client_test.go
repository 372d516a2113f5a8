package kis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/naegeon/kis-trading-sub000/pkg/broker"
	"github.com/naegeon/kis-trading-sub000/pkg/db"
)

type fakeKIS struct {
	tokenIssued int32
	lastTrID    string
	lastBody    map[string]string
	ccnlRows    []map[string]string
	orderRtCd   string
	orderMsg    string
}

func (f *fakeKIS) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/tokenP", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.tokenIssued, 1)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-token", "expires_in": 86400, "token_type": "Bearer",
		})
	})
	mux.HandleFunc("/uapi/overseas-stock/v1/trading/order", func(w http.ResponseWriter, r *http.Request) {
		f.lastTrID = r.Header.Get("tr_id")
		f.lastBody = map[string]string{}
		json.NewDecoder(r.Body).Decode(&f.lastBody)
		rt := f.orderRtCd
		if rt == "" {
			rt = "0"
		}
		json.NewEncoder(w).Encode(map[string]any{
			"rt_cd": rt, "msg_cd": "APBK0013", "msg1": f.orderMsg,
			"output": map[string]string{"ODNO": "0030089601"},
		})
	})
	mux.HandleFunc("/uapi/overseas-stock/v1/trading/inquire-ccnl", func(w http.ResponseWriter, r *http.Request) {
		f.lastTrID = r.Header.Get("tr_id")
		json.NewEncoder(w).Encode(map[string]any{
			"rt_cd": "0", "msg_cd": "", "msg1": "", "output": f.ccnlRows,
		})
	})
	return mux
}

func testClient(t *testing.T, f *fakeKIS) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	c, err := New(Config{
		BaseURL:   srv.URL,
		AppKey:    "app-key",
		AppSecret: "app-secret",
		AccountNo: "12345678-01",
	}, broker.NewTokenSource(0), broker.NewThrottle(0))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestSubmitOverseasOrder(t *testing.T) {
	f := &fakeKIS{}
	c := testClient(t, f)

	res, err := c.SubmitOrder(context.Background(), broker.OrderRequest{
		Symbol: "AAPL", Side: db.SideBuy, OrderType: db.OrderTypeLOC,
		Qty: 5, Price: 102.55, Market: db.MarketUS, ExchangeHint: "NASD",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.BrokerOrderID != "0030089601" {
		t.Errorf("broker order id = %q", res.BrokerOrderID)
	}
	if f.lastTrID != "TTTT1002U" {
		t.Errorf("tr_id = %q, want overseas buy", f.lastTrID)
	}
	if f.lastBody["ORD_DVSN"] != "34" {
		t.Errorf("ORD_DVSN = %q, want LOC code 34", f.lastBody["ORD_DVSN"])
	}
	if f.lastBody["OVRS_ORD_UNPR"] != "102.55" || f.lastBody["ORD_QTY"] != "5" {
		t.Errorf("price/qty = %q/%q", f.lastBody["OVRS_ORD_UNPR"], f.lastBody["ORD_QTY"])
	}
	if f.lastBody["CANO"] != "12345678" || f.lastBody["ACNT_PRDT_CD"] != "01" {
		t.Errorf("account split = %q/%q", f.lastBody["CANO"], f.lastBody["ACNT_PRDT_CD"])
	}
}

func TestSubmitUsesSellTrID(t *testing.T) {
	f := &fakeKIS{}
	c := testClient(t, f)
	c.SubmitOrder(context.Background(), broker.OrderRequest{
		Symbol: "AAPL", Side: db.SideSell, OrderType: db.OrderTypeLimit,
		Qty: 1, Price: 100, Market: db.MarketUS,
	})
	if f.lastTrID != "TTTT1006U" {
		t.Errorf("tr_id = %q, want overseas sell", f.lastTrID)
	}
}

func TestVirtualTrIDPrefix(t *testing.T) {
	c := &Client{cfg: Config{Virtual: true}}
	if got := c.trID("TTTT1002U"); got != "VTTT1002U" {
		t.Errorf("virtual tr_id = %q", got)
	}
	c.cfg.Virtual = false
	if got := c.trID("TTTT1002U"); got != "TTTT1002U" {
		t.Errorf("real tr_id = %q", got)
	}
}

func TestBusinessRejectionSurfacesBrokerError(t *testing.T) {
	f := &fakeKIS{orderRtCd: "1", orderMsg: "invalid order division"}
	c := testClient(t, f)
	_, err := c.SubmitOrder(context.Background(), broker.OrderRequest{
		Symbol: "AAPL", Side: db.SideBuy, OrderType: db.OrderTypeLimit,
		Qty: 1, Price: 100, Market: db.MarketUS,
	})
	var be *broker.Error
	if !errors.As(err, &be) {
		t.Fatalf("want broker.Error, got %v", err)
	}
	if broker.IsTransient(err) {
		t.Error("business rejection must not be retryable")
	}
}

func TestOrderDetailNotFoundSentinel(t *testing.T) {
	f := &fakeKIS{ccnlRows: []map[string]string{}}
	c := testClient(t, f)
	det, err := c.GetOrderDetail(context.Background(), broker.DetailRequest{
		BrokerOrderID: "0030089601", Symbol: "AAPL", Market: db.MarketUS,
	})
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if det.Status != broker.StatusNotFound {
		t.Errorf("status = %q, want NOT_FOUND sentinel", det.Status)
	}
}

func TestOrderDetailMapsFill(t *testing.T) {
	f := &fakeKIS{ccnlRows: []map[string]string{{
		"odno": "0030089601", "ft_ord_qty": "5", "ft_ccld_qty": "5",
		"ft_ccld_unpr3": "101.25", "nccs_qty": "0", "cncl_yn": "N",
	}}}
	c := testClient(t, f)
	det, err := c.GetOrderDetail(context.Background(), broker.DetailRequest{
		BrokerOrderID: "0030089601", Symbol: "AAPL", Market: db.MarketUS,
	})
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if det.Status != broker.StatusFilled || det.FilledQty != 5 || det.AvgFillPrice != 101.25 {
		t.Errorf("detail = %+v", det)
	}
}

func TestTokenReusedAcrossCalls(t *testing.T) {
	f := &fakeKIS{}
	c := testClient(t, f)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.SubmitOrder(ctx, broker.OrderRequest{
			Symbol: "AAPL", Side: db.SideBuy, OrderType: db.OrderTypeLimit,
			Qty: 1, Price: 100, Market: db.MarketUS,
		}); err != nil {
			t.Fatal(err)
		}
	}
	if n := atomic.LoadInt32(&f.tokenIssued); n != 1 {
		t.Errorf("token issued %d times, want 1", n)
	}
}

func TestNewValidatesAccountNo(t *testing.T) {
	_, err := New(Config{AppKey: "k", AppSecret: "s", AccountNo: "12345678"},
		broker.NewTokenSource(time.Minute), broker.NewThrottle(0))
	if err == nil {
		t.Error("want error for account number without product code")
	}
}
