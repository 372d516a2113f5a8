// Package kis is the Korea Investment & Securities open-API client behind
// the broker.Gateway contract. It speaks both the domestic (KR) and overseas
// (US) trading surfaces and hides the TR-ID plumbing from the engine.
package kis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/naegeon/kis-trading-sub000/pkg/broker"
	"github.com/naegeon/kis-trading-sub000/pkg/db"
)

// Config holds one owner's KIS credentials.
type Config struct {
	BaseURL   string // empty picks the real or virtual default
	Virtual   bool   // paper-trading server uses V-prefixed TR IDs
	AppKey    string
	AppSecret string
	AccountNo string // "12345678-01" form: CANO dash product code
}

// Client implements broker.Gateway against the KIS REST API. One Client is
// bound to one credential set; token and throttle state may be shared across
// clients so per-credential limits hold process-wide.
type Client struct {
	cfg        Config
	baseURL    string
	cano       string
	acntPrdtCd string
	httpClient *http.Client
	tokens     *broker.TokenSource
	throttle   *broker.Throttle
}

// New builds a KIS client. tokens and throttle must not be nil.
func New(cfg Config, tokens *broker.TokenSource, throttle *broker.Throttle) (*Client, error) {
	if cfg.AppKey == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("kis: app key/secret required")
	}
	cano, prdt, ok := strings.Cut(cfg.AccountNo, "-")
	if !ok || cano == "" || prdt == "" {
		return nil, fmt.Errorf("kis: account number %q must be CANO-PRDT form", cfg.AccountNo)
	}
	base := cfg.BaseURL
	if base == "" {
		if cfg.Virtual {
			base = "https://openapivts.koreainvestment.com:29443"
		} else {
			base = "https://openapi.koreainvestment.com:9443"
		}
	}
	return &Client{
		cfg:        cfg,
		baseURL:    strings.TrimRight(base, "/"),
		cano:       cano,
		acntPrdtCd: prdt,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		tokens:     tokens,
		throttle:   throttle,
	}, nil
}

// trID returns the TR ID, switching to the paper-trading variant when needed.
// Query TRs keep their T prefix on the virtual server only for some families,
// so callers pass both forms explicitly where they differ.
func (c *Client) trID(real string) string {
	if c.cfg.Virtual && strings.HasPrefix(real, "T") {
		return "V" + real[1:]
	}
	return real
}

func (c *Client) token(ctx context.Context) (string, error) {
	return c.tokens.Token(ctx, c.cfg.AppKey, func(ctx context.Context) (string, time.Duration, error) {
		body, err := json.Marshal(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     c.cfg.AppKey,
			"appsecret":  c.cfg.AppSecret,
		})
		if err != nil {
			return "", 0, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth2/tokenP", bytes.NewReader(body))
		if err != nil {
			return "", 0, err
		}
		req.Header.Set("Content-Type", "application/json")

		res, err := c.httpClient.Do(req)
		if err != nil {
			return "", 0, err
		}
		defer res.Body.Close()
		raw, _ := io.ReadAll(res.Body)
		if res.StatusCode != http.StatusOK {
			return "", 0, &broker.Error{HTTPStatus: res.StatusCode, Msg: "token issuance failed: " + string(raw)}
		}
		var tr tokenResponse
		if err := json.Unmarshal(raw, &tr); err != nil {
			return "", 0, fmt.Errorf("decode token response: %w", err)
		}
		if tr.AccessToken == "" {
			return "", 0, &broker.Error{HTTPStatus: res.StatusCode, Msg: "token response missing access_token"}
		}
		return tr.AccessToken, time.Duration(tr.ExpiresIn) * time.Second, nil
	})
}

// do performs an authenticated call and decodes the response into out, which
// must embed envelope. A non-zero rt_cd is surfaced as a broker.Error.
func (c *Client) do(ctx context.Context, method, path, trID string, query url.Values, body any, out interface {
	env() envelope
}) error {
	token, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("acquire token: %w", err)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("appkey", c.cfg.AppKey)
	req.Header.Set("appsecret", c.cfg.AppSecret)
	req.Header.Set("tr_id", trID)
	req.Header.Set("custtype", "P")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(res.Body)
	if res.StatusCode == http.StatusUnauthorized {
		c.tokens.Invalidate(c.cfg.AppKey)
	}
	if res.StatusCode >= 300 {
		return &broker.Error{HTTPStatus: res.StatusCode, Msg: fmt.Sprintf("%s %s: %s", method, path, string(raw))}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	if e := out.env(); e.RtCd != "0" {
		return &broker.Error{HTTPStatus: res.StatusCode, Code: e.MsgCd, Msg: e.Msg1}
	}
	return nil
}

func (e envelope) env() envelope { return e }

// --- Gateway dispatch ---

func (c *Client) SubmitOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	if req.Market == db.MarketKR {
		return c.submitDomestic(ctx, req)
	}
	return c.submitOverseas(ctx, req)
}

func (c *Client) CancelOrder(ctx context.Context, req broker.CancelRequest) error {
	if req.Market == db.MarketKR {
		return c.cancelDomestic(ctx, req)
	}
	return c.cancelOverseas(ctx, req)
}

func (c *Client) GetOrderDetail(ctx context.Context, req broker.DetailRequest) (broker.OrderDetail, error) {
	if req.Market == db.MarketKR {
		return c.orderDetailDomestic(ctx, req)
	}
	return c.orderDetailOverseas(ctx, req)
}

func (c *Client) GetHoldings(ctx context.Context) ([]broker.Holding, error) {
	if err := c.throttle.Wait(ctx); err != nil {
		return nil, err
	}
	over, err := c.holdingsOverseas(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.throttle.Wait(ctx); err != nil {
		return nil, err
	}
	dom, err := c.holdingsDomestic(ctx)
	if err != nil {
		return nil, err
	}
	return append(over, dom...), nil
}

func (c *Client) GetQuote(ctx context.Context, symbol, exchangeHint string) (broker.Quote, error) {
	if err := c.throttle.Wait(ctx); err != nil {
		return broker.Quote{}, err
	}
	if exchangeHint == "" {
		return c.quoteDomestic(ctx, symbol)
	}
	return c.quoteOverseas(ctx, symbol, exchangeHint)
}

func (c *Client) GetOpenOrders(ctx context.Context, symbol, exchangeHint string) ([]broker.OpenOrder, error) {
	if exchangeHint == "" {
		return c.openOrdersDomestic(ctx, symbol)
	}
	return c.openOrdersOverseas(ctx, symbol, exchangeHint)
}
