package kis

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/naegeon/kis-trading-sub000/pkg/broker"
	"github.com/naegeon/kis-trading-sub000/pkg/db"
)

// Overseas order divisions. LOO/LOC participate only in the opening/closing
// auctions of the US session.
var overseasOrdDvsn = map[string]string{
	db.OrderTypeLimit:  "00",
	db.OrderTypeMarket: "31", // MOO; US day orders have no plain market type
	db.OrderTypeLOO:    "32",
	db.OrderTypeLOC:    "34",
}

// exchangeCodes maps an exchange hint to the order-side and quote-side
// exchange codes KIS expects. NASD/NAS is the default.
func exchangeCodes(hint string) (ordCode, quoteCode string) {
	switch strings.ToUpper(hint) {
	case "NYSE", "NYS":
		return "NYSE", "NYS"
	case "AMEX", "AMS":
		return "AMEX", "AMS"
	default:
		return "NASD", "NAS"
	}
}

func (c *Client) submitOverseas(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	dvsn, ok := overseasOrdDvsn[req.OrderType]
	if !ok {
		return broker.OrderResult{}, fmt.Errorf("kis: unsupported overseas order type %q", req.OrderType)
	}
	trID := c.trID("TTTT1002U") // buy
	if req.Side == db.SideSell {
		trID = c.trID("TTTT1006U")
	}
	ordCode, _ := exchangeCodes(req.ExchangeHint)

	body := map[string]string{
		"CANO":            c.cano,
		"ACNT_PRDT_CD":    c.acntPrdtCd,
		"OVRS_EXCG_CD":    ordCode,
		"PDNO":            req.Symbol,
		"ORD_QTY":         strconv.FormatInt(req.Qty, 10),
		"OVRS_ORD_UNPR":   strconv.FormatFloat(req.Price, 'f', 2, 64),
		"ORD_SVR_DVSN_CD": "0",
		"ORD_DVSN":        dvsn,
	}
	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, "/uapi/overseas-stock/v1/trading/order", trID, nil, body, &resp); err != nil {
		return broker.OrderResult{}, err
	}
	if resp.Output.Odno == "" {
		return broker.OrderResult{}, &broker.Error{HTTPStatus: http.StatusOK, Code: resp.MsgCd, Msg: "order accepted without order number"}
	}
	return broker.OrderResult{BrokerOrderID: resp.Output.Odno}, nil
}

func (c *Client) cancelOverseas(ctx context.Context, req broker.CancelRequest) error {
	ordCode, _ := exchangeCodes(req.ExchangeHint)
	body := map[string]string{
		"CANO":              c.cano,
		"ACNT_PRDT_CD":      c.acntPrdtCd,
		"OVRS_EXCG_CD":      ordCode,
		"PDNO":              req.Symbol,
		"ORGN_ODNO":         req.BrokerOrderID,
		"RVSE_CNCL_DVSN_CD": "02", // cancel
		"ORD_QTY":           strconv.FormatInt(req.Qty, 10),
		"OVRS_ORD_UNPR":     "0",
	}
	var resp orderResponse
	return c.do(ctx, http.MethodPost, "/uapi/overseas-stock/v1/trading/order-rvsecncl", c.trID("TTTT1004U"), nil, body, &resp)
}

func (c *Client) orderDetailOverseas(ctx context.Context, req broker.DetailRequest) (broker.OrderDetail, error) {
	ordCode, _ := exchangeCodes(req.ExchangeHint)
	today := time.Now().Format("20060102")
	query := url.Values{
		"CANO":            {c.cano},
		"ACNT_PRDT_CD":    {c.acntPrdtCd},
		"PDNO":            {req.Symbol},
		"ORD_STRT_DT":     {today},
		"ORD_END_DT":      {today},
		"SLL_BUY_DVSN":    {"00"},
		"CCLD_NCCS_DVSN":  {"00"},
		"OVRS_EXCG_CD":    {ordCode},
		"SORT_SQN":        {"DS"},
		"ORD_DT":          {""},
		"ORD_GNO_BRNO":    {""},
		"ODNO":            {""},
		"CTX_AREA_NK200":  {""},
		"CTX_AREA_FK200":  {""},
	}
	var resp overseasCcnlResponse
	if err := c.do(ctx, http.MethodGet, "/uapi/overseas-stock/v1/trading/inquire-ccnl", c.trID("TTTS3035R"), query, nil, &resp); err != nil {
		return broker.OrderDetail{}, err
	}
	for _, row := range resp.Output {
		if row.Odno != req.BrokerOrderID {
			continue
		}
		return broker.OrderDetail{
			Status:       overseasRowStatus(row),
			FilledQty:    parseI(row.FtCcldQty),
			AvgFillPrice: parseF(row.FtCcldUnpr3),
		}, nil
	}
	// The broker purges expired conditional orders from the inquiry; absence
	// is the documented "not found" sentinel, not a failure.
	return broker.OrderDetail{Status: broker.StatusNotFound}, nil
}

func overseasRowStatus(row overseasCcnlRow) string {
	filled := parseI(row.FtCcldQty)
	ordered := parseI(row.FtOrdQty)
	switch {
	case strings.EqualFold(row.CnclYn, "Y"):
		return broker.StatusCancelled
	case ordered > 0 && filled >= ordered:
		return broker.StatusFilled
	case filled > 0:
		return broker.StatusPartiallyFilled
	default:
		return broker.StatusOpen
	}
}

func (c *Client) openOrdersOverseas(ctx context.Context, symbol, exchangeHint string) ([]broker.OpenOrder, error) {
	ordCode, _ := exchangeCodes(exchangeHint)
	query := url.Values{
		"CANO":           {c.cano},
		"ACNT_PRDT_CD":   {c.acntPrdtCd},
		"OVRS_EXCG_CD":   {ordCode},
		"SORT_SQN":       {"DS"},
		"CTX_AREA_FK200": {""},
		"CTX_AREA_NK200": {""},
	}
	var resp overseasNccsResponse
	if err := c.do(ctx, http.MethodGet, "/uapi/overseas-stock/v1/trading/inquire-nccs", c.trID("TTTS3018R"), query, nil, &resp); err != nil {
		return nil, err
	}
	var out []broker.OpenOrder
	for _, row := range resp.Output {
		if symbol != "" && row.Pdno != symbol {
			continue
		}
		side := db.SideBuy
		if row.SllBuyDvsnCd == "01" {
			side = db.SideSell
		}
		out = append(out, broker.OpenOrder{
			BrokerOrderID: row.Odno,
			Symbol:        row.Pdno,
			Side:          side,
			OrderType:     overseasTypeFromDvsn(row.OrdDvsn),
			Qty:           parseI(row.FtOrdQty),
			UnfilledQty:   parseI(row.NccsQty),
		})
	}
	return out, nil
}

func overseasTypeFromDvsn(dvsn string) string {
	for typ, code := range overseasOrdDvsn {
		if code == dvsn {
			return typ
		}
	}
	return db.OrderTypeLimit
}

func (c *Client) holdingsOverseas(ctx context.Context) ([]broker.Holding, error) {
	query := url.Values{
		"CANO":              {c.cano},
		"ACNT_PRDT_CD":      {c.acntPrdtCd},
		"OVRS_EXCG_CD":      {"NASD"},
		"TR_CRCY_CD":        {"USD"},
		"CTX_AREA_FK200":    {""},
		"CTX_AREA_NK200":    {""},
	}
	var resp overseasBalanceResponse
	if err := c.do(ctx, http.MethodGet, "/uapi/overseas-stock/v1/trading/inquire-balance", c.trID("TTTS3012R"), query, nil, &resp); err != nil {
		return nil, err
	}
	var out []broker.Holding
	for _, row := range resp.Output {
		qty := parseI(row.Qty)
		if qty == 0 {
			continue
		}
		out = append(out, broker.Holding{
			Symbol:          row.Pdno,
			Qty:             qty,
			AvgCost:         parseF(row.AvgPrice),
			CurrentPrice:    parseF(row.CurrentPrice),
			ValuationAmount: parseF(row.EvalAmount),
			ReturnRatePct:   parseF(row.ProfitRate),
		})
	}
	return out, nil
}

func (c *Client) quoteOverseas(ctx context.Context, symbol, exchangeHint string) (broker.Quote, error) {
	_, quoteCode := exchangeCodes(exchangeHint)
	query := url.Values{
		"AUTH": {""},
		"EXCD": {quoteCode},
		"SYMB": {symbol},
	}
	var resp overseasPriceResponse
	if err := c.do(ctx, http.MethodGet, "/uapi/overseas-price/v1/quotations/price-detail", "HHDFS76200200", query, nil, &resp); err != nil {
		return broker.Quote{}, err
	}
	return broker.Quote{
		CurrentPrice:  parseF(resp.Output.Last),
		PreviousClose: parseF(resp.Output.Base),
		OpeningPrice:  parseF(resp.Output.Open),
		HighPrice:     parseF(resp.Output.High),
		LowPrice:      parseF(resp.Output.Low),
	}, nil
}
