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

// Domestic order divisions. The KRX book has no LOO/LOC equivalents.
var domesticOrdDvsn = map[string]string{
	db.OrderTypeLimit:  "00",
	db.OrderTypeMarket: "01",
}

func (c *Client) submitDomestic(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	dvsn, ok := domesticOrdDvsn[req.OrderType]
	if !ok {
		return broker.OrderResult{}, fmt.Errorf("kis: unsupported domestic order type %q", req.OrderType)
	}
	trID := c.trID("TTTC0802U") // buy
	if req.Side == db.SideSell {
		trID = c.trID("TTTC0801U")
	}
	price := "0"
	if req.OrderType == db.OrderTypeLimit {
		price = strconv.FormatInt(int64(req.Price), 10) // KRX prices are whole won
	}
	body := map[string]string{
		"CANO":         c.cano,
		"ACNT_PRDT_CD": c.acntPrdtCd,
		"PDNO":         req.Symbol,
		"ORD_DVSN":     dvsn,
		"ORD_QTY":      strconv.FormatInt(req.Qty, 10),
		"ORD_UNPR":     price,
	}
	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, "/uapi/domestic-stock/v1/trading/order-cash", trID, nil, body, &resp); err != nil {
		return broker.OrderResult{}, err
	}
	if resp.Output.Odno == "" {
		return broker.OrderResult{}, &broker.Error{HTTPStatus: http.StatusOK, Code: resp.MsgCd, Msg: "order accepted without order number"}
	}
	return broker.OrderResult{BrokerOrderID: resp.Output.Odno}, nil
}

func (c *Client) cancelDomestic(ctx context.Context, req broker.CancelRequest) error {
	body := map[string]string{
		"CANO":              c.cano,
		"ACNT_PRDT_CD":      c.acntPrdtCd,
		"KRX_FWDG_ORD_ORGNO": "",
		"ORGN_ODNO":         req.BrokerOrderID,
		"ORD_DVSN":          "00",
		"RVSE_CNCL_DVSN_CD": "02", // cancel
		"ORD_QTY":           strconv.FormatInt(req.Qty, 10),
		"ORD_UNPR":          "0",
		"QTY_ALL_ORD_YN":    "Y",
	}
	var resp orderResponse
	return c.do(ctx, http.MethodPost, "/uapi/domestic-stock/v1/trading/order-rvsecncl", c.trID("TTTC0803U"), nil, body, &resp)
}

func (c *Client) orderDetailDomestic(ctx context.Context, req broker.DetailRequest) (broker.OrderDetail, error) {
	today := time.Now().Format("20060102")
	query := url.Values{
		"CANO":            {c.cano},
		"ACNT_PRDT_CD":    {c.acntPrdtCd},
		"INQR_STRT_DT":    {today},
		"INQR_END_DT":     {today},
		"SLL_BUY_DVSN_CD": {"00"},
		"INQR_DVSN":       {"00"},
		"PDNO":            {req.Symbol},
		"CCLD_DVSN":       {"00"},
		"ORD_GNO_BRNO":    {""},
		"ODNO":            {""},
		"INQR_DVSN_3":     {"00"},
		"INQR_DVSN_1":     {""},
		"CTX_AREA_FK100":  {""},
		"CTX_AREA_NK100":  {""},
	}
	var resp domesticCcldResponse
	if err := c.do(ctx, http.MethodGet, "/uapi/domestic-stock/v1/trading/inquire-daily-ccld", c.trID("TTTC8001R"), query, nil, &resp); err != nil {
		return broker.OrderDetail{}, err
	}
	for _, row := range resp.Output {
		if row.Odno != req.BrokerOrderID {
			continue
		}
		return broker.OrderDetail{
			Status:       domesticRowStatus(row),
			FilledQty:    parseI(row.TotCcldQty),
			AvgFillPrice: parseF(row.AvgPrvs),
		}, nil
	}
	return broker.OrderDetail{Status: broker.StatusNotFound}, nil
}

func domesticRowStatus(row domesticCcldRow) string {
	filled := parseI(row.TotCcldQty)
	ordered := parseI(row.OrdQty)
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

func (c *Client) openOrdersDomestic(ctx context.Context, symbol string) ([]broker.OpenOrder, error) {
	query := url.Values{
		"CANO":           {c.cano},
		"ACNT_PRDT_CD":   {c.acntPrdtCd},
		"INQR_DVSN_1":    {"0"},
		"INQR_DVSN_2":    {"0"},
		"CTX_AREA_FK100": {""},
		"CTX_AREA_NK100": {""},
	}
	var resp domesticOpenResponse
	if err := c.do(ctx, http.MethodGet, "/uapi/domestic-stock/v1/trading/inquire-psbl-rvsecncl", c.trID("TTTC8036R"), query, nil, &resp); err != nil {
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
			OrderType:     db.OrderTypeLimit,
			Qty:           parseI(row.OrdQty),
			UnfilledQty:   parseI(row.PsblQty),
		})
	}
	return out, nil
}

func (c *Client) holdingsDomestic(ctx context.Context) ([]broker.Holding, error) {
	query := url.Values{
		"CANO":            {c.cano},
		"ACNT_PRDT_CD":    {c.acntPrdtCd},
		"AFHR_FLPR_YN":    {"N"},
		"OFL_YN":          {""},
		"INQR_DVSN":       {"02"},
		"UNPR_DVSN":       {"01"},
		"FUND_STTL_ICLD_YN": {"N"},
		"FNCG_AMT_AUTO_RDPT_YN": {"N"},
		"PRCS_DVSN":       {"00"},
		"CTX_AREA_FK100":  {""},
		"CTX_AREA_NK100":  {""},
	}
	var resp domesticBalanceResponse
	if err := c.do(ctx, http.MethodGet, "/uapi/domestic-stock/v1/trading/inquire-balance", c.trID("TTTC8434R"), query, nil, &resp); err != nil {
		return nil, err
	}
	var out []broker.Holding
	for _, row := range resp.Output {
		qty := parseI(row.HldgQty)
		if qty == 0 {
			continue
		}
		out = append(out, broker.Holding{
			Symbol:          row.Pdno,
			Qty:             qty,
			AvgCost:         parseF(row.PchsAvgPric),
			CurrentPrice:    parseF(row.Prpr),
			ValuationAmount: parseF(row.EvluAmt),
			ReturnRatePct:   parseF(row.EvluPflsRt),
		})
	}
	return out, nil
}

func (c *Client) quoteDomestic(ctx context.Context, symbol string) (broker.Quote, error) {
	query := url.Values{
		"FID_COND_MRKT_DIV_CODE": {"J"},
		"FID_INPUT_ISCD":         {symbol},
	}
	var resp domesticPriceResponse
	if err := c.do(ctx, http.MethodGet, "/uapi/domestic-stock/v1/quotations/inquire-price", "FHKST01010100", query, nil, &resp); err != nil {
		return broker.Quote{}, err
	}
	current := parseF(resp.Output.Prpr)
	return broker.Quote{
		CurrentPrice:  current,
		PreviousClose: current - parseF(resp.Output.PrdyVrss),
		OpeningPrice:  parseF(resp.Output.Oprc),
		HighPrice:     parseF(resp.Output.Hgpr),
		LowPrice:      parseF(resp.Output.Lwpr),
	}, nil
}
