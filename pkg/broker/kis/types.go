package kis

import (
	"strconv"
	"strings"
)

// KIS returns every numeric field as a string; responses share a common
// envelope with rt_cd "0" meaning success.

type envelope struct {
	RtCd  string `json:"rt_cd"`
	MsgCd string `json:"msg_cd"`
	Msg1  string `json:"msg1"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type orderOutput struct {
	Odno string `json:"ODNO"` // broker order number
}

type orderResponse struct {
	envelope
	Output orderOutput `json:"output"`
}

// overseas fill-detail row (inquire-ccnl)
type overseasCcnlRow struct {
	Odno        string `json:"odno"`
	PrcsStatName string `json:"prcs_stat_name"`
	FtCcldQty   string `json:"ft_ccld_qty"`
	FtOrdQty    string `json:"ft_ord_qty"`
	FtCcldUnpr3 string `json:"ft_ccld_unpr3"`
	NccsQty     string `json:"nccs_qty"`
	CnclYn      string `json:"cncl_yn"`
}

type overseasCcnlResponse struct {
	envelope
	Output []overseasCcnlRow `json:"output"`
}

// overseas open-order row (inquire-nccs)
type overseasNccsRow struct {
	Odno        string `json:"odno"`
	Pdno        string `json:"pdno"`
	SllBuyDvsnCd string `json:"sll_buy_dvsn_cd"` // 01 sell, 02 buy
	FtOrdQty    string `json:"ft_ord_qty"`
	NccsQty     string `json:"nccs_qty"`
	OrdDvsn     string `json:"ord_dvsn"`
}

type overseasNccsResponse struct {
	envelope
	Output []overseasNccsRow `json:"output"`
}

type overseasBalanceRow struct {
	Pdno           string `json:"ovrs_pdno"`
	Qty            string `json:"ovrs_cblc_qty"`
	AvgPrice       string `json:"pchs_avg_pric"`
	CurrentPrice   string `json:"now_pric2"`
	EvalAmount     string `json:"ovrs_stck_evlu_amt"`
	ProfitRate     string `json:"evlu_pfls_rt"`
}

type overseasBalanceResponse struct {
	envelope
	Output []overseasBalanceRow `json:"output1"`
}

type overseasPriceOutput struct {
	Last string `json:"last"`
	Base string `json:"base"` // previous close
	Open string `json:"open"`
	High string `json:"high"`
	Low  string `json:"low"`
}

type overseasPriceResponse struct {
	envelope
	Output overseasPriceOutput `json:"output"`
}

// domestic daily fill row (inquire-daily-ccld)
type domesticCcldRow struct {
	Odno         string `json:"odno"`
	OrdQty       string `json:"ord_qty"`
	TotCcldQty   string `json:"tot_ccld_qty"`
	AvgPrvs      string `json:"avg_prvs"`
	CnclYn       string `json:"cncl_yn"`
	RmnQty       string `json:"rmn_qty"`
	SllBuyDvsnCd string `json:"sll_buy_dvsn_cd"`
	Pdno         string `json:"pdno"`
}

type domesticCcldResponse struct {
	envelope
	Output []domesticCcldRow `json:"output1"`
}

type domesticOpenRow struct {
	Odno         string `json:"odno"`
	Pdno         string `json:"pdno"`
	OrdQty       string `json:"ord_qty"`
	PsblQty      string `json:"psbl_qty"`
	SllBuyDvsnCd string `json:"sll_buy_dvsn_cd"`
	OrdDvsnCd    string `json:"ord_dvsn_cd"`
	OrdGnoBrno   string `json:"ord_gno_brno"`
}

type domesticOpenResponse struct {
	envelope
	Output []domesticOpenRow `json:"output"`
}

type domesticBalanceRow struct {
	Pdno         string `json:"pdno"`
	HldgQty      string `json:"hldg_qty"`
	PchsAvgPric  string `json:"pchs_avg_pric"`
	Prpr         string `json:"prpr"`
	EvluAmt      string `json:"evlu_amt"`
	EvluPflsRt   string `json:"evlu_pfls_rt"`
}

type domesticBalanceResponse struct {
	envelope
	Output []domesticBalanceRow `json:"output1"`
}

type domesticPriceOutput struct {
	Prpr     string `json:"stck_prpr"` // current
	Oprc     string `json:"stck_oprc"` // open
	Hgpr     string `json:"stck_hgpr"`
	Lwpr     string `json:"stck_lwpr"`
	PrdyVrss string `json:"prdy_vrss"` // change vs previous close
}

type domesticPriceResponse struct {
	envelope
	Output domesticPriceOutput `json:"output"`
}

func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}

func parseI(s string) int64 {
	v, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return v
}
