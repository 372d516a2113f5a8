package db

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Stored strategy parameters are loosely-typed JSON. They are validated into a
// tagged variant here, at the storage boundary, and never trusted downstream.

var ErrParamsMismatch = errors.New("strategy parameters do not match strategy type")

// Distribution shapes for split-order quantity ladders.
const (
	ShapeEqual      = "EQUAL"
	ShapePyramid    = "PYRAMID"
	ShapeInvPyramid = "INV_PYRAMID"
)

// Price-step units for split-order ladders.
const (
	StepUnitAmount  = "AMOUNT"
	StepUnitPercent = "PERCENT"
)

// AvgCost is the running weighted-average position inside strategy parameters.
type AvgCost struct {
	Cost float64 `json:"cost"`
	Qty  int64   `json:"qty"`
}

// Fold merges a fill into the weighted average:
// newCost = (cost*qty + fillPrice*fillQty) / (qty + fillQty).
func (a *AvgCost) Fold(fillPrice float64, fillQty int64) {
	if fillQty <= 0 {
		return
	}
	total := a.Qty + fillQty
	a.Cost = (a.Cost*float64(a.Qty) + fillPrice*float64(fillQty)) / float64(total)
	a.Qty = total
}

// LooLocParams configures the session-bracketing strategy: a limit-on-open buy
// at the prior close, and limit-on-close buy/sell management during the
// regular session.
type LooLocParams struct {
	EnableOpenBuy    bool     `json:"enableOpenBuy"`
	EnableCloseBuy   bool     `json:"enableCloseBuy"`
	Quantity         int64    `json:"quantity"`
	TargetReturnRate float64  `json:"targetReturnRate"` // percent, e.g. 5 = 5%
	AvgCost          AvgCost  `json:"avgCost"`
	ProcessedFillIDs []string `json:"processedFillIds"` // order ids already folded into AvgCost
}

func (p *LooLocParams) validate() error {
	if p.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrParamsMismatch)
	}
	if p.TargetReturnRate < 0 {
		return fmt.Errorf("%w: targetReturnRate must not be negative", ErrParamsMismatch)
	}
	if p.AvgCost.Qty < 0 || p.AvgCost.Cost < 0 {
		return fmt.Errorf("%w: avgCost must not be negative", ErrParamsMismatch)
	}
	return nil
}

// SplitOrderParams configures the one-shot-per-day ladder strategy: N buys
// stepped away from a base price, plus one standing target sell for the whole
// accumulated position.
type SplitOrderParams struct {
	TotalQuantity    int64    `json:"totalQuantity"`
	OrderCount       int      `json:"orderCount"`
	BasePrice        float64  `json:"basePrice"`
	PriceStep        float64  `json:"priceStep"`
	StepUnit         string   `json:"stepUnit"` // AMOUNT or PERCENT
	Shape            string   `json:"shape"`    // EQUAL, PYRAMID, INV_PYRAMID
	TargetReturnRate float64  `json:"targetReturnRate"`
	AvgCost          AvgCost  `json:"avgCost"`
	ProcessedFillIDs []string `json:"processedFillIds"` // order ids already folded into AvgCost
}

func (p *SplitOrderParams) validate() error {
	if p.TotalQuantity <= 0 {
		return fmt.Errorf("%w: totalQuantity must be positive", ErrParamsMismatch)
	}
	if p.OrderCount <= 0 {
		return fmt.Errorf("%w: orderCount must be positive", ErrParamsMismatch)
	}
	if p.BasePrice <= 0 {
		return fmt.Errorf("%w: basePrice must be positive", ErrParamsMismatch)
	}
	if p.PriceStep < 0 {
		return fmt.Errorf("%w: priceStep must not be negative", ErrParamsMismatch)
	}
	switch p.StepUnit {
	case StepUnitAmount, StepUnitPercent:
	default:
		return fmt.Errorf("%w: unknown stepUnit %q", ErrParamsMismatch, p.StepUnit)
	}
	switch p.Shape {
	case ShapeEqual, ShapePyramid, ShapeInvPyramid:
	default:
		return fmt.Errorf("%w: unknown shape %q", ErrParamsMismatch, p.Shape)
	}
	return nil
}

// Processed reports whether the given fill has already been folded into AvgCost.
func (p *SplitOrderParams) Processed(orderID string) bool {
	return containsID(p.ProcessedFillIDs, orderID)
}

// Processed reports whether the given fill has already been folded into AvgCost.
func (p *LooLocParams) Processed(orderID string) bool {
	return containsID(p.ProcessedFillIDs, orderID)
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// FoldFill folds a buy fill into the strategy's running average cost unless
// that order id was already processed. It returns the re-encoded parameter
// JSON and whether anything changed. Both the reconciliation engine and the
// executors go through this, so a fill seen twice is counted once.
func (s *Strategy) FoldFill(orderID string, fillPrice float64, fillQty int64) (string, bool, error) {
	if fillQty <= 0 || fillPrice <= 0 {
		return s.Parameters, false, nil
	}
	switch s.Type {
	case StrategyTypeLooLoc:
		p, err := s.ParseLooLoc()
		if err != nil {
			return "", false, err
		}
		if p.Processed(orderID) {
			return s.Parameters, false, nil
		}
		p.AvgCost.Fold(fillPrice, fillQty)
		p.ProcessedFillIDs = append(p.ProcessedFillIDs, orderID)
		raw, err := EncodeParams(p)
		return raw, err == nil, err
	case StrategyTypeSplitOrder:
		p, err := s.ParseSplitOrder()
		if err != nil {
			return "", false, err
		}
		if p.Processed(orderID) {
			return s.Parameters, false, nil
		}
		p.AvgCost.Fold(fillPrice, fillQty)
		p.ProcessedFillIDs = append(p.ProcessedFillIDs, orderID)
		raw, err := EncodeParams(p)
		return raw, err == nil, err
	default:
		return "", false, fmt.Errorf("%w: unknown strategy type %q", ErrParamsMismatch, s.Type)
	}
}

// ParseLooLoc validates and decodes the parameters of a LOO/LOC strategy.
func (s *Strategy) ParseLooLoc() (*LooLocParams, error) {
	if s.Type != StrategyTypeLooLoc {
		return nil, fmt.Errorf("%w: strategy %s has type %s", ErrParamsMismatch, s.ID, s.Type)
	}
	var p LooLocParams
	if err := json.Unmarshal([]byte(s.Parameters), &p); err != nil {
		return nil, fmt.Errorf("decode looloc params for %s: %w", s.ID, err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ParseSplitOrder validates and decodes the parameters of a split-order strategy.
func (s *Strategy) ParseSplitOrder() (*SplitOrderParams, error) {
	if s.Type != StrategyTypeSplitOrder {
		return nil, fmt.Errorf("%w: strategy %s has type %s", ErrParamsMismatch, s.ID, s.Type)
	}
	var p SplitOrderParams
	if err := json.Unmarshal([]byte(s.Parameters), &p); err != nil {
		return nil, fmt.Errorf("decode split-order params for %s: %w", s.ID, err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ValidateParams checks the parameter JSON against the strategy type without
// returning the variant. Used when strategies are created or edited.
func (s *Strategy) ValidateParams() error {
	switch s.Type {
	case StrategyTypeLooLoc:
		_, err := s.ParseLooLoc()
		return err
	case StrategyTypeSplitOrder:
		_, err := s.ParseSplitOrder()
		return err
	default:
		return fmt.Errorf("%w: unknown strategy type %q", ErrParamsMismatch, s.Type)
	}
}

// EncodeParams marshals a parameter variant back into the stored JSON form.
func EncodeParams(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}
	return string(raw), nil
}
