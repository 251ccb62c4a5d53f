package staging

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/polarisfin/polaris/internal/apierror"
	"github.com/polarisfin/polaris/internal/database"
	"github.com/polarisfin/polaris/internal/idempotency"
	"github.com/polarisfin/polaris/internal/money"
	"github.com/polarisfin/polaris/internal/modules/instruments"
	"github.com/polarisfin/polaris/internal/modules/portfolio"
)

// WorkflowStarter launches the settlement pipeline for one staged trade.
// Implemented by the workflow client; stubbed in tests.
type WorkflowStarter interface {
	StartStagingWorkflow(ctx context.Context, stagingID string) (workflowID, runID string, err error)
}

// StagingResponse is the external view of a pending trade.
type StagingResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Lifecycle    string `json:"lifecycle"`
	EntryVersion int64  `json:"entry_version"`
}

// CreateStagingRequest stages a single trade. Numeric ids and decimals
// travel as strings.
type CreateStagingRequest struct {
	Level          string  `json:"level"`
	PortfolioID    string  `json:"portfolio_id"`
	InstrumentID   string  `json:"instrument_id"`
	TradeDate      string  `json:"trade_date"`
	SettleDate     *string `json:"settle_date"`
	Quantity       string  `json:"quantity"`
	Price          string  `json:"price"`
	QuoteCurrency  string  `json:"quote_currency"`
	ReportCurrency *string `json:"report_currency"`
}

// UpdateStagingRequest carries the PATCH-able fields; nil means unset.
type UpdateStagingRequest struct {
	TradeDate      *string `json:"trade_date"`
	SettleDate     *string `json:"settle_date"`
	Quantity       *string `json:"quantity"`
	Price          *string `json:"price"`
	QuoteCurrency  *string `json:"quote_currency"`
	ReportCurrency *string `json:"report_currency"`
}

// DealAllocationRequest is one allocation leg of a deal request.
type DealAllocationRequest struct {
	PortfolioID string `json:"portfolio_id"`
	Quantity    string `json:"quantity"`
}

// CreateDealRequest stages a block trade with its allocations.
type CreateDealRequest struct {
	ExternalRef     *string                 `json:"external_ref"`
	InstrumentID    string                  `json:"instrument_id"`
	TransactionType string                  `json:"transaction_type"`
	TradeDate       string                  `json:"trade_date"`
	SettleDate      *string                 `json:"settle_date"`
	Quantity        string                  `json:"quantity"`
	Price           string                  `json:"price"`
	QuoteCurrency   string                  `json:"quote_currency"`
	ReportCurrency  string                  `json:"report_currency"`
	Allocations     []DealAllocationRequest `json:"allocations"`
}

// ModifyDealRequest restates a block's full target allocation set.
type ModifyDealRequest struct {
	Quantity    string                  `json:"quantity"`
	Allocations []DealAllocationRequest `json:"allocations"`
}

// DealAllocationStagingResponse describes one staged allocation leg.
type DealAllocationStagingResponse struct {
	PortfolioID string `json:"portfolio_id"`
	Quantity    string `json:"quantity"`
	AmountQC    string `json:"amount_qc"`
	StagingID   string `json:"staging_id"`
}

// CreateDealResponse is returned by deal creation.
type CreateDealResponse struct {
	BlockStagingID     string                          `json:"block_staging_id"`
	DealBlockID        string                          `json:"deal_block_id"`
	BlockAmountQC      string                          `json:"block_amount_qc"`
	AllocationStagings []DealAllocationStagingResponse `json:"allocation_stagings"`
}

// DealAdjustmentResponse is returned by deal modify and delete.
type DealAdjustmentResponse struct {
	BlockStagingID     string                          `json:"block_staging_id"`
	DealBlockID        string                          `json:"deal_block_id"`
	BlockDeltaQuantity string                          `json:"block_delta_quantity"`
	BlockAmountQC      string                          `json:"block_amount_qc"`
	AllocationStagings []DealAllocationStagingResponse `json:"allocation_stagings"`
}

// ProcessResponse is returned when a single staging starts its pipeline.
type ProcessResponse struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
}

// StartedWorkflow is one pipeline started by a deal-level process call.
type StartedWorkflow struct {
	StagingID  string `json:"staging_id"`
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
}

// DealProcessResponse is returned when a deal's allocations start their
// pipelines.
type DealProcessResponse struct {
	BlockStagingID string            `json:"block_staging_id"`
	DealBlockID    string            `json:"deal_block_id"`
	Started        []StartedWorkflow `json:"started"`
}

// Service implements the staging operations over the repositories.
type Service struct {
	db          *sql.DB
	trades      *Repository
	deals       *DealRepository
	portfolios  *portfolio.Repository
	instruments *instruments.Repository
	idem        *idempotency.Store
	log         zerolog.Logger
}

// NewService creates the staging service.
func NewService(
	db *sql.DB,
	trades *Repository,
	deals *DealRepository,
	portfolios *portfolio.Repository,
	instrumentRepo *instruments.Repository,
	idem *idempotency.Store,
	log zerolog.Logger,
) *Service {
	return &Service{
		db:          db,
		trades:      trades,
		deals:       deals,
		portfolios:  portfolios,
		instruments: instrumentRepo,
		idem:        idem,
		log:         log.With().Str("component", "staging").Logger(),
	}
}

// Trades exposes the pending trade repository (used by activities).
func (s *Service) Trades() *Repository {
	return s.trades
}

// CreateSingle stages one trade. With an Idempotency-Key the stored
// response is replayed instead of staging twice.
func (s *Service) CreateSingle(req CreateStagingRequest, idempotencyKey string) (interface{}, error) {
	const scope = "api:create_staging"
	if idempotencyKey != "" {
		cached, err := s.idem.GetResponse(scope, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			return json.RawMessage(cached), nil
		}
		claimed, err := s.idem.Claim(scope, idempotencyKey, req)
		if err != nil {
			return nil, err
		}
		if !claimed {
			cached, err := s.idem.GetResponse(scope, idempotencyKey)
			if err != nil {
				return nil, err
			}
			if cached != nil {
				return json.RawMessage(cached), nil
			}
		}
	}

	level := req.Level
	if level == "" {
		level = LevelAllocation
	}
	if level != LevelBlock && level != LevelAllocation {
		return nil, apierror.New(422, "invalid_level")
	}

	instrumentID, err := parseNumericID(req.InstrumentID, "instrument_id")
	if err != nil {
		return nil, err
	}
	exists, err := s.instruments.Exists(instrumentID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, apierror.New(404, "instrument_not_found")
	}

	var portfolioID *int64
	if req.PortfolioID != "" {
		pid, err := parseNumericID(req.PortfolioID, "portfolio_id")
		if err != nil {
			return nil, err
		}
		ok, err := s.portfolios.Exists(pid)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apierror.New(404, "portfolio_not_found")
		}
		portfolioID = &pid
	}

	quantity, err := parseDecimalField(req.Quantity, "quantity")
	if err != nil {
		return nil, err
	}
	price, err := parseDecimalField(req.Price, "price")
	if err != nil {
		return nil, err
	}

	if len(req.QuoteCurrency) != 3 {
		return nil, apierror.New(422, "invalid_quote_currency")
	}
	if req.ReportCurrency != nil && len(*req.ReportCurrency) != 3 {
		return nil, apierror.New(422, "invalid_report_currency")
	}

	trade := &PendingTrade{
		Level:          level,
		PortfolioID:    portfolioID,
		InstrumentID:   instrumentID,
		TradeDate:      req.TradeDate,
		SettleDate:     req.SettleDate,
		Quantity:       quantity,
		Price:          price,
		QuoteCurrency:  req.QuoteCurrency,
		ReportCurrency: req.ReportCurrency,
	}
	id, err := s.trades.Insert(trade)
	if err != nil {
		return nil, err
	}

	resp := StagingResponse{
		ID:           strconv.FormatInt(id, 10),
		Status:       StatusEntry,
		Lifecycle:    LifecycleActive,
		EntryVersion: 1,
	}
	if idempotencyKey != "" {
		if err := s.idem.StoreResponse(scope, idempotencyKey, resp); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// Get returns the external view of a pending trade.
func (s *Service) Get(id int64) (*StagingResponse, error) {
	trade, err := s.trades.Get(id)
	if errors.Is(err, ErrNotFound) {
		return nil, apierror.New(404, "not_found")
	}
	if err != nil {
		return nil, err
	}
	return toResponse(trade), nil
}

// Patch edits an entry-status trade, recording a change-audit row with
// the old and new row images.
func (s *Service) Patch(id int64, req UpdateStagingRequest, actor, changeReason *string) (*StagingResponse, error) {
	existing, err := s.trades.Get(id)
	if errors.Is(err, ErrNotFound) {
		return nil, apierror.New(404, "not_found")
	}
	if err != nil {
		return nil, err
	}
	if existing.Lifecycle != LifecycleActive {
		return nil, apierror.New(409, "not_active")
	}
	if existing.Status != StatusEntry {
		return nil, apierror.New(409, "not_editable")
	}

	updates, err := patchUpdates(req)
	if err != nil {
		return nil, err
	}
	if len(updates) == 0 {
		return toResponse(existing), nil
	}

	var resp *StagingResponse
	err = database.WithTransaction(s.db, func(tx *sql.Tx) error {
		trades := s.trades.WithTx(tx)
		updated, err := trades.UpdateEditable(id, updates)
		if err != nil {
			return err
		}
		if updated == nil {
			return apierror.New(409, "concurrent_update")
		}
		if err := trades.InsertChange(id, actor, changeReason, auditImage(existing), auditImage(updated)); err != nil {
			return err
		}
		resp = toResponse(updated)
		return nil
	})
	if err != nil {
		var apiErr *apierror.Error
		if errors.As(err, &apiErr) {
			return nil, apiErr
		}
		return nil, err
	}
	return resp, nil
}

// CreateDeal stages a block trade, its allocations, and one pending
// trade per level, distributing the block amount across allocations.
func (s *Service) CreateDeal(req CreateDealRequest) (*CreateDealResponse, error) {
	instrumentID, err := parseNumericID(req.InstrumentID, "instrument_id")
	if err != nil {
		return nil, err
	}
	exists, err := s.instruments.Exists(instrumentID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, apierror.New(404, "instrument_not_found")
	}

	portfolioIDs := make([]int64, len(req.Allocations))
	for i, alloc := range req.Allocations {
		pid, err := parseNumericID(alloc.PortfolioID, "portfolio_id")
		if err != nil {
			return nil, err
		}
		portfolioIDs[i] = pid
	}
	if err := s.requirePortfolios(portfolioIDs); err != nil {
		return nil, err
	}

	totalQty, err := parseDecimalField(req.Quantity, "quantity")
	if err != nil {
		return nil, err
	}
	if totalQty.IsZero() {
		return nil, apierror.New(400, "invalid_total_quantity")
	}
	totalAbs := totalQty.Abs()

	allocAbs := make([]decimal.Decimal, len(req.Allocations))
	sumAbs := decimal.Zero
	for i, alloc := range req.Allocations {
		qty, err := parseDecimalField(alloc.Quantity, "quantity")
		if err != nil {
			return nil, err
		}
		qty = qty.Abs()
		if qty.IsZero() {
			return nil, apierror.New(400, "invalid_allocation_quantity")
		}
		allocAbs[i] = qty
		sumAbs = sumAbs.Add(qty)
	}
	if !sumAbs.Equal(totalAbs) {
		return nil, apierror.New(400, "allocation_quantity_mismatch")
	}

	price, err := parseDecimalField(req.Price, "price")
	if err != nil {
		return nil, err
	}
	if !price.IsPositive() {
		return nil, apierror.New(400, "invalid_price")
	}

	sign, ok := SignFor(req.TransactionType)
	if !ok {
		return nil, apierror.New(422, "invalid_transaction_type")
	}
	if len(req.QuoteCurrency) != 3 {
		return nil, apierror.New(422, "invalid_quote_currency")
	}
	if len(req.ReportCurrency) != 3 {
		return nil, apierror.New(422, "invalid_report_currency")
	}
	signedTotal := totalAbs.Mul(sign)

	dist := money.Distribute(allocAbs, price)

	var resp *CreateDealResponse
	err = database.WithTransaction(s.db, func(tx *sql.Tx) error {
		deals := s.deals.WithTx(tx)
		trades := s.trades.WithTx(tx)

		blockID, err := deals.CreateBlock(&DealBlock{
			ExternalRef:   req.ExternalRef,
			InstrumentID:  instrumentID,
			TradeDate:     req.TradeDate,
			SettleDate:    req.SettleDate,
			TradeCurrency: req.QuoteCurrency,
			Quantity:      signedTotal,
			Price:         price,
		})
		if err != nil {
			return err
		}

		var rcGross *decimal.Decimal
		if req.QuoteCurrency == req.ReportCurrency {
			rcGross = &dist.BlockAmount
		}
		blockStagingID, err := trades.Insert(&PendingTrade{
			Level:          LevelBlock,
			DealBlockID:    &blockID,
			InstrumentID:   instrumentID,
			TradeDate:      req.TradeDate,
			SettleDate:     req.SettleDate,
			Quantity:       signedTotal,
			Price:          price,
			QuoteCurrency:  req.QuoteCurrency,
			ReportCurrency: &req.ReportCurrency,
			QCGrossAmount:  &dist.BlockAmount,
			RCGrossAmount:  rcGross,
		})
		if err != nil {
			return err
		}

		allocResponses := make([]DealAllocationStagingResponse, 0, len(req.Allocations))
		for i := range req.Allocations {
			pid := portfolioIDs[i]
			signedQty := allocAbs[i].Mul(sign)

			allocationID, err := deals.InsertAllocation(
				blockID, pid, signedQty, price, dist.AdjustedIndex == i, LifecycleActive,
			)
			if err != nil {
				return err
			}

			amount := dist.Amounts[i]
			var allocRC *decimal.Decimal
			if req.QuoteCurrency == req.ReportCurrency {
				allocRC = &amount
			}
			stagingID, err := trades.Insert(&PendingTrade{
				Level:            LevelAllocation,
				DealBlockID:      &blockID,
				DealAllocationID: &allocationID,
				PortfolioID:      &pid,
				InstrumentID:     instrumentID,
				TradeDate:        req.TradeDate,
				SettleDate:       req.SettleDate,
				Quantity:         signedQty,
				Price:            price,
				QuoteCurrency:    req.QuoteCurrency,
				ReportCurrency:   &req.ReportCurrency,
				QCGrossAmount:    &amount,
				RCGrossAmount:    allocRC,
			})
			if err != nil {
				return err
			}

			allocResponses = append(allocResponses, DealAllocationStagingResponse{
				PortfolioID: strconv.FormatInt(pid, 10),
				Quantity:    money.Canonical(signedQty),
				AmountQC:    money.Canonical(amount),
				StagingID:   strconv.FormatInt(stagingID, 10),
			})
		}

		resp = &CreateDealResponse{
			BlockStagingID:     strconv.FormatInt(blockStagingID, 10),
			DealBlockID:        strconv.FormatInt(blockID, 10),
			BlockAmountQC:      money.Canonical(dist.BlockAmount),
			AllocationStagings: allocResponses,
		}
		return nil
	})
	if err != nil {
		return nil, unwrapAPIError(err)
	}
	return resp, nil
}

// ModifyDeal restates the allocation set of an active block as a
// reversal-plus-replacement adjustment.
func (s *Service) ModifyDeal(blockID int64, req ModifyDealRequest) (*DealAdjustmentResponse, error) {
	block, err := s.deals.GetBlock(blockID)
	if err != nil {
		return nil, err
	}
	if block == nil {
		return nil, apierror.New(404, "deal_block_not_found")
	}
	if block.Lifecycle != LifecycleActive {
		return nil, apierror.New(409, "deal_block_not_active")
	}

	totalQty, err := parseDecimalField(req.Quantity, "quantity")
	if err != nil {
		return nil, err
	}
	if totalQty.IsZero() {
		return nil, apierror.New(400, "invalid_total_quantity")
	}
	totalAbs := totalQty.Abs()

	// The block's direction is fixed at creation; targets inherit it.
	sign := decimal.NewFromInt(1)
	if block.Quantity.IsNegative() {
		sign = decimal.NewFromInt(-1)
	}

	target := make(map[int64]decimal.Decimal)
	for _, alloc := range req.Allocations {
		pid, err := parseNumericID(alloc.PortfolioID, "portfolio_id")
		if err != nil {
			return nil, err
		}
		qty, err := parseDecimalField(alloc.Quantity, "quantity")
		if err != nil {
			return nil, err
		}
		qty = qty.Abs()
		if qty.IsZero() {
			return nil, apierror.New(400, "invalid_allocation_quantity")
		}
		target[pid] = target[pid].Add(qty.Mul(sign))
	}

	sumAbs := decimal.Zero
	for _, qty := range target {
		sumAbs = sumAbs.Add(qty.Abs())
	}
	if !sumAbs.Equal(totalAbs) {
		return nil, apierror.New(400, "allocation_quantity_mismatch")
	}

	pids := make([]int64, 0, len(target))
	for pid := range target {
		pids = append(pids, pid)
	}
	if err := s.requirePortfolios(pids); err != nil {
		return nil, err
	}

	return s.applyAdjustment(block, target, adjustmentModify)
}

// DeleteDeal reverses all active allocations of a block and soft-deletes
// the block.
func (s *Service) DeleteDeal(blockID int64) (*DealAdjustmentResponse, error) {
	block, err := s.deals.GetBlock(blockID)
	if err != nil {
		return nil, err
	}
	if block == nil {
		return nil, apierror.New(404, "deal_block_not_found")
	}
	if block.Lifecycle != LifecycleActive {
		return nil, apierror.New(409, "deal_block_not_active")
	}

	return s.applyAdjustment(block, map[int64]decimal.Decimal{}, adjustmentDelete)
}

// ProcessSingle starts the pipeline workflow for one staged trade.
func (s *Service) ProcessSingle(ctx context.Context, stagingID int64, idempotencyKey string, starter WorkflowStarter) (interface{}, error) {
	sid := strconv.FormatInt(stagingID, 10)
	scope := "api:process_staging:" + sid

	if idempotencyKey != "" {
		cached, err := s.getCachedOrClaim(scope, idempotencyKey, map[string]string{"staging_id": sid})
		if err != nil {
			return nil, err
		}
		if cached != nil {
			return cached, nil
		}
	}

	workflowID, runID, err := starter.StartStagingWorkflow(ctx, sid)
	if err != nil {
		return nil, apierror.Newf(502, "temporal_start_failed:%s", err.Error())
	}

	resp := ProcessResponse{WorkflowID: workflowID, RunID: runID}
	if idempotencyKey != "" {
		if err := s.idem.StoreResponse(scope, idempotencyKey, resp); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// ProcessDeal starts one pipeline per processable allocation staging of
// the deal behind a block-level staging.
func (s *Service) ProcessDeal(ctx context.Context, blockStagingID int64, idempotencyKey string, starter WorkflowStarter) (interface{}, error) {
	blockTrade, err := s.trades.Get(blockStagingID)
	if errors.Is(err, ErrNotFound) {
		return nil, apierror.New(404, "block_staging_not_found")
	}
	if err != nil {
		return nil, err
	}
	if blockTrade.Level != LevelBlock {
		return nil, apierror.New(409, "not_block_staging")
	}
	if blockTrade.DealBlockID == nil {
		return nil, apierror.New(409, "block_deal_id_missing")
	}

	sid := strconv.FormatInt(blockStagingID, 10)
	scope := "api:process_deal:" + sid
	if idempotencyKey != "" {
		cached, err := s.getCachedOrClaim(scope, idempotencyKey, map[string]string{"block_staging_id": sid})
		if err != nil {
			return nil, err
		}
		if cached != nil {
			return cached, nil
		}
	}

	allocationIDs, err := s.trades.AllocationStagingIDs(*blockTrade.DealBlockID)
	if err != nil {
		return nil, err
	}
	if len(allocationIDs) == 0 {
		return nil, apierror.New(409, "allocation_staging_not_found")
	}

	started := make([]StartedWorkflow, 0, len(allocationIDs))
	for _, id := range allocationIDs {
		allocSID := strconv.FormatInt(id, 10)
		workflowID, runID, err := starter.StartStagingWorkflow(ctx, allocSID)
		if err != nil {
			return nil, apierror.Newf(502, "temporal_start_failed:%s", err.Error())
		}
		started = append(started, StartedWorkflow{
			StagingID:  allocSID,
			WorkflowID: workflowID,
			RunID:      runID,
		})
	}

	resp := DealProcessResponse{
		BlockStagingID: sid,
		DealBlockID:    strconv.FormatInt(*blockTrade.DealBlockID, 10),
		Started:        started,
	}
	if idempotencyKey != "" {
		if err := s.idem.StoreResponse(scope, idempotencyKey, resp); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (s *Service) getCachedOrClaim(scope, key string, payload interface{}) (json.RawMessage, error) {
	cached, err := s.idem.GetResponse(scope, key)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}
	claimed, err := s.idem.Claim(scope, key, payload)
	if err != nil {
		return nil, err
	}
	if !claimed {
		cached, err := s.idem.GetResponse(scope, key)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			return cached, nil
		}
	}
	return nil, nil
}

func (s *Service) requirePortfolios(ids []int64) error {
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		ok, err := s.portfolios.Exists(id)
		if err != nil {
			return err
		}
		if !ok {
			return apierror.New(404, "portfolio_not_found")
		}
	}
	return nil
}

func toResponse(t *PendingTrade) *StagingResponse {
	return &StagingResponse{
		ID:           strconv.FormatInt(t.ID, 10),
		Status:       t.Status,
		Lifecycle:    t.Lifecycle,
		EntryVersion: t.EntryVersion,
	}
}

// auditImage renders a trade as the JSON image stored in the change
// audit.
func auditImage(t *PendingTrade) map[string]interface{} {
	img := map[string]interface{}{
		"id":             t.ID,
		"level":          t.Level,
		"instrument_id":  t.InstrumentID,
		"trade_date":     t.TradeDate,
		"quantity":       money.Canonical(t.Quantity),
		"price":          money.Canonical(t.Price),
		"quote_currency": t.QuoteCurrency,
		"status":         t.Status,
		"lifecycle":      t.Lifecycle,
		"entry_version":  t.EntryVersion,
	}
	if t.PortfolioID != nil {
		img["portfolio_id"] = *t.PortfolioID
	}
	if t.SettleDate != nil {
		img["settle_date"] = *t.SettleDate
	}
	if t.ReportCurrency != nil {
		img["report_currency"] = *t.ReportCurrency
	}
	if t.QCGrossAmount != nil {
		img["qc_gross_amount"] = money.Canonical(*t.QCGrossAmount)
	}
	if t.RCGrossAmount != nil {
		img["rc_gross_amount"] = money.Canonical(*t.RCGrossAmount)
	}
	return img
}

func patchUpdates(req UpdateStagingRequest) (map[string]interface{}, error) {
	updates := make(map[string]interface{})
	if req.TradeDate != nil {
		updates["trade_date"] = *req.TradeDate
	}
	if req.SettleDate != nil {
		updates["settle_date"] = *req.SettleDate
	}
	if req.Quantity != nil {
		qty, err := parseDecimalField(*req.Quantity, "quantity")
		if err != nil {
			return nil, err
		}
		updates["quantity"] = money.Canonical(qty)
	}
	if req.Price != nil {
		price, err := parseDecimalField(*req.Price, "price")
		if err != nil {
			return nil, err
		}
		updates["price"] = money.Canonical(price)
	}
	if req.QuoteCurrency != nil {
		if len(*req.QuoteCurrency) != 3 {
			return nil, apierror.New(422, "invalid_quote_currency")
		}
		updates["quote_currency"] = *req.QuoteCurrency
	}
	if req.ReportCurrency != nil {
		if len(*req.ReportCurrency) != 3 {
			return nil, apierror.New(422, "invalid_report_currency")
		}
		updates["report_currency"] = *req.ReportCurrency
	}
	return updates, nil
}

func parseNumericID(raw, field string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apierror.Newf(422, "invalid_%s", field)
	}
	return id, nil
}

func parseDecimalField(raw, field string) (decimal.Decimal, error) {
	d, err := money.Parse(raw)
	if err != nil {
		return decimal.Decimal{}, apierror.Newf(422, "invalid_%s", field)
	}
	return d, nil
}

// unwrapAPIError strips the transaction wrapper added by WithTransaction
// so handlers still see the typed error.
func unwrapAPIError(err error) error {
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return err
}
