// Package nav implements the IBOR and ABOR valuation engines.
// IBOR values live positions at the latest observed prices; ABOR values
// the end-of-day position snapshot strictly from EOD marks.
package nav

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/polarisfin/polaris/internal/money"
	"github.com/polarisfin/polaris/internal/modules/instruments"
	"github.com/polarisfin/polaris/internal/modules/marketdata"
	"github.com/polarisfin/polaris/internal/modules/portfolio"
)

// Run types.
const (
	RunTypeRealtime = "realtime"
	RunTypeSnapshot = "snapshot"
	RunTypeEOD      = "eod"
)

// IBORLineItem is one valued position in an IBOR NAV.
type IBORLineItem struct {
	InstrumentID  string  `json:"instrument_id"`
	Quantity      string  `json:"quantity"`
	Price         *string `json:"price"`
	PriceCurrency *string `json:"price_currency"`
	FxRateToRC    *string `json:"fx_rate_to_rc"`
	MarketValueRC string  `json:"market_value_rc"`
}

// IBORNav is the realtime valuation payload.
type IBORNav struct {
	ValuationBasis string         `json:"valuation_basis"`
	RunType        string         `json:"run_type"`
	PortfolioID    string         `json:"portfolio_id"`
	AsofTs         string         `json:"asof_ts"`
	ReportCurrency string         `json:"report_currency"`
	NavRC          string         `json:"nav_rc"`
	LineItems      []IBORLineItem `json:"line_items"`

	navTotal decimal.Decimal
	asofTime time.Time
}

// ABORLineItem is one valued snapshot position in an ABOR NAV. Price and
// FX provenance stays traceable per line.
type ABORLineItem struct {
	InstrumentID   string  `json:"instrument_id"`
	Quantity       string  `json:"quantity"`
	Price          *string `json:"price"`
	PriceCurrency  *string `json:"price_currency"`
	PriceAsofTs    *string `json:"price_asof_ts"`
	PriceSourceID  *string `json:"price_source_id"`
	FxRateToRC     *string `json:"fx_rate_to_rc"`
	FxRateAsofTs   *string `json:"fx_rate_asof_ts"`
	FxRateSourceID *string `json:"fx_rate_source_id"`
	MarketValueRC  string  `json:"market_value_rc"`

	priceAsofTime *time.Time
	fxAsofTime    *time.Time
}

// ABORNav is the end-of-day valuation payload.
type ABORNav struct {
	ValuationBasis string         `json:"valuation_basis"`
	RunType        string         `json:"run_type"`
	PortfolioID    string         `json:"portfolio_id"`
	AsofDate       string         `json:"asof_date"`
	AsofTs         string         `json:"asof_ts"`
	ReportCurrency string         `json:"report_currency"`
	NavRC          string         `json:"nav_rc"`
	LineItems      []ABORLineItem `json:"line_items"`

	navTotal decimal.Decimal
	asofTime time.Time
}

// Service computes and persists NAV runs.
type Service struct {
	positions   *portfolio.PositionRepository
	instruments *instruments.Repository
	marketData  *marketdata.Repository
	runs        *RunRepository
	log         zerolog.Logger
}

// NewService creates the NAV service.
func NewService(
	positions *portfolio.PositionRepository,
	instrumentRepo *instruments.Repository,
	marketData *marketdata.Repository,
	runs *RunRepository,
	log zerolog.Logger,
) *Service {
	return &Service{
		positions:   positions,
		instruments: instrumentRepo,
		marketData:  marketData,
		runs:        runs,
		log:         log.With().Str("component", "nav").Logger(),
	}
}

// Runs exposes the run repository.
func (s *Service) Runs() *RunRepository {
	return s.runs
}

// eodCutoff is the asof timestamp used for an EOD valuation date.
func eodCutoff(asofDate string) (time.Time, error) {
	day, err := time.Parse("2006-01-02", asofDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid asof_date %q: %w", asofDate, err)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), 23, 59, 59, 0, time.UTC), nil
}

// ComputeIBOR values the live positions of a portfolio as of asofTs.
// Missing market data fails the whole run: price_missing:{id} or
// fx_rate_missing:{base}->{quote}.
func (s *Service) ComputeIBOR(portfolioID int64, reportCurrency string, asofTs time.Time) (*IBORNav, error) {
	positions, err := s.positions.ListByPortfolio(portfolioID)
	if err != nil {
		return nil, err
	}

	nav := &IBORNav{
		ValuationBasis: "IBOR",
		RunType:        RunTypeRealtime,
		PortfolioID:    fmt.Sprintf("%d", portfolioID),
		AsofTs:         asofTs.UTC().Format(time.RFC3339),
		ReportCurrency: reportCurrency,
		LineItems:      []IBORLineItem{},
		asofTime:       asofTs.UTC(),
	}

	total := decimal.Zero
	for _, pos := range positions {
		instrumentType, err := s.instruments.TypeOf(pos.InstrumentID)
		if err != nil {
			return nil, err
		}

		if instrumentType == instruments.TypeCash {
			// Cash is carried at face value in the report currency.
			one := "1"
			nav.LineItems = append(nav.LineItems, IBORLineItem{
				InstrumentID:  fmt.Sprintf("%d", pos.InstrumentID),
				Quantity:      money.Canonical(pos.Quantity),
				Price:         &one,
				PriceCurrency: &reportCurrency,
				FxRateToRC:    &one,
				MarketValueRC: money.Canonical(pos.Quantity),
			})
			total = total.Add(pos.Quantity)
			continue
		}

		price, err := s.marketData.LatestPrice(pos.InstrumentID, asofTs)
		if err != nil {
			return nil, err
		}
		if price == nil {
			return nil, fmt.Errorf("price_missing:%d", pos.InstrumentID)
		}

		fx, err := s.fxToReport(price.Currency, reportCurrency, asofTs, false)
		if err != nil {
			return nil, err
		}

		mv := pos.Quantity.Mul(price.Price).Mul(fx.Rate)
		priceStr := money.Canonical(price.Price)
		fxStr := money.Canonical(fx.Rate)
		nav.LineItems = append(nav.LineItems, IBORLineItem{
			InstrumentID:  fmt.Sprintf("%d", pos.InstrumentID),
			Quantity:      money.Canonical(pos.Quantity),
			Price:         &priceStr,
			PriceCurrency: &price.Currency,
			FxRateToRC:    &fxStr,
			MarketValueRC: money.Canonical(mv),
		})
		total = total.Add(mv)
	}

	nav.NavRC = money.Canonical(total)
	nav.navTotal = total
	return nav, nil
}

// ComputeABOR values the EOD position snapshot of a portfolio for
// asofDate using EOD prices observed on that date and EOD FX rates up to
// the 23:59:59 UTC cutoff.
func (s *Service) ComputeABOR(portfolioID int64, reportCurrency, asofDate string) (*ABORNav, error) {
	cutoff, err := eodCutoff(asofDate)
	if err != nil {
		return nil, err
	}

	rows, err := s.positions.ListSnapshot(portfolioID, asofDate)
	if err != nil {
		return nil, err
	}

	nav := &ABORNav{
		ValuationBasis: "ABOR",
		RunType:        RunTypeEOD,
		PortfolioID:    fmt.Sprintf("%d", portfolioID),
		AsofDate:       asofDate,
		AsofTs:         cutoff.Format(time.RFC3339),
		ReportCurrency: reportCurrency,
		LineItems:      []ABORLineItem{},
		asofTime:       cutoff,
	}

	total := decimal.Zero
	for _, row := range rows {
		instrumentType, err := s.instruments.TypeOf(row.InstrumentID)
		if err != nil {
			return nil, err
		}

		if instrumentType == instruments.TypeCash {
			one := "1"
			nav.LineItems = append(nav.LineItems, ABORLineItem{
				InstrumentID:  fmt.Sprintf("%d", row.InstrumentID),
				Quantity:      money.Canonical(row.Quantity),
				Price:         &one,
				PriceCurrency: &reportCurrency,
				FxRateToRC:    &one,
				MarketValueRC: money.Canonical(row.Quantity),
			})
			total = total.Add(row.Quantity)
			continue
		}

		price, err := s.marketData.EODPrice(row.InstrumentID, asofDate)
		if err != nil {
			return nil, err
		}
		if price == nil {
			return nil, fmt.Errorf("eod_price_missing:%d:%s", row.InstrumentID, asofDate)
		}

		fx, err := s.fxToReport(price.Currency, reportCurrency, cutoff, true)
		if err != nil {
			return nil, err
		}

		mv := row.Quantity.Mul(price.Price).Mul(fx.Rate)
		priceStr := money.Canonical(price.Price)
		fxStr := money.Canonical(fx.Rate)
		priceAsof := price.AsofTs.Format(time.RFC3339)
		priceAsofTime := price.AsofTs

		item := ABORLineItem{
			InstrumentID:  fmt.Sprintf("%d", row.InstrumentID),
			Quantity:      money.Canonical(row.Quantity),
			Price:         &priceStr,
			PriceCurrency: &price.Currency,
			PriceAsofTs:   &priceAsof,
			PriceSourceID: price.SourceID,
			FxRateToRC:    &fxStr,
			MarketValueRC: money.Canonical(mv),
			priceAsofTime: &priceAsofTime,
		}
		if !fx.sameCurrency {
			fxAsof := fx.AsofTs.Format(time.RFC3339)
			fxAsofTime := fx.AsofTs
			item.FxRateAsofTs = &fxAsof
			item.FxRateSourceID = fx.SourceID
			item.fxAsofTime = &fxAsofTime
		}
		nav.LineItems = append(nav.LineItems, item)
		total = total.Add(mv)
	}

	nav.NavRC = money.Canonical(total)
	nav.navTotal = total
	return nav, nil
}

type fxResolution struct {
	marketdata.RatePoint
	sameCurrency bool
}

// fxToReport resolves a conversion rate from price currency to report
// currency, identity for same-currency.
func (s *Service) fxToReport(baseCurrency, reportCurrency string, asofTs time.Time, eodOnly bool) (*fxResolution, error) {
	if baseCurrency == reportCurrency {
		return &fxResolution{
			RatePoint:    marketdata.RatePoint{Rate: decimal.NewFromInt(1)},
			sameCurrency: true,
		}, nil
	}

	rate, err := s.marketData.LatestRate(baseCurrency, reportCurrency, asofTs, eodOnly)
	if err != nil {
		return nil, err
	}
	if rate == nil {
		return nil, fmt.Errorf("fx_rate_missing:%s->%s", baseCurrency, reportCurrency)
	}
	return &fxResolution{RatePoint: *rate}, nil
}
