package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"LeverEngine/internal/amm"
	"LeverEngine/internal/chain"
	"LeverEngine/internal/custody"
	"LeverEngine/internal/engine"
	"LeverEngine/internal/fixedpoint"
	"LeverEngine/internal/market"
	"LeverEngine/internal/oracle"
	"LeverEngine/internal/position"
	"LeverEngine/internal/query"
	"LeverEngine/internal/risk"
)

// API exposes the trading engine over HTTP/JSON. Amount fields are
// decimal strings end to end; floats never cross the wire.
type API struct {
	eng     *engine.Engine
	markets *market.Registry
	ledger  *position.Ledger
	vault   custody.Ledger
	history *query.Service
	log     zerolog.Logger
}

func NewAPI(eng *engine.Engine, markets *market.Registry, ledger *position.Ledger, vault custody.Ledger, history *query.Service, log zerolog.Logger) *API {
	return &API{eng: eng, markets: markets, ledger: ledger, vault: vault, history: history, log: log}
}

func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/positions", a.openPosition)
	mux.HandleFunc("POST /v1/positions/{id}/close", a.closePosition)
	mux.HandleFunc("GET /v1/positions/{id}", a.getPosition)
	mux.HandleFunc("GET /v1/markets", a.listMarkets)
	mux.HandleFunc("POST /v1/markets", a.createMarket)
	mux.HandleFunc("GET /v1/markets/{id}", a.getMarket)
	mux.HandleFunc("POST /v1/markets/{id}/resolve", a.resolveMarket)
	mux.HandleFunc("POST /v1/markets/{id}/status", a.setMarketStatus)
	mux.HandleFunc("POST /v1/chains", a.beginChain)
	mux.HandleFunc("POST /v1/chains/{id}/steps", a.appendStep)
	mux.HandleFunc("POST /v1/chains/{id}/commit", a.commitChain)
	mux.HandleFunc("DELETE /v1/chains/{id}", a.abandonChain)
	mux.HandleFunc("GET /v1/accounts/{owner}/balance", a.getBalance)
	mux.HandleFunc("POST /v1/accounts/{owner}/deposit", a.deposit)
	mux.HandleFunc("GET /v1/events", a.listEvents)
}

type openPositionRequest struct {
	Owner      string `json:"owner"`
	MarketID   string `json:"market_id"`
	Outcome    int    `json:"outcome"`
	Collateral string `json:"collateral"`
	Leverage   int64  `json:"leverage"`
	Direction  string `json:"direction"` // "long" or "short"
}

type positionResponse struct {
	ID               string `json:"id"`
	Owner            string `json:"owner"`
	MarketID         string `json:"market_id"`
	Outcome          int    `json:"outcome"`
	Size             string `json:"size"`
	Leverage         int64  `json:"leverage"`
	EntryPrice       string `json:"entry_price"`
	Collateral       string `json:"collateral"`
	LiquidationPrice string `json:"liquidation_price"`
	Status           string `json:"status"`
	OpenedAt         string `json:"opened_at"`
}

func positionJSON(p *position.Position) positionResponse {
	return positionResponse{
		ID:               p.ID.String(),
		Owner:            p.Owner.String(),
		MarketID:         p.MarketID,
		Outcome:          p.Outcome,
		Size:             p.Size.String(),
		Leverage:         p.Leverage,
		EntryPrice:       p.EntryPrice.String(),
		Collateral:       p.Collateral.String(),
		LiquidationPrice: p.LiquidationPrice.String(),
		Status:           p.Status.String(),
		OpenedAt:         p.OpenedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (a *API) openPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	owner, err := uuid.Parse(req.Owner)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	collateral, err := fixedpoint.FromDecimalString(req.Collateral)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	direction, err := parseDirection(req.Direction)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	pos, err := a.eng.OpenPosition(r.Context(), engine.TradeRequest{
		Owner:      owner,
		MarketID:   req.MarketID,
		Outcome:    req.Outcome,
		Collateral: collateral,
		Leverage:   req.Leverage,
		Direction:  direction,
	})
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, positionJSON(pos))
}

type closePositionRequest struct {
	Fraction string `json:"fraction"`
}

type closePositionResponse struct {
	Realized           string `json:"realized"`
	Funding            string `json:"funding"`
	Fees               string `json:"fees"`
	CollateralReturned string `json:"collateral_returned"`
}

func (a *API) closePosition(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req closePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	fraction := fixedpoint.One
	if req.Fraction != "" {
		fraction, err = fixedpoint.FromDecimalString(req.Fraction)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	pnl, err := a.eng.ClosePosition(r.Context(), id, fraction)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, closePositionResponse{
		Realized:           pnl.Realized.String(),
		Funding:            pnl.Funding.String(),
		Fees:               pnl.Fees.String(),
		CollateralReturned: pnl.CollateralReturned.String(),
	})
}

func (a *API) getPosition(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	p, err := a.ledger.Get(id)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, positionJSON(p))
}

type marketResponse struct {
	ID                string   `json:"id"`
	Status            string   `json:"status"`
	Prices            []string `json:"prices"`
	OpenInterestLong  string   `json:"open_interest_long"`
	OpenInterestShort string   `json:"open_interest_short"`
	FundingIndex      string   `json:"funding_index"`
	Version           int64    `json:"version"`
}

func (a *API) listMarkets(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string][]string{"markets": a.markets.IDs()})
}

func (a *API) getMarket(w http.ResponseWriter, r *http.Request) {
	snap, err := a.markets.Snapshot(r.PathValue("id"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	prices, err := snap.AMM.Prices()
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	out := make([]string, len(prices))
	for i, p := range prices {
		out[i] = p.String()
	}
	a.writeJSON(w, http.StatusOK, marketResponse{
		ID:                snap.ID,
		Status:            snap.Status.String(),
		Prices:            out,
		OpenInterestLong:  snap.OpenInterestLong.String(),
		OpenInterestShort: snap.OpenInterestShort.String(),
		FundingIndex:      snap.FundingIndex.String(),
		Version:           snap.Version,
	})
}

type resolveRequest struct {
	Outcome int `json:"outcome"`
}

func (a *API) resolveMarket(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	err := a.eng.ResolveMarket(oracle.Resolution{
		MarketID: r.PathValue("id"),
		Outcome:  req.Outcome,
		At:       time.Now().UTC(),
	})
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type beginChainRequest struct {
	Owner      string `json:"owner"`
	Collateral string `json:"collateral"`
}

type chainResponse struct {
	ID                string   `json:"id"`
	Owner             string   `json:"owner"`
	Status            string   `json:"status"`
	Steps             int      `json:"steps"`
	EffectiveLeverage string   `json:"effective_leverage,omitempty"`
	PositionIDs       []string `json:"position_ids,omitempty"`
}

func chainJSON(c *chain.Chain) chainResponse {
	resp := chainResponse{
		ID:     c.ID.String(),
		Owner:  c.Owner.String(),
		Status: c.Status.String(),
		Steps:  len(c.Steps),
	}
	if !c.EffectiveLeverage.IsZero() {
		resp.EffectiveLeverage = c.EffectiveLeverage.String()
	}
	for _, id := range c.PositionIDs {
		resp.PositionIDs = append(resp.PositionIDs, id.String())
	}
	return resp
}

func (a *API) beginChain(w http.ResponseWriter, r *http.Request) {
	var req beginChainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	owner, err := uuid.Parse(req.Owner)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	collateral, err := fixedpoint.FromDecimalString(req.Collateral)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	c, err := a.eng.Chains().Begin(owner, collateral)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, chainJSON(c))
}

type appendStepRequest struct {
	MarketID  string `json:"market_id"`
	Outcome   int    `json:"outcome"`
	Leverage  int64  `json:"leverage"`
	Direction string `json:"direction"`
}

func (a *API) appendStep(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req appendStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	direction, err := parseDirection(req.Direction)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	err = a.eng.Chains().Append(id, chain.Step{
		MarketID:  req.MarketID,
		Outcome:   req.Outcome,
		Leverage:  req.Leverage,
		Direction: direction,
	})
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) commitChain(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	c, err := a.eng.CommitChain(r.Context(), id)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, chainJSON(c))
}

func (a *API) abandonChain(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.eng.Chains().Abandon(id); err != nil {
		a.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getBalance(w http.ResponseWriter, r *http.Request) {
	owner, err := uuid.Parse(r.PathValue("owner"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	bal, err := a.vault.Balance(r.Context(), owner)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"balance": bal.String()})
}

// modelSpec describes an AMM model. Hybrid nests two sub-specs.
type modelSpec struct {
	Model    string   `json:"model"` // lmsr, pmamm, continuous, hybrid
	Outcomes int      `json:"outcomes"`
	B        string   `json:"b,omitempty"`
	Mean     string   `json:"mean,omitempty"`
	Sigma    string   `json:"sigma,omitempty"`
	Coeffs   []string `json:"coeffs,omitempty"`
	Weight   string   `json:"weight,omitempty"`

	A *modelSpec `json:"a,omitempty"`
	C *modelSpec `json:"c,omitempty"`
}

type createMarketRequest struct {
	ID string `json:"id"`
	modelSpec
}

func buildModel(spec *modelSpec) (amm.State, error) {
	parse := func(s string) (fixedpoint.FP, error) {
		if s == "" {
			return fixedpoint.Zero, errors.New("missing model parameter")
		}
		return fixedpoint.FromDecimalString(s)
	}

	switch spec.Model {
	case "lmsr":
		b, err := parse(spec.B)
		if err != nil {
			return nil, err
		}
		return amm.NewLMSR(b, spec.Outcomes)
	case "pmamm":
		coeffs := make([]fixedpoint.FP, len(spec.Coeffs))
		for i, c := range spec.Coeffs {
			v, err := parse(c)
			if err != nil {
				return nil, err
			}
			coeffs[i] = v
		}
		return amm.NewPMAMM(coeffs, spec.Outcomes)
	case "continuous":
		mean, err := parse(spec.Mean)
		if err != nil {
			return nil, err
		}
		sigma, err := parse(spec.Sigma)
		if err != nil {
			return nil, err
		}
		b, err := parse(spec.B)
		if err != nil {
			return nil, err
		}
		return amm.NewContinuous(mean, sigma, b, spec.Outcomes)
	case "hybrid":
		if spec.A == nil || spec.C == nil {
			return nil, errors.New("hybrid model requires two sub-models")
		}
		sub1, err := buildModel(spec.A)
		if err != nil {
			return nil, err
		}
		sub2, err := buildModel(spec.C)
		if err != nil {
			return nil, err
		}
		weight, err := parse(spec.Weight)
		if err != nil {
			return nil, err
		}
		return amm.NewHybrid(sub1, sub2, weight)
	default:
		return nil, errors.New("unknown model: " + spec.Model)
	}
}

func (a *API) createMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ID == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("id is required"))
		return
	}
	st, err := buildModel(&req.modelSpec)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := a.markets.Create(req.ID, st); err != nil {
		if errors.Is(err, market.ErrAlreadyExists) {
			a.writeError(w, http.StatusConflict, err)
			return
		}
		a.writeDomainError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

type setStatusRequest struct {
	Status string `json:"status"`
}

func (a *API) setMarketStatus(w http.ResponseWriter, r *http.Request) {
	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	var st market.Status
	switch req.Status {
	case "active":
		st = market.StatusActive
	case "paused":
		st = market.StatusPaused
	case "halted":
		st = market.StatusHalted
	default:
		a.writeError(w, http.StatusBadRequest, errors.New("status must be active, paused, or halted"))
		return
	}
	if err := a.markets.SetStatus(r.PathValue("id"), st); err != nil {
		a.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type depositRequest struct {
	Amount string `json:"amount"`
}

func (a *API) deposit(w http.ResponseWriter, r *http.Request) {
	owner, err := uuid.Parse(r.PathValue("owner"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := fixedpoint.FromDecimalString(req.Amount)
	if err != nil || !amount.IsPositive() {
		a.writeError(w, http.StatusBadRequest, errors.New("amount must be a positive decimal"))
		return
	}
	if err := a.vault.Credit(r.Context(), owner, amount); err != nil {
		a.writeDomainError(w, err)
		return
	}
	bal, err := a.vault.Balance(r.Context(), owner)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"balance": bal.String()})
}

func (a *API) listEvents(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		a.writeError(w, http.StatusNotImplemented, errors.New("event log not configured"))
		return
	}

	var f query.Filter
	f.MarketID = r.URL.Query().Get("market_id")
	f.EventType = r.URL.Query().Get("type")
	if v := r.URL.Query().Get("after"); v != "" {
		after, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		f.AfterSeq = after
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		f.Limit = limit
	}

	events, err := a.history.History(r.Context(), f)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func parseDirection(s string) (int64, error) {
	switch s {
	case "long", "":
		return 1, nil
	case "short":
		return -1, nil
	default:
		return 0, errors.New("direction must be \"long\" or \"short\"")
	}
}

// writeDomainError maps engine errors onto HTTP statuses.
func (a *API) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, market.ErrNotFound),
		errors.Is(err, position.ErrNotFound),
		errors.Is(err, chain.ErrNotFound):
		a.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, risk.ErrMarketHalted),
		errors.Is(err, market.ErrNotActive):
		a.writeError(w, http.StatusConflict, err)
	case errors.Is(err, custody.ErrInsufficientFunds):
		a.writeError(w, http.StatusPaymentRequired, err)
	case errors.Is(err, custody.ErrUnavailable):
		a.writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, position.ErrLeverageExceedsCap),
		errors.Is(err, position.ErrInsufficientCollateral),
		errors.Is(err, position.ErrInvalidFraction),
		errors.Is(err, chain.ErrCycleDetected),
		errors.Is(err, chain.ErrTooLong),
		errors.Is(err, chain.ErrTooShort),
		errors.Is(err, chain.ErrNotBuilding),
		errors.Is(err, oracle.ErrInvalidOutcome):
		a.writeError(w, http.StatusUnprocessableEntity, err)
	default:
		a.log.Error().Err(err).Msg("internal error")
		a.writeError(w, http.StatusInternalServerError, err)
	}
}

func (a *API) writeError(w http.ResponseWriter, code int, err error) {
	a.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (a *API) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error().Err(err).Msg("response encode failed")
	}
}
