package rpc

import (
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/holiman/uint256"

	"nftmarket/crypto"
	"nftmarket/gateway/middleware"
	"nftmarket/native/market"
)

type setListingFeeParams struct {
	Amount string `json:"amount"`
}

type createListingParams struct {
	AssetContract string `json:"assetContract"`
	AssetID       string `json:"assetId"`
	Price         string `json:"price"`
	Fee           string `json:"fee"`
}

type purchaseParams struct {
	ListingID json.RawMessage `json:"listingId"`
	Payment   string          `json:"payment"`
}

type feeResult struct {
	Fee string `json:"fee"`
}

type balanceResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

type listingJSON struct {
	ID            uint64 `json:"id"`
	AssetContract string `json:"assetContract"`
	AssetID       string `json:"assetId"`
	Seller        string `json:"seller"`
	Owner         string `json:"owner,omitempty"`
	Price         string `json:"price"`
	Status        string `json:"status"`
	CreatedAt     int64  `json:"createdAt"`
	SoldAt        int64  `json:"soldAt,omitempty"`
}

func formatListing(l *market.Listing) listingJSON {
	out := listingJSON{
		ID:            l.ID,
		AssetContract: crypto.Address(l.AssetContract).Hex(),
		Seller:        crypto.Address(l.Seller).Hex(),
		Status:        l.Status.String(),
		CreatedAt:     l.CreatedAt,
		SoldAt:        l.SoldAt,
	}
	if l.AssetID != nil {
		out.AssetID = l.AssetID.Dec()
	}
	if l.Price != nil {
		out.Price = l.Price.String()
	}
	if owner := crypto.Address(l.Owner); !owner.IsZero() {
		out.Owner = owner.Hex()
	}
	return out
}

func formatListings(listings []*market.Listing) []listingJSON {
	out := make([]listingJSON, 0, len(listings))
	for _, l := range listings {
		if l == nil {
			continue
		}
		out = append(out, formatListing(l))
	}
	return out
}

// requireCaller resolves the authenticated account for mutating methods.
func (s *Server) requireCaller(r *http.Request) (crypto.Address, *rpcFailure) {
	if !s.auth.Enabled() {
		return crypto.Address{}, failure(http.StatusUnauthorized, codeUnauthorized, "RPC authentication not configured", nil)
	}
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		return crypto.Address{}, failure(http.StatusUnauthorized, codeUnauthorized, "missing bearer token", nil)
	}
	return caller, nil
}

func singleParam(req *RPCRequest, out interface{}) *rpcFailure {
	if len(req.Params) != 1 {
		return invalidParams("exactly one parameter expected", nil)
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		return invalidParams("invalid parameter", err.Error())
	}
	return nil
}

func parseAmount(field, raw string) (*big.Int, *rpcFailure) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, invalidParams(field+" required", nil)
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, invalidParams("invalid "+field, trimmed)
	}
	return value, nil
}

// parseUint64 accepts a JSON number or a decimal string.
func parseUint64(field string, raw json.RawMessage) (uint64, *rpcFailure) {
	if len(raw) == 0 {
		return 0, invalidParams(field+" required", nil)
	}
	var number uint64
	if err := json.Unmarshal(raw, &number); err == nil {
		return number, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return 0, invalidParams("invalid "+field, err.Error())
	}
	number, err := strconv.ParseUint(strings.TrimSpace(text), 10, 64)
	if err != nil {
		return 0, invalidParams("invalid "+field, err.Error())
	}
	return number, nil
}

func parseAddressParam(field, raw string) (crypto.Address, *rpcFailure) {
	addr, err := crypto.ParseAddress(raw)
	if err != nil {
		return crypto.Address{}, invalidParams("invalid "+field, err.Error())
	}
	return addr, nil
}

func (s *Server) handleGetListingFee(_ *http.Request, _ *RPCRequest) (interface{}, *rpcFailure) {
	return feeResult{Fee: s.ledger.ListingFee().String()}, nil
}

func (s *Server) handleSetListingFee(r *http.Request, req *RPCRequest) (interface{}, *rpcFailure) {
	caller, fail := s.requireCaller(r)
	if fail != nil {
		return nil, fail
	}
	var params setListingFeeParams
	if fail := singleParam(req, &params); fail != nil {
		return nil, fail
	}
	amount, fail := parseAmount("amount", params.Amount)
	if fail != nil {
		return nil, fail
	}
	s.mu.Lock()
	err := s.ledger.SetListingFee(caller, amount)
	s.mu.Unlock()
	if err != nil {
		return nil, s.ledgerFailure(r, req.Method, err)
	}
	return feeResult{Fee: amount.String()}, nil
}

func (s *Server) handleCreateListing(r *http.Request, req *RPCRequest) (interface{}, *rpcFailure) {
	caller, fail := s.requireCaller(r)
	if fail != nil {
		return nil, fail
	}
	var params createListingParams
	if fail := singleParam(req, &params); fail != nil {
		return nil, fail
	}
	contract, fail := parseAddressParam("assetContract", params.AssetContract)
	if fail != nil {
		return nil, fail
	}
	assetID, err := uint256.FromDecimal(strings.TrimSpace(params.AssetID))
	if err != nil {
		return nil, invalidParams("invalid assetId", err.Error())
	}
	price, fail := parseAmount("price", params.Price)
	if fail != nil {
		return nil, fail
	}
	fee, fail := parseAmount("fee", params.Fee)
	if fail != nil {
		return nil, fail
	}
	s.mu.Lock()
	listing, err := s.ledger.CreateListing(r.Context(), caller, contract, assetID, price, fee)
	s.mu.Unlock()
	if err != nil {
		return nil, s.ledgerFailure(r, req.Method, err)
	}
	return formatListing(listing), nil
}

func (s *Server) handlePurchase(r *http.Request, req *RPCRequest) (interface{}, *rpcFailure) {
	caller, fail := s.requireCaller(r)
	if fail != nil {
		return nil, fail
	}
	var params purchaseParams
	if fail := singleParam(req, &params); fail != nil {
		return nil, fail
	}
	listingID, fail := parseUint64("listingId", params.ListingID)
	if fail != nil {
		return nil, fail
	}
	payment, fail := parseAmount("payment", params.Payment)
	if fail != nil {
		return nil, fail
	}
	s.mu.Lock()
	listing, err := s.ledger.Purchase(r.Context(), caller, listingID, payment)
	s.mu.Unlock()
	if err != nil {
		return nil, s.ledgerFailure(r, req.Method, err)
	}
	return formatListing(listing), nil
}

func (s *Server) handleGetListing(r *http.Request, req *RPCRequest) (interface{}, *rpcFailure) {
	if len(req.Params) != 1 {
		return nil, invalidParams("listing id parameter required", nil)
	}
	id, fail := parseUint64("listing id", req.Params[0])
	if fail != nil {
		return nil, fail
	}
	listing, err := s.ledger.Listing(id)
	if err != nil {
		return nil, s.ledgerFailure(r, req.Method, err)
	}
	return formatListing(listing), nil
}

func (s *Server) handleAvailableListings(_ *http.Request, _ *RPCRequest) (interface{}, *rpcFailure) {
	return formatListings(s.ledger.AvailableListings()), nil
}

func (s *Server) accountParam(req *RPCRequest) (crypto.Address, *rpcFailure) {
	var raw string
	if fail := singleParam(req, &raw); fail != nil {
		return crypto.Address{}, fail
	}
	return parseAddressParam("address", raw)
}

func (s *Server) handleListingsCreatedBy(_ *http.Request, req *RPCRequest) (interface{}, *rpcFailure) {
	account, fail := s.accountParam(req)
	if fail != nil {
		return nil, fail
	}
	return formatListings(s.ledger.ListingsCreatedBy(account)), nil
}

func (s *Server) handleListingsPurchasedBy(_ *http.Request, req *RPCRequest) (interface{}, *rpcFailure) {
	account, fail := s.accountParam(req)
	if fail != nil {
		return nil, fail
	}
	return formatListings(s.ledger.ListingsPurchasedBy(account)), nil
}

func (s *Server) handleStats(_ *http.Request, _ *RPCRequest) (interface{}, *rpcFailure) {
	return s.ledger.Stats(), nil
}

func (s *Server) handleGetBalance(r *http.Request, req *RPCRequest) (interface{}, *rpcFailure) {
	if s.balances == nil {
		return nil, failure(http.StatusServiceUnavailable, codeServerError, "balances unavailable", nil)
	}
	account, fail := s.accountParam(req)
	if fail != nil {
		return nil, fail
	}
	balance, err := s.balances.Balance(account)
	if err != nil {
		s.logger.Error("balance lookup failed",
			slog.String("request_id", requestIDFrom(r.Context())),
			slog.String("error", err.Error()))
		return nil, failure(http.StatusInternalServerError, codeServerError, "failed to load account", nil)
	}
	return balanceResult{Address: account.Hex(), Balance: balance.String()}, nil
}
