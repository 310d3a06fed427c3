package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"referral-engine/internal/commission"
	"referral-engine/internal/domain"
	"referral-engine/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CommissionQuoter resolves commissions without granting usage.
type CommissionQuoter interface {
	Resolve(ctx context.Context, cc commission.ConversionContext, excluded map[string]bool) (*commission.Resolution, error)
}

// CommissionsHandler serves dry-run commission quotes.
type CommissionsHandler struct {
	quoter          CommissionQuoter
	partners        repository.PartnerDirectory
	defaultCurrency string
	log             *zap.Logger
}

func NewCommissionsHandler(quoter CommissionQuoter, partners repository.PartnerDirectory, defaultCurrency string, log *zap.Logger) *CommissionsHandler {
	return &CommissionsHandler{quoter: quoter, partners: partners, defaultCurrency: defaultCurrency, log: log}
}

type quoteRequest struct {
	PartnerID         string          `json:"partner_id"`
	ReferralCode      string          `json:"referral_code" validate:"required_without=PartnerID"`
	ProductID         string          `json:"product_id"`
	Category          string          `json:"category"`
	SupplierID        string          `json:"supplier_id"`
	OrderAmount       decimal.Decimal `json:"order_amount"`
	Currency          string          `json:"currency" validate:"omitempty,len=3"`
	IsNewCustomer     bool            `json:"is_new_customer"`
	HasDiscountedItem bool            `json:"has_discounted_item"`
}

type quoteLine struct {
	PolicyID   string          `json:"policy_id"`
	PolicyCode string          `json:"policy_code"`
	RawAmount  decimal.Decimal `json:"raw_amount"`
	Amount     decimal.Decimal `json:"amount"`
}

type quoteResponse struct {
	PartnerID   string          `json:"partner_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Currency    string          `json:"currency"`
	Policies    []quoteLine     `json:"policies"`
}

// Quote handles POST /api/commissions/quote.
func (h *CommissionsHandler) Quote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := domain.Validate(&req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if req.OrderAmount.IsNegative() {
		writeError(w, h.log, domain.NewValidationError("order_amount", "must not be negative"))
		return
	}

	partner, err := h.partner(r.Context(), req)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = h.defaultCurrency
	}
	res, err := h.quoter.Resolve(r.Context(), commission.ConversionContext{
		PartnerID:         partner.ID,
		PartnerTier:       partner.Tier,
		ProductID:         req.ProductID,
		Category:          req.Category,
		SupplierID:        req.SupplierID,
		OrderAmount:       req.OrderAmount,
		Currency:          currency,
		IsNewCustomer:     req.IsNewCustomer,
		HasDiscountedItem: req.HasDiscountedItem,
		Now:               time.Now().UTC(),
	}, nil)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	resp := quoteResponse{
		PartnerID:   partner.ID,
		TotalAmount: res.TotalAmount,
		Currency:    res.Currency,
		Policies:    make([]quoteLine, 0, len(res.Policies)),
	}
	for _, ap := range res.Policies {
		resp.Policies = append(resp.Policies, quoteLine{
			PolicyID:   ap.Policy.ID,
			PolicyCode: ap.Policy.PolicyCode,
			RawAmount:  ap.RawAmount,
			Amount:     ap.Amount,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *CommissionsHandler) partner(ctx context.Context, req quoteRequest) (*domain.Partner, error) {
	var (
		p   *domain.Partner
		err error
		key = req.PartnerID
	)
	if req.PartnerID != "" {
		p, err = h.partners.GetPartner(ctx, req.PartnerID)
	} else {
		key = req.ReferralCode
		p, err = h.partners.GetPartnerByReferralCode(ctx, req.ReferralCode)
	}
	if errors.Is(err, repository.ErrPartnerNotFound) {
		return nil, domain.NewNotFoundError("partner", key)
	}
	return p, err
}
