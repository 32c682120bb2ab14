package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"collateralx/native/bank"
	"collateralx/native/lending"
	"collateralx/native/stable"
	"collateralx/oracle"
)

var (
	errBadRequest = errors.New("bad request")
	errForbidden  = errors.New("caller may not act for this account")
	errFaucetOff  = errors.New("faucet disabled")
)

type apiError struct {
	status  int
	code    string
	message string
}

func toAPIError(err error) apiError {
	switch {
	case err == nil:
		return apiError{status: http.StatusOK}
	case errors.Is(err, errBadRequest):
		return apiError{http.StatusBadRequest, "bad_request", err.Error()}
	case errors.Is(err, errUnauthenticated):
		return apiError{http.StatusUnauthorized, "unauthenticated", err.Error()}
	case errors.Is(err, errForbidden):
		return apiError{http.StatusForbidden, "forbidden", err.Error()}
	case errors.Is(err, errFaucetOff):
		return apiError{http.StatusNotFound, "faucet_disabled", err.Error()}
	case errors.Is(err, lending.ErrInvalidAmount),
		errors.Is(err, stable.ErrInvalidAmount),
		errors.Is(err, bank.ErrInvalidAmount),
		errors.Is(err, bank.ErrAmountOverflow):
		return apiError{http.StatusBadRequest, "invalid_amount", "invalid amount"}
	case errors.Is(err, lending.ErrNoLoansSpecified):
		return apiError{http.StatusBadRequest, "no_loans_specified", "no loans specified"}
	case errors.Is(err, lending.ErrInvalidLoanIndex):
		return apiError{http.StatusBadRequest, "invalid_loan_index", "invalid loan index"}
	case errors.Is(err, stable.ErrZeroAddress):
		return apiError{http.StatusBadRequest, "zero_address", "zero address"}
	case errors.Is(err, lending.ErrNoCollateral):
		return apiError{http.StatusUnprocessableEntity, "no_collateral", "no collateral deposited"}
	case errors.Is(err, lending.ErrInsufficientCollateral):
		return apiError{http.StatusUnprocessableEntity, "insufficient_collateral", "insufficient collateral"}
	case errors.Is(err, lending.ErrInsufficientRepaymentAuthorization):
		return apiError{http.StatusUnprocessableEntity, "insufficient_repayment_authorization", "insufficient repayment authorization"}
	case errors.Is(err, lending.ErrExceedsDeposit):
		return apiError{http.StatusUnprocessableEntity, "exceeds_deposit", "amount exceeds deposited collateral"}
	case errors.Is(err, lending.ErrWithdrawalUnsafe):
		return apiError{http.StatusUnprocessableEntity, "withdrawal_unsafe", "withdrawal would breach collateral ratio"}
	case errors.Is(err, stable.ErrInsufficientAllowance):
		return apiError{http.StatusUnprocessableEntity, "insufficient_allowance", "insufficient allowance"}
	case errors.Is(err, stable.ErrInsufficientBalance),
		errors.Is(err, bank.ErrInsufficientBalance):
		return apiError{http.StatusUnprocessableEntity, "insufficient_balance", "insufficient balance"}
	case errors.Is(err, lending.ErrPositionSafe):
		return apiError{http.StatusConflict, "position_safe", "position is not liquidatable"}
	case errors.Is(err, lending.ErrInsufficientLiquidity):
		return apiError{http.StatusServiceUnavailable, "insufficient_liquidity", "insufficient stable liquidity"}
	case errors.Is(err, lending.ErrInvalidPrice),
		errors.Is(err, oracle.ErrNonPositivePrice),
		errors.Is(err, oracle.ErrStalePrice):
		return apiError{http.StatusServiceUnavailable, "oracle_unavailable", "price feed unavailable"}
	case errors.Is(err, lending.ErrNilState):
		return apiError{http.StatusServiceUnavailable, "unavailable", "lending engine unavailable"}
	default:
		return apiError{http.StatusInternalServerError, "internal", "internal error"}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, apiErr apiError) {
	message := apiErr.message
	if message == "" {
		message = http.StatusText(apiErr.status)
	}
	writeJSON(w, apiErr.status, map[string]string{"error": message, "code": apiErr.code})
}
