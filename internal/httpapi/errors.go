package httpapi

import (
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/promptledger/internal/billing"
	"github.com/MarkoPoloResearchLab/promptledger/internal/jobs"
	"github.com/MarkoPoloResearchLab/promptledger/internal/pricing"
	"github.com/MarkoPoloResearchLab/promptledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{ledger.ErrInvalidUserID, http.StatusBadRequest, "invalid_user_id"},
	{ledger.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{ledger.ErrInvalidBucketType, http.StatusBadRequest, "invalid_bucket_type"},
	{ledger.ErrInvalidExternalRef, http.StatusBadRequest, "invalid_external_ref"},
	{ledger.ErrInvalidSource, http.StatusBadRequest, "invalid_source"},
	{ledger.ErrInvalidExpiry, http.StatusBadRequest, "invalid_expiry"},
	{ledger.ErrInvalidItem, http.StatusBadRequest, "invalid_item"},
	{ledger.ErrInvalidMetadataJSON, http.StatusBadRequest, "invalid_metadata"},
	{ledger.ErrInvalidPage, http.StatusBadRequest, "invalid_page"},
	{billing.ErrInvalidPayment, http.StatusBadRequest, "invalid_payment"},
	{pricing.ErrUnknownModel, http.StatusBadRequest, "unknown_model"},
	{pricing.ErrInvalidCreatorFee, http.StatusBadRequest, "invalid_creator_fee"},
	{pricing.ErrInvalidPromptLength, http.StatusBadRequest, "invalid_prompt_length"},
	{billing.ErrFlowNotFound, http.StatusNotFound, "flow_not_found"},
	{jobs.ErrJobRunning, http.StatusConflict, "job_running"},
	{ledger.ErrInsufficientCredits, http.StatusPaymentRequired, "insufficient_credits"},
	{ledger.ErrStorageUnavailable, http.StatusServiceUnavailable, "storage_unavailable"},
}

func (handler *httpHandler) respondError(ctx *gin.Context, operation string, err error) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			if mapping.status >= http.StatusInternalServerError {
				handler.logger.Error(operation+" failed", zap.Error(err))
			}
			ctx.JSON(mapping.status, errorResponse(mapping.code, err.Error()))
			return
		}
	}
	if ledger.IsValidationError(err) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	handler.logger.Error(operation+" failed", zap.Error(err))
	ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", operation+" failed"))
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
