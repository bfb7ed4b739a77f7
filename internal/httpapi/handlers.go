package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/promptledger/internal/billing"
	"github.com/MarkoPoloResearchLab/promptledger/internal/jobs"
	"github.com/MarkoPoloResearchLab/promptledger/internal/tier"
	"github.com/MarkoPoloResearchLab/promptledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func pathUserID(ctx *gin.Context) (ledger.UserID, bool) {
	userID, err := ledger.NewUserID(ctx.Param("userID"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", err.Error()))
		return ledger.UserID{}, false
	}
	return userID, true
}

func queryInt(ctx *gin.Context, name string) (int, bool) {
	raw := strings.TrimSpace(ctx.Query(name))
	if raw == "" {
		return 0, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_query", name+" must be an integer"))
		return 0, false
	}
	return value, true
}

func bindJSON(ctx *gin.Context, target any) bool {
	if err := ctx.ShouldBindJSON(target); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return false
	}
	return true
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := pathUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	breakdown, err := handler.ledger.Breakdown(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "balance", err)
		return
	}
	debited, err := handler.ledger.LifetimeDebited(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "balance", err)
		return
	}
	ctx.JSON(http.StatusOK, balanceResponse{
		UserID:          userID.String(),
		Total:           breakdown.Total().Int64(),
		Purchased:       breakdown.Purchased.Int64(),
		Bonus:           breakdown.Bonus.Int64(),
		Referral:        breakdown.Referral.Int64(),
		LifetimeDebited: debited.Int64(),
	})
}

func (handler *httpHandler) handleHistory(ctx *gin.Context) {
	userID, ok := pathUserID(ctx)
	if !ok {
		return
	}
	limit, ok := queryInt(ctx, "limit")
	if !ok {
		return
	}
	offset, ok := queryInt(ctx, "offset")
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	transactions, err := handler.ledger.History(requestCtx, userID, limit, offset)
	if err != nil {
		handler.respondError(ctx, "history", err)
		return
	}
	payload := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, newTransactionPayload(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

func (handler *httpHandler) handleBuckets(ctx *gin.Context) {
	userID, ok := pathUserID(ctx)
	if !ok {
		return
	}
	includeExpired := ctx.Query("include_expired") == "true"
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	buckets, err := handler.ledger.Buckets(requestCtx, userID, includeExpired)
	if err != nil {
		handler.respondError(ctx, "buckets", err)
		return
	}
	payload := make([]bucketPayload, 0, len(buckets))
	for _, bucket := range buckets {
		payload = append(payload, newBucketPayload(bucket))
	}
	ctx.JSON(http.StatusOK, gin.H{"buckets": payload})
}

func (handler *httpHandler) handleGrant(ctx *gin.Context) {
	userID, ok := pathUserID(ctx)
	if !ok {
		return
	}
	var request grantRequest
	if !bindJSON(ctx, &request) {
		return
	}
	amount, err := ledger.NewPositiveCredits(request.Amount)
	if err != nil {
		handler.respondError(ctx, "grant", err)
		return
	}
	bucketType, err := ledger.ParseBucketType(request.Type)
	if err != nil {
		handler.respondError(ctx, "grant", err)
		return
	}
	var externalRef ledger.ExternalRef
	if strings.TrimSpace(request.ExternalRef) != "" {
		externalRef, err = ledger.NewExternalRef(request.ExternalRef)
		if err != nil {
			handler.respondError(ctx, "grant", err)
			return
		}
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.billing.AddCredits(requestCtx, billing.AddCreditsRequest{
		UserID:      userID,
		Amount:      amount,
		Type:        bucketType,
		Source:      request.Source,
		ExpiryDays:  request.ExpiryDays,
		ExternalRef: externalRef,
		Description: request.Description,
	})
	if err != nil {
		handler.respondError(ctx, "grant", err)
		return
	}
	respondGrant(ctx, result)
}

func (handler *httpHandler) handlePurchase(ctx *gin.Context) {
	userID, ok := pathUserID(ctx)
	if !ok {
		return
	}
	var request purchaseRequest
	if !bindJSON(ctx, &request) {
		return
	}
	amount, err := ledger.NewPositiveCredits(request.Amount)
	if err != nil {
		handler.respondError(ctx, "purchase", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.billing.RecordPurchase(requestCtx, billing.PurchaseRequest{
		UserID:    userID,
		Amount:    amount,
		PaymentID: request.PaymentID,
		Source:    request.Source,
	})
	if err != nil {
		handler.respondError(ctx, "purchase", err)
		return
	}
	respondGrant(ctx, result)
}

func respondGrant(ctx *gin.Context, result ledger.GrantResult) {
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	ctx.JSON(status, grantResponse{Bucket: newBucketPayload(result.Bucket), Duplicate: result.Duplicate})
}

func (handler *httpHandler) handlePromptRun(ctx *gin.Context) {
	userID, ok := pathUserID(ctx)
	if !ok {
		return
	}
	var request promptRunRequest
	if !bindJSON(ctx, &request) {
		return
	}
	var creatorID ledger.UserID
	if strings.TrimSpace(request.CreatorID) != "" {
		parsed, err := ledger.NewUserID(request.CreatorID)
		if err != nil {
			handler.respondError(ctx, "prompt run", err)
			return
		}
		creatorID = parsed
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	outcome, err := handler.billing.ChargeForPromptRun(requestCtx, billing.PromptRunRequest{
		UserID:            userID,
		PromptID:          request.PromptID,
		ModelID:           request.ModelID,
		PromptLength:      request.PromptLength,
		PromptText:        request.PromptText,
		CreatorID:         creatorID,
		CreatorFeePercent: request.CreatorFeePercent,
	})
	if err != nil {
		handler.respondError(ctx, "prompt run", err)
		return
	}
	ctx.JSON(http.StatusOK, newChargeResponse(outcome))
}

func (handler *httpHandler) handleFlowUnlock(ctx *gin.Context) {
	userID, ok := pathUserID(ctx)
	if !ok {
		return
	}
	var request flowUnlockRequest
	if !bindJSON(ctx, &request) {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	outcome, err := handler.billing.ChargeForFlowUnlock(requestCtx, userID, request.FlowID)
	if err != nil {
		handler.respondError(ctx, "flow unlock", err)
		return
	}
	ctx.JSON(http.StatusOK, newChargeResponse(outcome))
}

func (handler *httpHandler) handleBurn(ctx *gin.Context) {
	userID, ok := pathUserID(ctx)
	if !ok {
		return
	}
	var request burnRequest
	if !bindJSON(ctx, &request) {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	outcome, err := handler.billing.BurnCredits(requestCtx, billing.BurnRequest{
		UserID:   userID,
		ModelID:  request.ModelID,
		ItemType: request.ItemType,
		ItemID:   request.ItemID,
	})
	if err != nil {
		handler.respondError(ctx, "burn", err)
		return
	}
	ctx.JSON(http.StatusOK, newChargeResponse(outcome))
}

func (handler *httpHandler) handleFlowUnlocked(ctx *gin.Context) {
	userID, ok := pathUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	unlocked, err := handler.billing.HasUnlockedFlow(requestCtx, userID, ctx.Param("flowID"))
	if err != nil {
		handler.respondError(ctx, "flow unlocked", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"flow_id": ctx.Param("flowID"), "unlocked": unlocked})
}

func (handler *httpHandler) handleAutomationTier(ctx *gin.Context) {
	userID, ok := pathUserID(ctx)
	if !ok {
		return
	}
	windowDays, ok := queryInt(ctx, "window_days")
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.tiers.CalculateTier(requestCtx, userID, windowDays)
	if err != nil {
		handler.respondError(ctx, "automation tier", err)
		return
	}
	received, err := handler.tiers.HasReceivedCurrentBonus(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "automation tier", err)
		return
	}
	ctx.JSON(http.StatusOK, newTierResponse(result, received))
}

func (handler *httpHandler) handleSweep(ctx *gin.Context) {
	var result ledger.SweepResult
	err := handler.jobs.Exclusive(ctx.Request.Context(), jobs.SweepExpired, func(runCtx context.Context) error {
		var sweepErr error
		result, sweepErr = handler.ledger.Sweep(runCtx)
		return sweepErr
	})
	if err != nil {
		handler.respondError(ctx, "sweep", err)
		return
	}
	handler.logger.Info("sweep triggered", zap.Int("expired", result.Expired), zap.Int64("voided", result.Voided.Int64()))
	ctx.JSON(http.StatusOK, gin.H{
		"expired": result.Expired,
		"voided":  result.Voided.Int64(),
		"failed":  result.Failed,
	})
}

func (handler *httpHandler) handleReferrals(ctx *gin.Context) {
	var rewarded int
	err := handler.jobs.Exclusive(ctx.Request.Context(), jobs.ProcessReferrals, func(runCtx context.Context) error {
		var processErr error
		rewarded, processErr = handler.referrals.ProcessQualifyingReferrals(runCtx)
		return processErr
	})
	if err != nil {
		handler.respondError(ctx, "referrals", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"rewarded": rewarded})
}

func (handler *httpHandler) handleAutomationBonus(ctx *gin.Context) {
	var result tier.RunResult
	err := handler.jobs.Exclusive(ctx.Request.Context(), jobs.AutomationBonus, func(runCtx context.Context) error {
		var runErr error
		result, runErr = handler.bonuses.Run(runCtx)
		return runErr
	})
	if err != nil {
		handler.respondError(ctx, "automation bonus", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"evaluated": result.Evaluated,
		"granted":   result.Granted,
		"skipped":   result.Skipped,
		"failed":    result.Failed,
	})
}
