package httpapi

import (
	"fmt"
	"net/http"

	"github.com/MarkoPoloResearchLab/promptledger/internal/auth"
	"github.com/gin-gonic/gin"
)

const claimsContextKey = "auth_claims"

func requireToken(authenticator *auth.TokenAuthenticator) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims, err := authenticator.ParseAuthorization(ctx.GetHeader("Authorization"))
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid bearer token"))
			return
		}
		ctx.Set(claimsContextKey, claims)
		ctx.Next()
	}
}

func requireRole(role string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil || !claims.HasRole(role) {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", fmt.Sprintf("role %q required", role)))
			return
		}
		ctx.Next()
	}
}

func getClaims(ctx *gin.Context) *auth.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*auth.Claims)
	return claims
}
