package middlewares

import (
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/kickback_backend/utils"
)

const OpsKeyHeader = "X-Ops-Key"

func bearerToken(c *gin.Context) string {
	auth := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return strings.TrimSpace(c.GetHeader("token"))
}

// AuthMiddleware puts the caller of a valid bearer token into the request context. Requests
// without a token pass through; RequireUser and OpsAuth decide what needs one.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.Next()
			return
		}

		validate, err := utils.JwtValidate(token)
		if err != nil || !validate.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		claim, ok := validate.Claims.(*utils.JwtCustomClaim)
		if !ok || claim.UserId == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUserIdInContext(ctx, claim.UserId)
		ctx = utils.SetRoleInContext(ctx, claim.Role)
		if claim.Role == utils.RoleAdmin {
			ctx = utils.SetAdminInContext(ctx, true)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if userId, ok := utils.GetUserIdFromContext(c.Request.Context()); !ok || userId == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// OpsAuth admits admin tokens, and cron jobs presenting the key whose bcrypt hash is in
// OPS_API_KEY_HASH.
func OpsAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if utils.IsAdminContext(ctx) {
			c.Request = c.Request.WithContext(utils.SetActorInContext(ctx, "admin:"+utils.GetActorFromContext(ctx)))
			c.Next()
			return
		}

		presented := strings.TrimSpace(c.GetHeader(OpsKeyHeader))
		hashed := strings.TrimSpace(os.Getenv("OPS_API_KEY_HASH"))
		if presented == "" || hashed == "" || utils.CompareOpsKey(hashed, presented) != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctx = utils.SetAdminInContext(ctx, true)
		ctx = utils.SetActorInContext(ctx, "ops-key")
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
