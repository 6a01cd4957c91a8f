package reports

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/kickback_backend/config"
	"github.com/mmdatafocus/kickback_backend/utils"
	"github.com/mmdatafocus/kickback_backend/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func reportCacheEnabled() bool {
	return config.EnvBool("ENABLE_REPORT_CACHE", false)
}

func reportCacheTTL() time.Duration {
	// Env: REPORT_CACHE_TTL_SECONDS (default 120s)
	ttl := 120
	if v := strings.TrimSpace(os.Getenv("REPORT_CACHE_TTL_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			ttl = n
		}
	}
	return time.Duration(ttl) * time.Second
}

func reportSlowMs() int64 {
	ms := int64(500)
	if v := strings.TrimSpace(os.Getenv("REPORT_SLOW_MS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			ms = n
		}
	}
	return ms
}

func logSlowReport(ctx context.Context, name string, started time.Time, extra map[string]any) {
	d := time.Since(started)
	if d.Milliseconds() < reportSlowMs() {
		return
	}
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	config.GetLogger().WithFields(logrus.Fields{
		"field":          "slowReport",
		"name":           name,
		"ms":             d.Milliseconds(),
		"correlation_id": cid,
		"extra":          extra,
	}).Warn("slow report")
}

func weeklyCacheKey(min decimal.Decimal, currency string) string {
	return fmt.Sprintf("report:weekly-payouts:%s:%s", utils.NormalizeCurrency(currency), min.StringFixed(2))
}

// WeeklyPayoutCandidates wraps the ledger query with an optional Redis cache. Cache
// failures fall through to the database.
func WeeklyPayoutCandidates(ctx context.Context, db *gorm.DB, min decimal.Decimal, currency string) ([]workflow.PayoutCandidate, error) {
	started := time.Now()
	key := weeklyCacheKey(min, currency)
	useCache := reportCacheEnabled() && config.GetRedisDB() != nil

	if useCache {
		var cached []workflow.PayoutCandidate
		if ok, err := config.GetRedisObject(ctx, key, &cached); err == nil && ok {
			return cached, nil
		}
	}

	out, err := workflow.WeeklyPayoutCandidates(ctx, db, min, currency)
	if err != nil {
		return nil, err
	}
	logSlowReport(ctx, "weekly_payouts", started, map[string]any{"currency": currency, "count": len(out)})

	if useCache {
		if err := config.SetRedisObject(ctx, key, out, reportCacheTTL()); err != nil {
			config.LogError(config.GetLogger(), "reportCache.go", "WeeklyPayoutCandidates", "cache set", key, err)
		}
	}
	return out, nil
}

// InvalidateWeeklyPayouts drops cached candidate lists after batches change.
func InvalidateWeeklyPayouts(ctx context.Context) {
	client := config.GetRedisDB()
	if client == nil {
		return
	}
	keys, err := client.Keys(ctx, "report:weekly-payouts:*").Result()
	if err != nil || len(keys) == 0 {
		return
	}
	if err := config.RemoveRedisKey(ctx, keys...); err != nil {
		config.LogError(config.GetLogger(), "reportCache.go", "InvalidateWeeklyPayouts", "remove keys", keys, err)
	}
}
