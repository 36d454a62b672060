package ratelimit

import (
	"fmt"
	"strings"

	"tickerflow/logger"
)

// ReportRateLimitExceeded emits the rate_limit_exceeded metric for a provider
// and request type.
func ReportRateLimitExceeded(log *logger.Log, provider, symbol, dataType string) {
	component := fmt.Sprintf("%s_%s", strings.ToLower(provider), strings.ToLower(dataType))
	fields := logger.Fields{
		"provider": strings.ToLower(provider),
		"symbol":   symbol,
		"type":     strings.ToLower(dataType),
	}
	l := log.WithComponent(component)
	l.LogMetric(component, "rate_limit_exceeded", int64(1), "counter", fields)
	l.WithFields(fields).Warn("rate limit exceeded")
}

// ReportIPBan emits the ip_ban metric for a provider and request type.
func ReportIPBan(log *logger.Log, provider, symbol, dataType string) {
	component := fmt.Sprintf("%s_%s", strings.ToLower(provider), strings.ToLower(dataType))
	fields := logger.Fields{
		"provider": strings.ToLower(provider),
		"symbol":   symbol,
		"type":     strings.ToLower(dataType),
	}
	l := log.WithComponent(component)
	l.LogMetric(component, "ip_ban", int64(1), "counter", fields)
	l.WithFields(fields).Error("ip banned")
}

// detectLimit classifies an upstream error message using each provider's
// wording.
func detectLimit(provider, msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	switch strings.ToLower(provider) {
	case "binance":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too much request weight")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	case "okx":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "frequency limit")
		ipBan = strings.Contains(lowerMsg, "ip") && (strings.Contains(lowerMsg, "blocked") || strings.Contains(lowerMsg, "ban"))
	case "coinranking":
		rateLimit = strings.Contains(lowerMsg, "rate_limit_exceeded") || strings.Contains(lowerMsg, "too many requests")
	default:
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	}
	return
}

// ReportLimitFromMessage records rate-limit or ban metrics when msg matches
// the provider's wording and reports whether msg signalled a rate limit.
func ReportLimitFromMessage(log *logger.Log, provider, symbol, dataType, msg string) bool {
	rateLimit, ipBan := detectLimit(provider, msg)
	if rateLimit {
		ReportRateLimitExceeded(log, provider, symbol, dataType)
	}
	if ipBan {
		ReportIPBan(log, provider, symbol, dataType)
	}
	return rateLimit || ipBan
}
