package telegram

import (
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// AuthManager проверяет доступ к командам и ограничивает частоту запросов
type AuthManager struct {
	mu       sync.Mutex
	allowed  map[int64]bool
	limiters map[int64]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewAuthManager принимает список разрешенных chat ID через запятую.
// Основной чат уведомлений разрешен всегда.
func NewAuthManager(ownerChatID int64, allowedIDs string, requestsPerSecond float64) *AuthManager {
	am := &AuthManager{
		allowed:  map[int64]bool{},
		limiters: map[int64]*rate.Limiter{},
		rps:      rate.Limit(requestsPerSecond),
		burst:    2,
	}
	if ownerChatID != 0 {
		am.allowed[ownerChatID] = true
	}
	for _, idStr := range strings.Split(allowedIDs, ",") {
		idStr = strings.TrimSpace(idStr)
		if id, err := strconv.ParseInt(idStr, 10, 64); err == nil {
			am.allowed[id] = true
		}
	}
	return am
}

// IsAllowed разрешен ли доступ чату
func (am *AuthManager) IsAllowed(chatID int64) bool {
	am.mu.Lock()
	defer am.mu.Unlock()
	return am.allowed[chatID]
}

// Allow false, если чат превысил лимит запросов
func (am *AuthManager) Allow(chatID int64) bool {
	if am.rps <= 0 {
		return true
	}
	am.mu.Lock()
	limiter, ok := am.limiters[chatID]
	if !ok {
		limiter = rate.NewLimiter(am.rps, am.burst)
		am.limiters[chatID] = limiter
	}
	am.mu.Unlock()
	return limiter.Allow()
}
