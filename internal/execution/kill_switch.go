package execution

import (
	"sync"
	"time"

	"github.com/kirillm/grid-bot/pkg/utils"
)

// KillSwitch аварийная остановка торговли по паре.
// После активации снимается только перезапуском процесса.
type KillSwitch struct {
	mu          sync.RWMutex
	active      bool
	activatedAt time.Time
	reason      string
	logger      *utils.Logger
}

func NewKillSwitch(logger *utils.Logger) *KillSwitch {
	return &KillSwitch{logger: logger}
}

// Activate активирует kill switch; повторная активация сохраняет первую причину
func (ks *KillSwitch) Activate(reason string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.active {
		return
	}
	ks.active = true
	ks.activatedAt = time.Now()
	ks.reason = reason

	ks.logger.Error("🚨 KILL SWITCH ACTIVATED: %s", reason)
}

// IsActive проверяет активен ли kill switch
func (ks *KillSwitch) IsActive() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.active
}

// Status возвращает состояние, причину и время активации
func (ks *KillSwitch) Status() (bool, string, time.Time) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.active, ks.reason, ks.activatedAt
}
