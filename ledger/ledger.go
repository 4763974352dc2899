// Package ledger tracks per-user upstream spend against daily and monthly
// budgets. It is an injectable service with an explicit lifecycle: constructed
// once at startup and passed by handle to the router and facade, never
// reached through ambient globals, so tests can substitute an isolated
// ledger per run.
package ledger

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/costflow/config"
)

var (
	// ErrAlreadyRecorded 同一路由决策重复记账被拒绝（防止重试引起的双重扣费）
	ErrAlreadyRecorded = errors.New("outcome already recorded for decision")
)

// 成本以微美元整数存储，保证原子自增无读改写竞争
const microsPerUsd = 1_000_000

// Ledger 成本台账。每个 userKey 维护日/月两个原子计数器，
// 自然日/自然月边界（UTC）在首次访问时惰性重置，无后台定时器。
type Ledger struct {
	cfg    config.LedgerConfig
	logger *zap.Logger

	mu       sync.Mutex
	accounts map[string]*account
	// recorded 当日已记账的决策 ID，日切时整体丢弃以约束内存
	recorded    map[string]struct{}
	recordedDay time.Time

	now func() time.Time
}

type account struct {
	userKey       string
	dailyMicros   atomic.Int64
	monthlyMicros atomic.Int64
	dayStart      time.Time
	monthStart    time.Time
	alertedDay    bool
	alertedMonth  bool

	// 0 表示使用配置默认值
	dailyLimitUsd   float64
	monthlyLimitUsd float64
}

// Snapshot 单用户台账快照
type Snapshot struct {
	UserKey          string  `json:"user_key"`
	DailySpentUsd    float64 `json:"daily_spent_usd"`
	MonthlySpentUsd  float64 `json:"monthly_spent_usd"`
	DailyLimitUsd    float64 `json:"daily_limit_usd"`
	MonthlyLimitUsd  float64 `json:"monthly_limit_usd"`
	DailyRemaining   float64 `json:"daily_remaining_usd"`
	MonthlyRemaining float64 `json:"monthly_remaining_usd"`
}

// New 创建台账
func New(cfg config.LedgerConfig, logger *zap.Logger) *Ledger {
	return &Ledger{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "ledger")),
		accounts: make(map[string]*account),
		recorded: make(map[string]struct{}),
		now:      time.Now,
	}
}

// Record 在上游调用确认后记账实际成本。按决策 ID 幂等：
// 重复记账返回 ErrAlreadyRecorded 且总额只变化一次。
func (l *Ledger) Record(decisionID, userKey string, costUsd float64) error {
	if costUsd < 0 {
		costUsd = 0
	}

	l.mu.Lock()
	l.rotateRecordedLocked()
	if _, dup := l.recorded[decisionID]; dup {
		l.mu.Unlock()
		return ErrAlreadyRecorded
	}
	l.recorded[decisionID] = struct{}{}
	acct := l.accountLocked(userKey)
	l.resetIfNeededLocked(acct)
	l.mu.Unlock()

	micros := int64(costUsd * microsPerUsd)
	daily := acct.dailyMicros.Add(micros)
	monthly := acct.monthlyMicros.Add(micros)

	l.checkAlerts(acct, daily, monthly)

	l.logger.Debug("outcome recorded",
		zap.String("decision_id", decisionID),
		zap.String("user_key", userKey),
		zap.Float64("cost_usd", costUsd))

	return nil
}

// RemainingDaily 返回剩余日预算；上限非正视为无限额
func (l *Ledger) RemainingDaily(userKey string) float64 {
	acct := l.account(userKey)
	limit := l.dailyLimit(acct)
	if limit <= 0 {
		return math.MaxFloat64
	}
	remaining := limit - float64(acct.dailyMicros.Load())/microsPerUsd
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RemainingMonthly 返回剩余月预算；上限非正视为无限额
func (l *Ledger) RemainingMonthly(userKey string) float64 {
	acct := l.account(userKey)
	limit := l.monthlyLimit(acct)
	if limit <= 0 {
		return math.MaxFloat64
	}
	remaining := limit - float64(acct.monthlyMicros.Load())/microsPerUsd
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SetLimits 覆盖某用户的预算上限（0 表示沿用默认值）
func (l *Ledger) SetLimits(userKey string, dailyUsd, monthlyUsd float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct := l.accountLocked(userKey)
	acct.dailyLimitUsd = dailyUsd
	acct.monthlyLimitUsd = monthlyUsd
}

// GetSnapshot 返回单用户快照
func (l *Ledger) GetSnapshot(userKey string) Snapshot {
	acct := l.account(userKey)
	daily := float64(acct.dailyMicros.Load()) / microsPerUsd
	monthly := float64(acct.monthlyMicros.Load()) / microsPerUsd

	s := Snapshot{
		UserKey:         userKey,
		DailySpentUsd:   daily,
		MonthlySpentUsd: monthly,
		DailyLimitUsd:   l.dailyLimit(acct),
		MonthlyLimitUsd: l.monthlyLimit(acct),
	}
	s.DailyRemaining = s.DailyLimitUsd - daily
	if s.DailyLimitUsd <= 0 {
		s.DailyRemaining = math.MaxFloat64
	} else if s.DailyRemaining < 0 {
		s.DailyRemaining = 0
	}
	s.MonthlyRemaining = s.MonthlyLimitUsd - monthly
	if s.MonthlyLimitUsd <= 0 {
		s.MonthlyRemaining = math.MaxFloat64
	} else if s.MonthlyRemaining < 0 {
		s.MonthlyRemaining = 0
	}
	return s
}

// GetSnapshotAll 返回所有用户快照
func (l *Ledger) GetSnapshotAll() []Snapshot {
	l.mu.Lock()
	keys := make([]string, 0, len(l.accounts))
	for k := range l.accounts {
		keys = append(keys, k)
	}
	l.mu.Unlock()

	out := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		out = append(out, l.GetSnapshot(k))
	}
	return out
}

// account 获取（或创建）账户并处理惰性周期重置
func (l *Ledger) account(userKey string) *account {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct := l.accountLocked(userKey)
	l.resetIfNeededLocked(acct)
	return acct
}

func (l *Ledger) accountLocked(userKey string) *account {
	acct, ok := l.accounts[userKey]
	if !ok {
		now := l.now().UTC()
		acct = &account{
			userKey:    userKey,
			dayStart:   dayStart(now),
			monthStart: monthStart(now),
		}
		l.accounts[userKey] = acct
	}
	return acct
}

// resetIfNeededLocked 跨过日/月边界后首次访问时清零计数器
func (l *Ledger) resetIfNeededLocked(acct *account) {
	now := l.now().UTC()

	if ds := dayStart(now); ds.After(acct.dayStart) {
		acct.dailyMicros.Store(0)
		acct.dayStart = ds
		acct.alertedDay = false
	}
	if ms := monthStart(now); ms.After(acct.monthStart) {
		acct.monthlyMicros.Store(0)
		acct.monthStart = ms
		acct.alertedMonth = false
	}
}

// rotateRecordedLocked 日切后丢弃前一日的决策 ID 集合
func (l *Ledger) rotateRecordedLocked() {
	ds := dayStart(l.now().UTC())
	if ds.After(l.recordedDay) {
		l.recorded = make(map[string]struct{})
		l.recordedDay = ds
	}
}

func (l *Ledger) checkAlerts(acct *account, dailyMicros, monthlyMicros int64) {
	threshold := l.cfg.AlertThresholdPercent
	if threshold <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if dailyLimit := l.dailyLimit(acct); dailyLimit > 0 {
		dailyPct := float64(dailyMicros) / microsPerUsd / dailyLimit * 100
		if dailyPct >= threshold && !acct.alertedDay {
			acct.alertedDay = true
			l.logger.Warn("daily budget alert threshold crossed",
				zap.String("user_key", acct.userKey),
				zap.Float64("percent", dailyPct),
				zap.Float64("threshold", threshold))
		}
	}

	if monthlyLimit := l.monthlyLimit(acct); monthlyLimit > 0 {
		monthlyPct := float64(monthlyMicros) / microsPerUsd / monthlyLimit * 100
		if monthlyPct >= threshold && !acct.alertedMonth {
			acct.alertedMonth = true
			l.logger.Warn("monthly budget alert threshold crossed",
				zap.String("user_key", acct.userKey),
				zap.Float64("percent", monthlyPct),
				zap.Float64("threshold", threshold))
		}
	}
}

func (l *Ledger) dailyLimit(acct *account) float64 {
	if acct.dailyLimitUsd > 0 {
		return acct.dailyLimitUsd
	}
	return l.cfg.DailyLimitUsd
}

func (l *Ledger) monthlyLimit(acct *account) float64 {
	if acct.monthlyLimitUsd > 0 {
		return acct.monthlyLimitUsd
	}
	return l.cfg.MonthlyLimitUsd
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
