// Package usecase は価格アラートの判定ロジックを提供します。
package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradecoach_backend/internal/feature/alerts/domain/entity"
)

var (
	ErrAlertNotFound    = errors.New("alerts: alert not found")
	ErrAlertActive      = errors.New("alerts: alert is still armed")
	ErrInvalidDirection = errors.New("alerts: direction must be above or below")
	ErrInvalidTarget    = errors.New("alerts: target price must be positive")
)

// Repository persists alerts across restarts.
// Goの慣例に従い、インターフェースはコンシューマーが定義します。
type Repository interface {
	Save(ctx context.Context, alert *entity.PriceAlert) error
	Update(ctx context.Context, alert *entity.PriceAlert) error
	Delete(ctx context.Context, id string) error
	ListBySession(ctx context.Context, sessionID string, userID uint) ([]entity.PriceAlert, error)
}

// Engine evaluates crossing alerts against the live price stream. An
// alert fires when the price crosses its target relative to the previous
// observed price for that symbol, at most once per arming.
type Engine struct {
	repo Repository

	mu        sync.Mutex
	alerts    map[string]*entity.PriceAlert
	bySymbol  map[string]map[string]struct{}
	bySession map[string]map[string]struct{}
	lastPrice map[string]float64
	now       func() int64
}

// NewEngine creates an engine backed by the given repository.
func NewEngine(repo Repository) *Engine {
	return &Engine{
		repo:      repo,
		alerts:    make(map[string]*entity.PriceAlert),
		bySymbol:  make(map[string]map[string]struct{}),
		bySession: make(map[string]map[string]struct{}),
		lastPrice: make(map[string]float64),
		now:       func() int64 { return time.Now().Unix() },
	}
}

// Create registers and arms a new alert.
func (e *Engine) Create(ctx context.Context, sessionID string, userID uint, symbol string, target float64, direction entity.Direction) (entity.PriceAlert, error) {
	if direction != entity.DirectionAbove && direction != entity.DirectionBelow {
		return entity.PriceAlert{}, ErrInvalidDirection
	}
	if target <= 0 {
		return entity.PriceAlert{}, ErrInvalidTarget
	}

	alert := &entity.PriceAlert{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		UserID:      userID,
		Symbol:      symbol,
		TargetPrice: target,
		Direction:   direction,
		Active:      true,
		CreatedAt:   e.now(),
	}
	if err := e.repo.Save(ctx, alert); err != nil {
		return entity.PriceAlert{}, err
	}

	e.mu.Lock()
	e.index(alert)
	e.mu.Unlock()
	return *alert, nil
}

// Cancel removes an alert. A session can only cancel its own alerts.
func (e *Engine) Cancel(ctx context.Context, sessionID, alertID string) error {
	e.mu.Lock()
	alert, ok := e.alerts[alertID]
	if !ok || alert.SessionID != sessionID {
		e.mu.Unlock()
		return ErrAlertNotFound
	}
	e.unindex(alert)
	e.mu.Unlock()

	return e.repo.Delete(ctx, alertID)
}

// Rearm reactivates a triggered alert. Arming an alert that never fired
// is rejected so the caller learns nothing happened.
func (e *Engine) Rearm(ctx context.Context, sessionID, alertID string) (entity.PriceAlert, error) {
	e.mu.Lock()
	alert, ok := e.alerts[alertID]
	if !ok || alert.SessionID != sessionID {
		e.mu.Unlock()
		return entity.PriceAlert{}, ErrAlertNotFound
	}
	if alert.Active {
		e.mu.Unlock()
		return entity.PriceAlert{}, ErrAlertActive
	}
	alert.Active = true
	alert.TriggeredAt = nil
	copied := *alert
	e.mu.Unlock()

	if err := e.repo.Update(ctx, &copied); err != nil {
		return entity.PriceAlert{}, err
	}
	return copied, nil
}

// List returns the session's alerts, armed and triggered alike.
func (e *Engine) List(sessionID string) []entity.PriceAlert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]entity.PriceAlert, 0, len(e.bySession[sessionID]))
	for id := range e.bySession[sessionID] {
		out = append(out, *e.alerts[id])
	}
	return out
}

// LoadSession hydrates the in-memory index from persisted alerts. Called
// when a session connects so alerts survive process restarts. Hydration
// is scoped to the authenticated user, so a session id alone never
// exposes someone else's alerts.
func (e *Engine) LoadSession(ctx context.Context, sessionID string, userID uint) error {
	alerts, err := e.repo.ListBySession(ctx, sessionID, userID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range alerts {
		if _, ok := e.alerts[alerts[i].ID]; ok {
			continue
		}
		a := alerts[i]
		e.index(&a)
	}
	return nil
}

// DropSession removes a session's alerts from the in-memory index
// without deleting them from storage.
func (e *Engine) DropSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.bySession[sessionID] {
		e.unindex(e.alerts[id])
	}
}

// OnPrice feeds one price observation and returns the alerts that fired.
// The first observation for a symbol only establishes the baseline.
// Triggered alerts are deactivated before this method returns, so a
// single crossing can never fire the same alert twice.
func (e *Engine) OnPrice(ctx context.Context, symbol string, price float64) []entity.PriceAlert {
	e.mu.Lock()
	prev, seen := e.lastPrice[symbol]
	e.lastPrice[symbol] = price

	var fired []entity.PriceAlert
	if seen && prev != price {
		ts := e.now()
		for id := range e.bySymbol[symbol] {
			alert := e.alerts[id]
			if !alert.Active || !crossed(alert, prev, price) {
				continue
			}
			alert.Active = false
			alert.TriggeredAt = &ts
			fired = append(fired, *alert)
		}
	}
	e.mu.Unlock()

	if len(fired) > 0 {
		// 発火はメモリ上で確定済みなので、永続化は呼び出し元の
		// ティック経路を塞がずに行う。失敗は再起動後の再発火に
		// つながり得るが、at-most-once はプロセス内で保証する。
		persisted := make([]entity.PriceAlert, len(fired))
		copy(persisted, fired)
		go func() {
			pctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			for i := range persisted {
				_ = e.repo.Update(pctx, &persisted[i])
			}
		}()
	}
	return fired
}

// crossed reports whether the move from prev to price passes through the
// alert's target in its direction.
func crossed(alert *entity.PriceAlert, prev, price float64) bool {
	switch alert.Direction {
	case entity.DirectionAbove:
		return prev < alert.TargetPrice && price >= alert.TargetPrice
	case entity.DirectionBelow:
		return prev > alert.TargetPrice && price <= alert.TargetPrice
	}
	return false
}

func (e *Engine) index(alert *entity.PriceAlert) {
	e.alerts[alert.ID] = alert
	if e.bySymbol[alert.Symbol] == nil {
		e.bySymbol[alert.Symbol] = make(map[string]struct{})
	}
	e.bySymbol[alert.Symbol][alert.ID] = struct{}{}
	if e.bySession[alert.SessionID] == nil {
		e.bySession[alert.SessionID] = make(map[string]struct{})
	}
	e.bySession[alert.SessionID][alert.ID] = struct{}{}
}

func (e *Engine) unindex(alert *entity.PriceAlert) {
	delete(e.alerts, alert.ID)
	delete(e.bySymbol[alert.Symbol], alert.ID)
	if len(e.bySymbol[alert.Symbol]) == 0 {
		delete(e.bySymbol, alert.Symbol)
	}
	delete(e.bySession[alert.SessionID], alert.ID)
	if len(e.bySession[alert.SessionID]) == 0 {
		delete(e.bySession, alert.SessionID)
	}
}
