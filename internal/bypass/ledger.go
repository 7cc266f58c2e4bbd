// Package bypass implements the bypass ledger: role-gated administrative
// overrides that authorise energising a meter with no paying customer, and
// the append-only audit trail explaining each change.
package bypass

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iliyamo/campground-power/internal/model"
	"github.com/iliyamo/campground-power/internal/notify"
	"github.com/iliyamo/campground-power/internal/repository"
)

// AuthorizationError is returned when the caller's role may not change
// bypass state.  It is never retried.
type AuthorizationError struct {
	Role model.Role
}

func (e *AuthorizationError) Error() string {
	if e.Role == "" {
		return "bypass changes require an authenticated admin or staff caller"
	}
	return fmt.Sprintf("role %q may not change bypass state", e.Role)
}

// ErrReasonRequired is returned for an empty reason.
var ErrReasonRequired = errors.New("reason is required")

// Store persists bypass state and audit entries atomically.
type Store interface {
	Apply(ctx context.Context, ch repository.BypassChange) (*model.BypassAuditEntry, error)
	IsActive(ctx context.Context, meter string) (bool, error)
	Audit(ctx context.Context, meter string) ([]model.BypassAuditEntry, error)
}

// Notifier receives bypass changes for the operator feed.
type Notifier interface {
	Publish(n notify.Notification)
}

// Ledger is the bypass service used by the operator API and the anomaly
// detector.
type Ledger struct {
	store    Store
	notifier Notifier
	now      func() time.Time
}

// New returns a Ledger.  notifier may be nil.
func New(store Store, notifier Notifier) *Ledger {
	return &Ledger{store: store, notifier: notifier, now: time.Now}
}

// Enable grants a bypass on the meter.  Enabling an already-enabled bypass
// overwrites its reason and grant metadata.
func (l *Ledger) Enable(ctx context.Context, actor model.Actor, meter, reason string) (*model.BypassAuditEntry, error) {
	return l.apply(ctx, actor, meter, reason, true)
}

// Disable revokes the meter's bypass.  Disabling an inactive bypass still
// succeeds and still appends an audit entry.
func (l *Ledger) Disable(ctx context.Context, actor model.Actor, meter, reason string) (*model.BypassAuditEntry, error) {
	return l.apply(ctx, actor, meter, reason, false)
}

func (l *Ledger) apply(ctx context.Context, actor model.Actor, meter, reason string, enable bool) (*model.BypassAuditEntry, error) {
	if !actor.CanManageBypass() {
		return nil, &AuthorizationError{Role: actor.Role}
	}
	meter = strings.TrimSpace(meter)
	reason = strings.TrimSpace(reason)
	if meter == "" {
		return nil, repository.ErrDeviceNotFound
	}
	if reason == "" {
		return nil, ErrReasonRequired
	}
	entry, err := l.store.Apply(ctx, repository.BypassChange{
		MeterNumber: meter,
		Enable:      enable,
		Reason:      reason,
		Actor:       actor,
		At:          l.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"component": "bypass",
		"meter":     meter,
		"action":    entry.Action,
		"actor":     actor.ID,
		"reason":    reason,
	}).Info("bypass changed")
	if l.notifier != nil {
		l.notifier.Publish(notify.Notification{Kind: notify.KindBypass, Meter: meter, Data: entry, At: entry.CreatedAt})
	}
	return entry, nil
}

// IsAuthorized reports whether the meter's bypass is active, regardless of
// customer assignment.
func (l *Ledger) IsAuthorized(ctx context.Context, meter string) (bool, error) {
	return l.store.IsActive(ctx, meter)
}

// Audit returns the meter's bypass history, oldest first.
func (l *Ledger) Audit(ctx context.Context, meter string) ([]model.BypassAuditEntry, error) {
	return l.store.Audit(ctx, meter)
}
