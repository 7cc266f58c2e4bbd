package bypass

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/campground-power/internal/model"
	"github.com/iliyamo/campground-power/internal/notify"
	"github.com/iliyamo/campground-power/internal/repository"
)

type memStore struct {
	mu      sync.Mutex
	devices map[string]*model.BypassAuthorization
	audit   []model.BypassAuditEntry
}

func newMemStore(meters ...string) *memStore {
	s := &memStore{devices: map[string]*model.BypassAuthorization{}}
	for _, m := range meters {
		s.devices[m] = &model.BypassAuthorization{}
	}
	return s
}

func (s *memStore) Apply(_ context.Context, ch repository.BypassChange) (*model.BypassAuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.devices[ch.MeterNumber]
	if !ok {
		return nil, repository.ErrDeviceNotFound
	}
	action := model.AuditDisabled
	if ch.Enable {
		action = model.AuditEnabled
		at, by, email, reason := ch.At, ch.Actor.ID, ch.Actor.Email, ch.Reason
		*b = model.BypassAuthorization{Active: true, GrantedBy: &by, GrantedByEmail: &email, GrantedAt: &at, Reason: &reason}
	} else {
		*b = model.BypassAuthorization{}
	}
	e := model.BypassAuditEntry{
		ID:               int64(len(s.audit) + 1),
		MeterNumber:      ch.MeterNumber,
		Action:           action,
		Reason:           ch.Reason,
		PerformedBy:      ch.Actor.ID,
		PerformedByEmail: ch.Actor.Email,
		CreatedAt:        ch.At,
	}
	s.audit = append(s.audit, e)
	return &e, nil
}

func (s *memStore) IsActive(_ context.Context, meter string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.devices[meter]
	if !ok {
		return false, repository.ErrDeviceNotFound
	}
	return b.Active, nil
}

func (s *memStore) Audit(_ context.Context, meter string) ([]model.BypassAuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.BypassAuditEntry
	for _, e := range s.audit {
		if e.MeterNumber == meter {
			out = append(out, e)
		}
	}
	return out, nil
}

type recorder struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recorder) Publish(n notify.Notification) {
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
}

var admin = model.Actor{ID: "u-1", Email: "ops@camp.example", Role: model.RoleAdmin}

func TestLedger_enableThenDisableClearsGrant(t *testing.T) {
	store := newMemStore("F20")
	rec := &recorder{}
	l := New(store, rec)
	fixed := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }
	ctx := context.Background()

	e, err := l.Enable(ctx, admin, "F20", "  maintenance  ")
	require.NoError(t, err)
	assert.Equal(t, model.AuditEnabled, e.Action)
	assert.Equal(t, "maintenance", e.Reason)
	assert.Equal(t, fixed, e.CreatedAt)

	ok, err := l.IsAuthorized(ctx, "F20")
	require.NoError(t, err)
	assert.True(t, ok)
	b := store.devices["F20"]
	require.NotNil(t, b.GrantedAt)
	assert.Equal(t, fixed, *b.GrantedAt)
	assert.Equal(t, "u-1", *b.GrantedBy)

	_, err = l.Disable(ctx, admin, "F20", "done")
	require.NoError(t, err)
	ok, err = l.IsAuthorized(ctx, "F20")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, b.GrantedBy)
	assert.Nil(t, b.GrantedByEmail)
	assert.Nil(t, b.GrantedAt)
	assert.Nil(t, b.Reason)

	trail, err := l.Audit(ctx, "F20")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, model.AuditEnabled, trail[0].Action)
	assert.Equal(t, model.AuditDisabled, trail[1].Action)

	require.Len(t, rec.got, 2)
	assert.Equal(t, notify.KindBypass, rec.got[0].Kind)
	assert.Equal(t, "F20", rec.got[0].Meter)
}

func TestLedger_disableInactiveStillAudits(t *testing.T) {
	store := newMemStore("F21")
	l := New(store, nil)
	ctx := context.Background()

	e, err := l.Disable(ctx, model.Actor{ID: "s-9", Role: model.RoleStaff}, "F21", "cleanup")
	require.NoError(t, err)
	assert.Equal(t, model.AuditDisabled, e.Action)

	trail, err := l.Audit(ctx, "F21")
	require.NoError(t, err)
	assert.Len(t, trail, 1)
}

func TestLedger_rejectsUnprivilegedRoles(t *testing.T) {
	store := newMemStore("F20")
	l := New(store, nil)

	for _, role := range []model.Role{model.RoleNone, "", "guest"} {
		_, err := l.Enable(context.Background(), model.Actor{ID: "x", Role: role}, "F20", "why")
		var authErr *AuthorizationError
		require.True(t, errors.As(err, &authErr), "role %q", role)
		assert.Equal(t, role, authErr.Role)
	}
	assert.Empty(t, store.audit)
	assert.False(t, store.devices["F20"].Active)
}

func TestLedger_validatesInput(t *testing.T) {
	l := New(newMemStore("F20"), nil)
	ctx := context.Background()

	_, err := l.Enable(ctx, admin, "F20", "   ")
	assert.ErrorIs(t, err, ErrReasonRequired)

	_, err = l.Enable(ctx, admin, "nope", "reason")
	assert.ErrorIs(t, err, repository.ErrDeviceNotFound)

	_, err = l.Enable(ctx, admin, "", "reason")
	assert.ErrorIs(t, err, repository.ErrDeviceNotFound)
}

func TestLedger_reEnableOverwritesReason(t *testing.T) {
	store := newMemStore("F20")
	l := New(store, nil)
	ctx := context.Background()

	_, err := l.Enable(ctx, admin, "F20", "first")
	require.NoError(t, err)
	_, err = l.Enable(ctx, admin, "F20", "second")
	require.NoError(t, err)

	assert.Equal(t, "second", *store.devices["F20"].Reason)
	trail, _ := l.Audit(ctx, "F20")
	assert.Len(t, trail, 2)
}
