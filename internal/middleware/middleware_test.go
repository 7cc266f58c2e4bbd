package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/campground-power/internal/config"
	"github.com/iliyamo/campground-power/internal/model"
)

const testSecret = "s3cret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func serve(e *echo.Echo, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func actorEcho() *echo.Echo {
	e := echo.New()
	g := e.Group("", JWTAuth(testSecret))
	g.GET("/whoami", func(c echo.Context) error {
		a := Actor(c)
		return c.JSON(http.StatusOK, echo.Map{"id": a.ID, "email": a.Email, "role": a.Role})
	})
	g.POST("/admin", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) },
		RequireRole(string(model.RoleAdmin), string(model.RoleStaff)))
	return e
}

func TestJWTAuth_rejectsMissingAndInvalidTokens(t *testing.T) {
	e := actorEcho()

	rec := serve(e, http.MethodGet, "/whoami", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing bearer token")

	rec = serve(e, http.MethodGet, "/whoami", "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	wrong, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1"}).SignedString([]byte("other"))
	require.NoError(t, err)
	rec = serve(e, http.MethodGet, "/whoami", wrong)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired := signToken(t, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(-time.Minute).Unix()})
	rec = serve(e, http.MethodGet, "/whoami", expired)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	noSub := signToken(t, jwt.MapClaims{"role": "admin"})
	rec = serve(e, http.MethodGet, "/whoami", noSub)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTAuth_populatesActor(t *testing.T) {
	e := actorEcho()
	tok := signToken(t, jwt.MapClaims{"sub": float64(42), "email": "ops@camp.test", "role": "Staff"})

	rec := serve(e, http.MethodGet, "/whoami", tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"42","email":"ops@camp.test","role":"staff"}`, rec.Body.String())
}

func TestRequireRole(t *testing.T) {
	e := actorEcho()

	cases := map[string]int{
		"admin": http.StatusNoContent,
		"staff": http.StatusNoContent,
		"guest": http.StatusForbidden,
		"":      http.StatusForbidden,
	}
	for role, want := range cases {
		tok := signToken(t, jwt.MapClaims{"sub": "u1", "role": role})
		rec := serve(e, http.MethodPost, "/admin", tok)
		assert.Equal(t, want, rec.Code, "role %q", role)
	}
}

func TestActor_defaultsToNoRole(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	a := Actor(c)
	assert.Equal(t, model.RoleNone, a.Role)
	assert.False(t, a.CanManageBypass())
	assert.Equal(t, "anon", currentUserID(c))
}

func TestTokenBucket_blocksAfterCapacity(t *testing.T) {
	rdb := newRedis(t)
	cfg := config.RateLimitConfig{
		Enabled:        true,
		Capacity:       2,
		RefillTokens:   1,
		RefillInterval: time.Hour,
		TTL:            time.Hour,
		KeyStrategy:    "user_route",
		Prefix:         "rl",
	}
	e := echo.New()
	e.POST("/meters/:meter/commands", func(c echo.Context) error {
		return c.NoContent(http.StatusAccepted)
	}, NewTokenBucket(cfg, rdb))

	for i := 0; i < 2; i++ {
		rec := serve(e, http.MethodPost, "/meters/F20/commands", "")
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}
	rec := serve(e, http.MethodPost, "/meters/F21/commands", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "route key ignores path params")
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "too_many_requests")
}

func TestTokenBucket_passesThroughWithoutRedis(t *testing.T) {
	e := echo.New()
	e.GET("/x", func(c echo.Context) error { return c.NoContent(http.StatusOK) },
		NewTokenBucket(config.RateLimitConfig{Enabled: true, Capacity: 1}, nil))
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/x", "").Code)
	}
}

func TestBuildRateKey_strategies(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/meters/F20/bypass", nil)
	req.Header.Set(echo.HeaderXRealIP, "10.0.0.7")
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/meters/:meter/bypass")
	c.Set(ctxUserID, "u9")

	cfg := config.RateLimitConfig{Prefix: "rl"}
	cfg.KeyStrategy = "ip"
	assert.Equal(t, "rl:ip:10.0.0.7", buildRateKey(cfg, c))
	cfg.KeyStrategy = "user_route"
	assert.Equal(t, "rl:user:u9:route:POST /meters/:meter/bypass", buildRateKey(cfg, c))
	cfg.KeyStrategy = "anything"
	assert.Equal(t, "rl:ip:10.0.0.7:user:u9:route:POST /meters/:meter/bypass", buildRateKey(cfg, c))
}

func TestRedisCache_missThenHit(t *testing.T) {
	rdb := newRedis(t)
	cfg := config.CacheConfig{
		Enabled:     true,
		Methods:     map[string]bool{http.MethodGet: true},
		TTL:         time.Minute,
		KeyStrategy: "route_query",
		Prefix:      "cache",
	}
	calls := 0
	e := echo.New()
	e.GET("/commissioning/areas", func(c echo.Context) error {
		calls++
		return c.JSON(http.StatusOK, []string{"zone1", "zone2"})
	}, NewRedisCache(cfg, rdb))

	first := serve(e, http.MethodGet, "/commissioning/areas", "")
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))

	second := serve(e, http.MethodGet, "/commissioning/areas", "")
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, echo.MIMEApplicationJSON, second.Header().Get(echo.HeaderContentType))
	assert.Equal(t, 1, calls)
}

func TestRedisCache_skipsErrorsAndOversizedBodies(t *testing.T) {
	rdb := newRedis(t)
	cfg := config.CacheConfig{
		Enabled:      true,
		Methods:      map[string]bool{http.MethodGet: true},
		TTL:          time.Minute,
		Prefix:       "cache",
		MaxBodyBytes: 8,
	}
	calls := 0
	e := echo.New()
	mw := NewRedisCache(cfg, rdb)
	e.GET("/big", func(c echo.Context) error {
		calls++
		return c.String(http.StatusOK, "this body is longer than eight bytes")
	}, mw)
	e.GET("/down", func(c echo.Context) error {
		calls++
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "gateway unreachable"})
	}, mw)

	for i := 0; i < 2; i++ {
		assert.Equal(t, "MISS", serve(e, http.MethodGet, "/big", "").Header().Get("X-Cache"))
		assert.Equal(t, "MISS", serve(e, http.MethodGet, "/down", "").Header().Get("X-Cache"))
	}
	assert.Equal(t, 4, calls)
}

func TestPayloadRoundTripRejectsTruncated(t *testing.T) {
	bs, err := encodePayload(http.StatusOK, http.Header{"X-A": {"1"}}, []byte("body"))
	require.NoError(t, err)
	status, hdr, body, ok := decodePayload(bs)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "1", hdr.Get("X-A"))
	assert.Equal(t, "body", string(body))

	_, _, _, ok = decodePayload(bs[:10])
	assert.False(t, ok)
}
