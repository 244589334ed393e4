package storage

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/subscout/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "services/netflix/cookies", Key("netflix", KindCookies))
	assert.Equal(t, "services/spotify/login", Key("spotify", KindLogin))
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	t.Run("MissingKeyReturnsDefault", func(t *testing.T) {
		raw, err := m.Get(ctx, "nope", []string{})
		require.NoError(t, err)
		assert.JSONEq(t, `[]`, string(raw))

		raw, err = m.Get(ctx, "nope", nil)
		require.NoError(t, err)
		assert.Nil(t, raw)
	})

	t.Run("RoundTrip", func(t *testing.T) {
		creds := schemas.Credentials{Email: "a@example.com", Password: "pw"}
		require.NoError(t, m.Set(ctx, Key("netflix", KindLogin), creds))

		var got schemas.Credentials
		found, err := GetInto(ctx, m, Key("netflix", KindLogin), &got)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, creds, got)
		assert.Equal(t, []string{"services/netflix/login"}, m.Keys())
	})

	t.Run("RawValues", func(t *testing.T) {
		require.NoError(t, m.Set(ctx, "raw", json.RawMessage(`{"a":1}`)))
		raw, err := m.Get(ctx, "raw", nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, string(raw))

		assert.Error(t, m.Set(ctx, "bad", json.RawMessage(`{`)))
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, m.Set(ctx, "gone", 1))
		require.NoError(t, m.Delete(ctx, "gone"))
		var v int
		found, err := GetInto(ctx, m, "gone", &v)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("SubscriptionsRoundTrip", func(t *testing.T) {
		subs := schemas.Subscriptions{schemas.Active{
			PlanName:        "Basic",
			PlanPrice:       999,
			NextPaymentDate: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
			BillingCycle:    schemas.BillingMonthly,
		}}
		require.NoError(t, m.Set(ctx, Key("netflix", KindData), subs))
		var got schemas.Subscriptions
		found, err := GetInto(ctx, m, Key("netflix", KindData), &got)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, subs, got)
	})
}

func TestPostgres(t *testing.T) {
	ctx := context.Background()

	newStore := func(t *testing.T) (*Postgres, pgxmock.PgxPoolIface) {
		t.Helper()
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		t.Cleanup(mock.Close)
		mock.ExpectPing()
		pg, err := NewPostgres(ctx, mock, "kv", zap.NewNop())
		require.NoError(t, err)
		return pg, mock
	}

	t.Run("PingFailure", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()
		pingErr := errors.New("database unavailable")
		mock.ExpectPing().WillReturnError(pingErr)

		_, err = NewPostgres(ctx, mock, "kv", zap.NewNop())
		assert.ErrorIs(t, err, pingErr)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("EnsureSchema", func(t *testing.T) {
		pg, mock := newStore(t)
		mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "kv"`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
		require.NoError(t, pg.EnsureSchema(ctx))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Get", func(t *testing.T) {
		pg, mock := newStore(t)
		mock.ExpectQuery(flexibleSQLMatcher(`SELECT value FROM "kv" WHERE key = $1`)).
			WithArgs("services/netflix/api").
			WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow([]byte(`{"token":"t"}`)))

		raw, err := pg.Get(ctx, "services/netflix/api", nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"token":"t"}`, string(raw))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("GetMissingReturnsDefault", func(t *testing.T) {
		pg, mock := newStore(t)
		mock.ExpectQuery(flexibleSQLMatcher(`SELECT value FROM "kv" WHERE key = $1`)).
			WithArgs("missing").
			WillReturnError(pgx.ErrNoRows)

		raw, err := pg.Get(ctx, "missing", map[string]string{})
		require.NoError(t, err)
		assert.JSONEq(t, `{}`, string(raw))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("GetError", func(t *testing.T) {
		pg, mock := newStore(t)
		boom := errors.New("connection reset")
		mock.ExpectQuery(flexibleSQLMatcher(`SELECT value FROM "kv" WHERE key = $1`)).
			WithArgs("k").
			WillReturnError(boom)

		_, err := pg.Get(ctx, "k", nil)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("Set", func(t *testing.T) {
		pg, mock := newStore(t)
		mock.ExpectExec(`INSERT INTO "kv" \(key, value, updated_at\) VALUES \(\$1, \$2, \$3\) ON CONFLICT \(key\) DO UPDATE`).
			WithArgs("services/netflix/cookies", pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		err := pg.Set(ctx, "services/netflix/cookies", []schemas.Cookie{{Name: "sid", Value: "v"}})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Delete", func(t *testing.T) {
		pg, mock := newStore(t)
		mock.ExpectExec(flexibleSQLMatcher(`DELETE FROM "kv" WHERE key = $1`)).
			WithArgs("k").
			WillReturnResult(pgxmock.NewResult("DELETE", 1))
		require.NoError(t, pg.Delete(ctx, "k"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

// fakeRedis answers from a map using go-redis' result constructors.
type fakeRedis struct {
	values map[string][]byte
	err    error
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(v), nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.values[key] = value.([]byte)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	for _, k := range keys {
		delete(f.values, k)
	}
	return redis.NewIntResult(int64(len(keys)), f.err)
}

func TestRedis(t *testing.T) {
	ctx := context.Background()
	fake := &fakeRedis{values: map[string][]byte{}}
	r := newRedis(fake, "subscout:", zap.NewNop())

	raw, err := r.Get(ctx, "services/spotify/data", []any{})
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(raw))

	require.NoError(t, r.Set(ctx, "services/spotify/data", map[string]int{"n": 1}))
	assert.Contains(t, fake.values, "subscout:services/spotify/data")

	raw, err = r.Get(ctx, "services/spotify/data", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(raw))

	require.NoError(t, r.Delete(ctx, "services/spotify/data"))
	assert.Empty(t, fake.values)
	assert.NoError(t, r.Close())

	fake.err = errors.New("READONLY")
	_, err = r.Get(ctx, "x", nil)
	assert.ErrorIs(t, err, fake.err)
	assert.Error(t, r.Set(ctx, "x", 1))
}
