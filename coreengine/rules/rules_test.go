package rules

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapSetter map[string]any

func (m mapSetter) Set(key string, value any) { m[key] = value }

var sampleRule = Rule{Code: "LATE_SHIP", Name: "Late shipments", Logic: "shipped_at > promised_at"}

// =============================================================================
// MATCHING
// =============================================================================

func TestMatch(t *testing.T) {
	tests := []struct {
		input string
		code  string
		ok    bool
	}{
		{"run LATE_SHIP", "LATE_SHIP", true},
		{"  Run late-ship  ", "late-ship", true},
		{"run rule R42", "R42", true},
		{"RUN X1", "X1", true},
		{"please run LATE_SHIP now", "", false},
		{"run", "", false},
		{"run two codes", "", false},
		{"create a rule for late shipments", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			code, ok := Match(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestResolve(t *testing.T) {
	store, err := NewMemoryStore(sampleRule)
	require.NoError(t, err)
	ctx := context.Background()

	rule, ok, err := Resolve(ctx, store, "run LATE_SHIP")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Late shipments", rule.Name)

	_, ok, err = Resolve(ctx, store, "run UNKNOWN")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = Resolve(ctx, store, "tell me about LATE_SHIP")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAnnotate(t *testing.T) {
	body := mapSetter{}
	Annotate(body, sampleRule)
	assert.Equal(t, mapSetter{
		BodyKeyResolvedCode: "LATE_SHIP",
		BodyKeyRuleName:     "Late shipments",
		BodyKeyRuleLogic:    "shipped_at > promised_at",
	}, body)
	assert.Len(t, AnnotatedKeys, len(body))
}

func TestRuleValidate(t *testing.T) {
	assert.NoError(t, sampleRule.Validate())
	assert.Error(t, Rule{Name: "x"}.Validate())
	assert.Error(t, Rule{Code: "has space", Name: "x"}.Validate())
	assert.Error(t, Rule{Code: "OK"}.Validate())
}

// =============================================================================
// STORES
// =============================================================================

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Get(ctx, "LATE_SHIP")
	assert.ErrorIs(t, err, ErrRuleNotFound)

	require.NoError(t, store.Upsert(ctx, sampleRule))
	got, err := store.Get(ctx, "LATE_SHIP")
	require.NoError(t, err)
	assert.Equal(t, sampleRule.Name, got.Name)
	assert.Equal(t, sampleRule.Logic, got.Logic)
	assert.WithinDuration(t, time.Now(), got.UpdatedAt, time.Minute)

	updated := sampleRule
	updated.SQL = "SELECT * FROM shipments WHERE shipped_at > promised_at"
	require.NoError(t, store.Upsert(ctx, updated))
	require.NoError(t, store.Upsert(ctx, Rule{Code: "A_FIRST", Name: "first"}))

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "A_FIRST", list[0].Code)
	assert.Equal(t, updated.SQL, list[1].SQL)

	assert.Error(t, store.Upsert(ctx, Rule{Code: "", Name: "missing code"}))
}

func TestMemoryStore(t *testing.T) {
	store, err := NewMemoryStore()
	require.NoError(t, err)
	exerciseStore(t, store)
	assert.NoError(t, store.Close())
}

func TestMemoryStoreRejectsInvalidSeed(t *testing.T) {
	_, err := NewMemoryStore(Rule{Code: "bad code"})
	assert.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.db")
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	exerciseStore(t, store)
	require.NoError(t, store.Close())

	// Reopening keeps the data.
	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(context.Background(), "A_FIRST")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Name)
}
