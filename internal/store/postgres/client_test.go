package postgres

import (
	"testing"
	"time"

	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	assert.Equal(t,
		"postgres://arb:pw@db:5432/venuearb?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "venuearb", User: "arb", Password: "pw"}),
	)
	assert.Equal(t,
		"postgres://arb:pw@db:6543/venuearb?sslmode=require",
		DSN(ClientConfig{Host: "db", Port: 6543, Database: "venuearb", User: "arb", Password: "pw", SSLMode: "require"}),
	)
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestMigrationNames(t *testing.T) {
	names, err := MigrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_init.sql", names[0])
	assert.IsIncreasing(t, names)
}

func TestPageClause(t *testing.T) {
	const base = "SELECT id FROM audit_log WHERE 1=1"

	q, args := pageClause(base, nil, "created_at", domain.ListOpts{})
	assert.Equal(t, base+" ORDER BY created_at DESC", q)
	assert.Empty(t, args)

	since := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	until := since.Add(24 * time.Hour)
	q, args = pageClause(base+" AND event = $1", []any{"settlement.step"}, "created_at",
		domain.ListOpts{Since: &since, Until: &until, Limit: 20, Offset: 40})
	assert.Equal(t,
		base+" AND event = $1 AND created_at >= $2 AND created_at <= $3 ORDER BY created_at DESC LIMIT $4 OFFSET $5",
		q)
	assert.Equal(t, []any{"settlement.step", since, until, 20, 40}, args)
}
