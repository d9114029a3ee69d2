package pgconn

import (
	"context"
	"os"
	"testing"
)

func TestNormalizeDSN(t *testing.T) {
	tests := map[string]string{
		" postgres://u:p@db:5432/estate ":          "postgres://u:p@db:5432/estate",
		"postgresql+asyncpg://u@db/estate":          "postgresql://u@db/estate",
		"postgres+pgx://u@db/estate?sslmode=off":    "postgres://u@db/estate?sslmode=off",
		"host=db user=u dbname=estate sslmode=off": "host=db user=u dbname=estate sslmode=off",
	}
	for in, want := range tests {
		if got := normalizeDSN(in); got != want {
			t.Errorf("normalizeDSN(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestConnectRejectsBadDSN(t *testing.T) {
	if _, err := Connect(context.Background(), "postgres://%zz"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestConnect(t *testing.T) {
	dsn := os.Getenv("DB_URL")
	if dsn == "" {
		t.Skip("DB_URL not set")
	}
	pool, err := Connect(context.Background(), dsn, WithMaxConns(2))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pool.Close()
	if got := pool.Config().MaxConns; got != 2 {
		t.Fatalf("MaxConns = %d, want 2", got)
	}
}
