package credentials

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type stubRow struct {
	scan func(dest ...any) error
}

func (r stubRow) Scan(dest ...any) error {
	if r.scan == nil {
		return pgx.ErrNoRows
	}
	return r.scan(dest...)
}

type stubSQL struct {
	tokens map[string]string
	execs  int
}

func (s *stubSQL) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	s.execs++
	if strings.Contains(query, "INSERT INTO integration_tokens") {
		s.tokens[args[0].(string)] = args[1].(string)
	}
	return pgconn.CommandTag{}, nil
}

func (s *stubSQL) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return nil, pgx.ErrNoRows
}

func (s *stubSQL) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	token, ok := s.tokens[args[0].(string)]
	if !ok {
		return stubRow{}
	}
	return stubRow{scan: func(dest ...any) error {
		*(dest[0].(*string)) = token
		return nil
	}}
}

func TestTokenMissingProviderReturnsEmpty(t *testing.T) {
	store := NewStore(&stubSQL{tokens: map[string]string{}})
	token, err := store.Token(context.Background(), ProviderKling)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if token != "" {
		t.Errorf("token = %q, want empty", token)
	}
}

func TestSetTokenRoundTrip(t *testing.T) {
	stub := &stubSQL{tokens: map[string]string{}}
	store := NewStore(stub)

	if err := store.SetToken(context.Background(), ProviderFlux, "  key-123  "); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	token, err := store.Token(context.Background(), ProviderFlux)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if token != "key-123" {
		t.Errorf("token = %q, want key-123", token)
	}
}

func TestSetTokenRejectsEmpty(t *testing.T) {
	store := NewStore(&stubSQL{tokens: map[string]string{}})
	if err := store.SetToken(context.Background(), ProviderFashn, "  "); err == nil {
		t.Fatal("expected error for empty token")
	}
}
