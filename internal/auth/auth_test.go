package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "valid", header: "Bearer abc", want: "abc"},
		{name: "padded", header: "Bearer   abc  ", want: "abc"},
		{name: "missing", header: "", wantErr: true},
		{name: "lowercase scheme", header: "bearer abc", want: "abc"},
		{name: "wrong scheme", header: "Basic abc", wantErr: true},
		{name: "no separator", header: "Bearerabc", wantErr: true},
		{name: "blank token", header: "Bearer    ", wantErr: true},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "http://example.test/status", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		got, err := ExtractBearerToken(req)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tt.name)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.name, err)
		}
		if got != tt.want {
			t.Fatalf("%s: token = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	tokens := []TokenConfig{
		{Token: "viewer", Scopes: []string{ScopeStatus, " "}},
		{Token: "admin"},
	}

	p, ok := Authenticate("viewer", tokens)
	if !ok {
		t.Fatal("expected viewer to authenticate")
	}
	if p.Name != "token#1" {
		t.Fatalf("viewer principal name = %q", p.Name)
	}
	if !p.Allows(ScopeStatus) {
		t.Fatal("viewer should hold status:ro")
	}
	if p.Allows(ScopeRuns, ScopeEvents) {
		t.Fatal("viewer should not hold runs:ro or events:ro")
	}

	p, ok = Authenticate("admin", tokens)
	if !ok || !p.Allows(ScopeRuns) || p.Name != "token#2" {
		t.Fatal("a token without scopes should be granted everything")
	}

	if _, ok := Authenticate("nope", tokens); ok {
		t.Fatal("unknown token authenticated")
	}
	if _, ok := Authenticate("", []TokenConfig{{Token: ""}}); ok {
		t.Fatal("empty token authenticated")
	}
}

func TestPrincipalContext(t *testing.T) {
	t.Parallel()

	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Fatal("empty context carried a principal")
	}
	ctx := WithPrincipal(context.Background(), Open())
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.Name != "open" || !p.Allows(ScopeRuns) {
		t.Fatalf("principal not round-tripped: %+v", p)
	}
	if !(Principal{}).Allows() {
		t.Fatal("no required scopes should always be allowed")
	}
}
