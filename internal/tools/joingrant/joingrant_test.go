package joingrant

import (
	"bytes"
	"flag"
	"strings"
	"testing"
	"time"

	"github.com/gmcompanion/livesession/internal/auth"
	"github.com/gmcompanion/livesession/internal/session/domain"
)

func TestRunGeneratesSecretExport(t *testing.T) {
	var out bytes.Buffer
	seed := bytes.NewReader(bytes.Repeat([]byte{0xab}, 32))

	if err := Run(Config{Bytes: 32}, &out, seed); err != nil {
		t.Fatalf("run: %v", err)
	}
	line := out.String()
	if !strings.HasPrefix(line, "export GMC_JOIN_GRANT_SECRET=") {
		t.Fatalf("unexpected output %q", line)
	}
	secret := strings.TrimSpace(strings.TrimPrefix(line, "export GMC_JOIN_GRANT_SECRET="))
	if len(secret) != 64 {
		t.Fatalf("secret length = %d, want 64 hex chars", len(secret))
	}
}

func TestRunRejectsNonPositiveBytes(t *testing.T) {
	var out bytes.Buffer
	if err := Run(Config{Bytes: 0}, &out, nil); err == nil {
		t.Fatal("expected error for zero bytes")
	}
}

func TestRunSignsVerifiableGrant(t *testing.T) {
	var out bytes.Buffer
	cfg := Config{
		Sign:       true,
		Secret:     "super-secret",
		CampaignID: "camp-1",
		UserID:     "user-1",
		Role:       "gm",
		TTL:        time.Hour,
	}
	if err := Run(cfg, &out, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	grant := strings.TrimSpace(out.String())

	verifier, err := auth.NewGrantVerifier([]byte("super-secret"), nil)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	role, err := verifier.Authorize(t.Context(), "camp-1", "user-1", grant)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if role != domain.RoleGM {
		t.Fatalf("role = %v, want GM", role)
	}
}

func TestRunSignRequiresSecretAndIdentity(t *testing.T) {
	var out bytes.Buffer
	if err := Run(Config{Sign: true, CampaignID: "c", UserID: "u", Role: "gm"}, &out, nil); err == nil {
		t.Fatal("expected error for missing secret")
	}
	if err := Run(Config{Sign: true, Secret: "s", Role: "gm"}, &out, nil); err == nil {
		t.Fatal("expected error for missing identity")
	}
}

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("join-grant-key", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Bytes != 32 || cfg.Sign || cfg.Role != "player" || cfg.TTL != time.Hour {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}
