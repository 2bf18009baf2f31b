// Package joingrant provides the one-shot CLI behind cmd/join-grant-key:
// generating the shared HMAC secret that signs join grants, and signing a
// grant with an existing secret for local testing.
package joingrant

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gmcompanion/livesession/internal/auth"
	"github.com/gmcompanion/livesession/internal/session/domain"
)

// Config holds join grant tooling configuration.
type Config struct {
	// Bytes sizes the generated secret.
	Bytes int

	// Sign switches from secret generation to grant signing.
	Sign       bool
	Secret     string
	CampaignID string
	UserID     string
	Role       string
	TTL        time.Duration
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{Bytes: 32, Role: "player", TTL: time.Hour}
	fs.IntVar(&cfg.Bytes, "bytes", cfg.Bytes, "number of random secret bytes")
	fs.BoolVar(&cfg.Sign, "sign", cfg.Sign, "sign a grant instead of generating a secret")
	fs.StringVar(&cfg.Secret, "secret", cfg.Secret, "hex secret to sign with (sign mode)")
	fs.StringVar(&cfg.CampaignID, "campaign", cfg.CampaignID, "campaign id (sign mode)")
	fs.StringVar(&cfg.UserID, "user", cfg.UserID, "user id (sign mode)")
	fs.StringVar(&cfg.Role, "role", cfg.Role, "gm, player, or observer (sign mode)")
	fs.DurationVar(&cfg.TTL, "ttl", cfg.TTL, "grant lifetime (sign mode)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run executes the selected mode and writes the result to out.
func Run(cfg Config, out io.Writer, reader io.Reader) error {
	if out == nil {
		return errors.New("output is required")
	}
	if cfg.Sign {
		return runSign(cfg, out)
	}
	return runGenerate(cfg, out, reader)
}

func runGenerate(cfg Config, out io.Writer, reader io.Reader) error {
	if cfg.Bytes <= 0 {
		return errors.New("bytes must be greater than zero")
	}
	if reader == nil {
		reader = rand.Reader
	}
	buf := make([]byte, cfg.Bytes)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return fmt.Errorf("generate random bytes: %w", err)
	}
	_, err := fmt.Fprintf(out, "export GMC_JOIN_GRANT_SECRET=%s\n", hex.EncodeToString(buf))
	return err
}

func runSign(cfg Config, out io.Writer) error {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return errors.New("secret is required in sign mode")
	}
	if strings.TrimSpace(cfg.CampaignID) == "" || strings.TrimSpace(cfg.UserID) == "" {
		return errors.New("campaign and user are required in sign mode")
	}
	role, err := domain.ParseRole(cfg.Role)
	if err != nil {
		return fmt.Errorf("parse role: %w", err)
	}
	grant, err := auth.SignGrant([]byte(secret), cfg.CampaignID, cfg.UserID, role, cfg.TTL, nil)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, grant)
	return err
}
