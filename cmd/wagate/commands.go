// ABOUTME: Operator commands: interactive config setup, token minting and HTTP probes
// ABOUTME: health and status talk to a running gateway using the local config

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/wagate/internal/auth"
	"github.com/2389/wagate/internal/config"
	"github.com/2389/wagate/internal/gateway"
)

const defaultTokenTTL = 30 * 24 * time.Hour

// initAnswers are the values collected by runInit.
type initAnswers struct {
	HTTPAddr    string
	GRPCAddr    string
	APIKey      string
	Backend     string
	SQLitePath  string
	StoreDir    string
	RedisAddr   string
	Driver      string
	ProfilesDir string
	ReplyURL    string
	CountryCode string
	LogLevel    string
	LogFormat   string
}

// renderConfig produces the YAML written by init. The reply service key is
// left as ${REPLY_API_KEY} so it never lands on disk.
func renderConfig(a initAnswers) string {
	var b strings.Builder
	b.WriteString("# wagate configuration\n")
	b.WriteString("# Generated by wagate init\n\n")

	b.WriteString("server:\n")
	fmt.Fprintf(&b, "  http_addr: %q\n", a.HTTPAddr)
	if a.GRPCAddr != "" {
		fmt.Fprintf(&b, "  grpc_addr: %q\n", a.GRPCAddr)
	}
	b.WriteString("  shutdown_grace: \"5s\"\n\n")

	b.WriteString("auth:\n")
	fmt.Fprintf(&b, "  api_key: %q\n\n", a.APIKey)

	b.WriteString("store:\n")
	fmt.Fprintf(&b, "  backend: %q\n", a.Backend)
	switch a.Backend {
	case config.BackendSQLite:
		fmt.Fprintf(&b, "  sqlite_path: %q\n", a.SQLitePath)
	case config.BackendFile:
		fmt.Fprintf(&b, "  dir: %q\n", a.StoreDir)
	case config.BackendRedis:
		fmt.Fprintf(&b, "  redis_addr: %q\n", a.RedisAddr)
	}
	b.WriteString("\n")

	b.WriteString("engine:\n")
	fmt.Fprintf(&b, "  driver: %q\n", a.Driver)
	fmt.Fprintf(&b, "  profiles_dir: %q\n\n", a.ProfilesDir)

	b.WriteString("sessions:\n")
	b.WriteString("  connect_timeout: \"60s\"\n\n")

	b.WriteString("reply:\n")
	fmt.Fprintf(&b, "  url: %q\n", a.ReplyURL)
	b.WriteString("  api_key: \"${REPLY_API_KEY}\"\n")
	b.WriteString("  timeout: \"30s\"\n\n")

	b.WriteString("messages:\n")
	fmt.Fprintf(&b, "  country_code: %q\n\n", a.CountryCode)

	b.WriteString("logging:\n")
	fmt.Fprintf(&b, "  level: %q\n", a.LogLevel)
	fmt.Fprintf(&b, "  format: %q\n", a.LogFormat)
	return b.String()
}

func generateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("wagate configuration setup")
	fmt.Println("==========================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := strings.ToLower(prompt(reader, "File exists. Overwrite?", "no"))
		if overwrite != "yes" && overwrite != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	apiKey, err := generateAPIKey()
	if err != nil {
		return err
	}

	var a initAnswers

	fmt.Println("\n--- Server Configuration ---")
	a.HTTPAddr = prompt(reader, "HTTP address", "0.0.0.0:8080")
	a.GRPCAddr = prompt(reader, "gRPC health address (empty to disable)", "")
	a.APIKey = prompt(reader, "API key", apiKey)

	fmt.Println("\n--- Storage ---")
	a.Backend = strings.ToLower(prompt(reader, "Store backend (sqlite/redis/file)", config.BackendSQLite))
	switch a.Backend {
	case config.BackendSQLite:
		a.SQLitePath = prompt(reader, "SQLite database path", "data/wagate.db")
	case config.BackendFile:
		a.StoreDir = prompt(reader, "Store directory", "sessions")
	case config.BackendRedis:
		a.RedisAddr = prompt(reader, "Redis address", "localhost:6379")
	default:
		return fmt.Errorf("unsupported store backend %q", a.Backend)
	}

	fmt.Println("\n--- Messaging ---")
	a.Driver = strings.ToLower(prompt(reader, "Engine driver (whatsapp/matrix)", config.DriverWhatsApp))
	a.ProfilesDir = prompt(reader, "Profiles directory", "profiles")
	a.ReplyURL = prompt(reader, "Reply service URL", "")
	if a.ReplyURL == "" {
		return fmt.Errorf("reply service URL is required")
	}
	a.CountryCode = prompt(reader, "Default country code", "55")

	fmt.Println("\n--- Logging ---")
	a.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, "Log format (text/json)", "text")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("\n  ✓ Config written to %s\n", outputFile)
	fmt.Println("\nSet REPLY_API_KEY in the environment, then start the server:")
	fmt.Println("  wagate serve")
	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

// runToken prints a JWT for SUBJECT signed with the configured api key.
func runToken(args []string) error {
	if len(args) < 1 || strings.TrimSpace(args[0]) == "" {
		return fmt.Errorf("usage: wagate token SUBJECT [TTL]")
	}
	ttl := defaultTokenTTL
	if len(args) > 1 {
		d, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("parsing TTL: %w", err)
		}
		ttl = d
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key is not configured")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.APIKey)).Generate(args[0], ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

// apiBaseURL turns the listen address into a dialable URL.
func apiBaseURL(cfg *config.Config) string {
	if cfg.Tailscale.Enabled {
		return "http://" + cfg.Tailscale.Hostname
	}
	host, port, err := net.SplitHostPort(cfg.Server.HTTPAddr)
	if err != nil {
		return "http://" + cfg.Server.HTTPAddr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func get(ctx context.Context, cfg *config.Config, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBaseURL(cfg)+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if cfg.Auth.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Auth.APIKey)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	return client.Do(req)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resp, err := get(ctx, cfg, "/ready")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println("healthy")
	return nil
}

func runStatus(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: wagate status TENANT")
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resp, err := get(ctx, cfg, "/sessions/"+args[0]+"/status")
	if err != nil {
		return fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		fmt.Printf("%s: no session\n", args[0])
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request failed: HTTP %d", resp.StatusCode)
	}

	var status gateway.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	line := fmt.Sprintf("%s: %s", status.TenantID, statusColor(status.Status))
	if status.ReadyAt != nil {
		line += color.HiBlackString(" (ready since %s)", status.ReadyAt.Local().Format(time.DateTime))
	}
	if status.Reason != "" {
		line += color.HiBlackString(" reason=%s", status.Reason)
	}
	fmt.Println(line)
	return nil
}

func statusColor(s string) string {
	switch s {
	case "ready":
		return color.GreenString(s)
	case "qr_pending", "authenticated", "starting":
		return color.YellowString(s)
	default:
		return color.RedString(s)
	}
}
