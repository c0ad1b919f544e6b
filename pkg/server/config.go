package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/crystal-mush/clanwar/pkg/clanwar"
	"gopkg.in/yaml.v3"
)

// WarConf holds server configuration parameters, loaded from YAML.
type WarConf struct {
	// --- Wars ---
	MaxWarSize     int      `yaml:"max_war_size"`     // Largest roster per side, 0 = unbounded
	DefaultWarSize int      `yaml:"default_war_size"` // Used when a start request omits the size
	AllowedFormats []string `yaml:"allowed_formats"`  // Empty allows any format
	DefaultFormat  string   `yaml:"default_format"`

	// --- Storage ---
	ClanDB     string `yaml:"clan_db"`     // bbolt clan directory
	HistoryDB  string `yaml:"history_db"`  // SQLite war history
	SQLTimeout int    `yaml:"sql_timeout"` // Busy timeout in seconds (default 5)

	// --- Archives ---
	ArchiveDir      string `yaml:"archive_dir"`      // .tar.gz snapshot directory
	ArchiveInterval int    `yaml:"archive_interval"` // Minutes between archives, 0 = off
	ArchiveRetain   int    `yaml:"archive_retain"`   // Archives kept, 0 = all

	// --- Web ---
	WebPort        int      `yaml:"web_port"`         // HTTP port (default 8080)
	WebHost        string   `yaml:"web_host"`         // Bind address (empty = all interfaces)
	WebCORSOrigins []string `yaml:"web_cors_origins"` // Allowed CORS/websocket origins
	WebRateLimit   int      `yaml:"web_rate_limit"`   // Requests per minute per IP (default 120)
	JWTSecret      string   `yaml:"jwt_secret"`       // JWT signing secret (auto-generated if empty)
	JWTExpiry      int      `yaml:"jwt_expiry"`       // JWT expiry in seconds (default 86400)
	HistoryLimit   int      `yaml:"history_limit"`    // Max wars returned by /api/v1/history (default 20)

	// --- TLS (all empty = plain HTTP) ---
	TLSDomain  string `yaml:"tls_domain"`   // Let's Encrypt domain
	TLSCert    string `yaml:"tls_cert"`     // PEM certificate file
	TLSKey     string `yaml:"tls_key"`      // PEM key file
	TLSCertDir string `yaml:"tls_cert_dir"` // Self-signed certs and autocert cache
}

// DefaultWarConf returns a WarConf populated with default values.
func DefaultWarConf() *WarConf {
	return &WarConf{
		MaxWarSize:     12,
		DefaultWarSize: 4,
		DefaultFormat:  "gen9ou",
		ClanDB:         "clans.bolt",
		HistoryDB:      "history.db",
		SQLTimeout:     5,
		ArchiveDir:     "backups",
		ArchiveRetain:  10,
		WebPort:        8080,
		WebRateLimit:   120,
		JWTExpiry:      86400,
		HistoryLimit:   20,
	}
}

// LoadWarConf reads a YAML config file over the defaults. Relative storage
// paths are resolved against the config file's directory.
func LoadWarConf(path string) (*WarConf, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("unsupported config format %q (want .yaml or .yml)", ext)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	wc := DefaultWarConf()
	if err := yaml.Unmarshal(data, wc); err != nil {
		return nil, fmt.Errorf("parsing YAML %s: %w", path, err)
	}
	if err := wc.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	baseDir := filepath.Dir(path)
	for _, p := range []*string{&wc.ClanDB, &wc.HistoryDB, &wc.ArchiveDir, &wc.TLSCert, &wc.TLSKey, &wc.TLSCertDir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(baseDir, *p)
		}
	}
	return wc, nil
}

// Validate rejects settings the server cannot run with.
func (wc *WarConf) Validate() error {
	if wc.MaxWarSize < 0 {
		return fmt.Errorf("max_war_size must not be negative")
	}
	if wc.DefaultWarSize < 1 {
		return fmt.Errorf("default_war_size must be at least 1")
	}
	if wc.MaxWarSize > 0 && wc.DefaultWarSize > wc.MaxWarSize {
		return fmt.Errorf("default_war_size %d exceeds max_war_size %d", wc.DefaultWarSize, wc.MaxWarSize)
	}
	if wc.ArchiveInterval < 0 || wc.ArchiveRetain < 0 {
		return fmt.Errorf("archive_interval and archive_retain must not be negative")
	}
	if wc.WebPort < 0 || wc.WebPort > 65535 {
		return fmt.Errorf("web_port %d out of range", wc.WebPort)
	}
	return nil
}

// Limits returns the war admission limits described by the config.
func (wc *WarConf) Limits() clanwar.Limits {
	return clanwar.Limits{
		MaxSize: wc.MaxWarSize,
		Formats: append([]string(nil), wc.AllowedFormats...),
	}
}

// Marshal encodes the config as YAML.
func (wc *WarConf) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(wc)
	if err != nil {
		return nil, fmt.Errorf("marshal to yaml: %w", err)
	}
	return data, nil
}
