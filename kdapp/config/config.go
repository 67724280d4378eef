// Package config loads the kdapp TOML configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/adrg/xdg"
	"github.com/ethereum/go-ethereum/log"
	"github.com/kasdapp/kdapp-go/kdapp/engine"
	"github.com/kasdapp/kdapp-go/kdapp/generator"
	"github.com/kasdapp/kdapp-go/kdapp/payload"
	"github.com/kasdapp/kdapp-go/kdapp/proxy"
	"github.com/kasdapp/kdapp-go/kdapp/submit"
)

const (
	// FilePath is relative to the XDG config home.
	FilePath = "kdapp/config.toml"
	// DatabasePath is relative to the XDG data home.
	DatabasePath = "kdapp/kdapp.db"
	// WalletPath is relative to the XDG config home.
	WalletPath = "kdapp/wallet.json"
)

type Config struct {
	Node      Node      `toml:"node"`
	App       App       `toml:"app"`
	Listener  Listener  `toml:"listener"`
	Engine    Engine    `toml:"engine"`
	Submit    Submit    `toml:"submit"`
	Generator Generator `toml:"generator"`
	Store     Store     `toml:"store"`
	Log       Log       `toml:"log"`
}

type Node struct {
	URL string `toml:"url"`
	// Network, when set, must match the node's network.
	Network string `toml:"network"`
}

// App overrides the discovery marker of the application. Zero values keep
// the application's own.
type App struct {
	Prefix  uint32     `toml:"prefix"`
	Pattern []BitCheck `toml:"pattern"`
}

type BitCheck struct {
	Pos uint8 `toml:"pos"`
	Bit uint8 `toml:"bit"`
}

type Listener struct {
	PollInterval         time.Duration `toml:"poll_interval"`
	MinPollSpacing       time.Duration `toml:"min_poll_spacing"`
	ReconnectMin         time.Duration `toml:"reconnect_min"`
	ReconnectMax         time.Duration `toml:"reconnect_max"`
	CallTimeout          time.Duration `toml:"call_timeout"`
	CacheCapacity        int           `toml:"cache_capacity"`
	FinalityDepth        uint64        `toml:"finality_depth"`
	ResumeWindow         int           `toml:"resume_window"`
	MaxConcurrentFetches int           `toml:"max_concurrent_fetches"`
}

type Engine struct {
	RollbackHorizon   uint64 `toml:"rollback_horizon"`
	PrunedBlockMemory int    `toml:"pruned_block_memory"`
}

type Submit struct {
	CallTimeout         time.Duration `toml:"call_timeout"`
	MaxTransientRetries int           `toml:"max_transient_retries"`
	RetryBackoff        time.Duration `toml:"retry_backoff"`
	Fee                 uint64        `toml:"fee"`
	UtxoCacheTTL        time.Duration `toml:"utxo_cache_ttl"`
}

type Generator struct {
	MaxNonceAttempts     uint32 `toml:"max_nonce_attempts"`
	MaxMass              uint64 `toml:"max_mass"`
	StorageMassParameter uint64 `toml:"storage_mass_parameter"`
	Compress             bool   `toml:"compress"`
}

type Store struct {
	// Path is the SQLite file. Empty means the XDG data home.
	Path string `toml:"path"`
}

type Log struct {
	// Verbosity runs from 0 (critical only) to 5 (trace).
	Verbosity int  `toml:"verbosity"`
	JSON      bool `toml:"json"`
}

func Default() Config {
	p := proxy.DefaultConfig()
	e := engine.DefaultConfig()
	s := submit.DefaultConfig()
	g := generator.DefaultOptions()
	return Config{
		Node: Node{
			URL: "ws://127.0.0.1:17110",
		},
		Listener: Listener{
			PollInterval:         p.PollInterval,
			MinPollSpacing:       p.MinPollSpacing,
			ReconnectMin:         p.ReconnectMin,
			ReconnectMax:         p.ReconnectMax,
			CallTimeout:          p.CallTimeout,
			CacheCapacity:        p.CacheCapacity,
			FinalityDepth:        p.FinalityDepth,
			ResumeWindow:         p.ResumeWindow,
			MaxConcurrentFetches: p.MaxConcurrentFetches,
		},
		Engine: Engine{
			RollbackHorizon:   e.RollbackHorizon,
			PrunedBlockMemory: e.PrunedBlockMemory,
		},
		Submit: Submit{
			CallTimeout:         s.CallTimeout,
			MaxTransientRetries: s.MaxTransientRetries,
			RetryBackoff:        s.RetryBackoff,
			Fee:                 s.Fee,
			UtxoCacheTTL:        10 * time.Second,
		},
		Generator: Generator{
			MaxNonceAttempts:     g.MaxNonceAttempts,
			MaxMass:              g.MaxMass,
			StorageMassParameter: g.StorageMassParameter,
			Compress:             g.Compress,
		},
		Log: Log{Verbosity: 3},
	}
}

// Load reads path on top of Default. An empty path searches the XDG config
// directories and falls back to the defaults when no file exists there.
// Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		found, err := xdg.SearchConfigFile(FilePath)
		if err != nil {
			log.Debug("no config file found, using defaults", "path", FilePath)
			return cfg, nil
		}
		path = found
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	log.Debug("config loaded", "path", path)
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Node.URL == "" {
		errs = append(errs, errors.New("node.url is empty"))
	}
	if c.Listener.PollInterval <= 0 {
		errs = append(errs, errors.New("listener.poll_interval must be positive"))
	}
	if c.Listener.ReconnectMin <= 0 || c.Listener.ReconnectMax < c.Listener.ReconnectMin {
		errs = append(errs, errors.New("listener reconnect bounds are inverted or zero"))
	}
	if c.Listener.CallTimeout <= 0 || c.Submit.CallTimeout <= 0 {
		errs = append(errs, errors.New("call timeouts must be positive"))
	}
	if c.Submit.MaxTransientRetries < 0 {
		errs = append(errs, errors.New("submit.max_transient_retries is negative"))
	}
	if err := c.pattern().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("app.pattern: %w", err))
	}
	if c.Generator.MaxMass == 0 {
		errs = append(errs, errors.New("generator.max_mass is zero"))
	}
	return errors.Join(errs...)
}

// Write encodes c as TOML.
func (c Config) Write(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// WriteFile writes c to path, creating parent directories.
func (c Config) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if err := c.Write(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return f.Close()
}

// DatabaseFile resolves Store.Path.
func (c Config) DatabaseFile() (string, error) {
	if c.Store.Path != "" {
		return c.Store.Path, nil
	}
	p, err := xdg.DataFile(DatabasePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve database path: %w", err)
	}
	return p, nil
}

func (c Config) pattern() payload.Pattern {
	if len(c.App.Pattern) == 0 {
		return nil
	}
	p := make(payload.Pattern, len(c.App.Pattern))
	for i, b := range c.App.Pattern {
		p[i] = payload.BitCheck{Pos: b.Pos, Bit: b.Bit}
	}
	return p
}

// Discovery returns the configured prefix and pattern, falling back to the
// given application defaults.
func (c Config) Discovery(prefix payload.Prefix, pattern payload.Pattern) (payload.Prefix, payload.Pattern) {
	if c.App.Prefix != 0 {
		prefix = payload.Prefix(c.App.Prefix)
	}
	if p := c.pattern(); p != nil {
		pattern = p
	}
	return prefix, pattern
}

// ProxyConfig is the listener configuration for a consumer that starts with
// empty state: it never resumes from a checkpoint and replays from the
// pruning point unless a start block is set.
func (c Config) ProxyConfig() proxy.Config {
	l := c.Listener
	return proxy.Config{
		PollInterval:         l.PollInterval,
		MinPollSpacing:       l.MinPollSpacing,
		ReconnectMin:         l.ReconnectMin,
		ReconnectMax:         l.ReconnectMax,
		CallTimeout:          l.CallTimeout,
		CacheCapacity:        l.CacheCapacity,
		FinalityDepth:        l.FinalityDepth,
		ResumeWindow:         l.ResumeWindow,
		MaxConcurrentFetches: l.MaxConcurrentFetches,
		FromPruningPoint:     true,
	}
}

func (c Config) EngineConfig() engine.Config {
	return engine.Config{
		RollbackHorizon:   c.Engine.RollbackHorizon,
		PrunedBlockMemory: c.Engine.PrunedBlockMemory,
	}
}

func (c Config) SubmitConfig() submit.Config {
	return submit.Config{
		CallTimeout:         c.Submit.CallTimeout,
		MaxTransientRetries: c.Submit.MaxTransientRetries,
		RetryBackoff:        c.Submit.RetryBackoff,
		Fee:                 c.Submit.Fee,
	}
}

func (c Config) GeneratorOptions() generator.Options {
	return generator.Options{
		MaxNonceAttempts:     c.Generator.MaxNonceAttempts,
		MaxMass:              c.Generator.MaxMass,
		StorageMassParameter: c.Generator.StorageMassParameter,
		Compress:             c.Generator.Compress,
	}
}
