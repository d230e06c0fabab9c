package model

import (
	"fmt"
	"io"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
	"github.com/caarlos0/env/v11"

	_ "embed"
)

// Enum helpers (optional).
const (
	BrowserTypeChrome = "chrome"
	BrowserTypeRoxy   = "roxy"

	ProxyTypeHTTP   = "http"
	ProxyTypeHTTPS  = "https"
	ProxyTypeSocks5 = "socks5"

	ServiceModeManual = "manual"
	ServiceModeTimer  = "timer"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version     int         `json:"version" yaml:"version"` // fixed 0 for now
	Provider    Provider    `json:"provider" yaml:"provider"`
	Mail        Mail        `json:"mail" yaml:"mail"`
	Register    Register    `json:"register" yaml:"register"`
	Browser     Browser     `json:"browser" yaml:"browser"`
	Proxy       Proxy       `json:"proxy" yaml:"proxy"`
	Execution   Execution   `json:"execution" yaml:"execution"`
	Interpreter Interpreter `json:"interpreter" yaml:"interpreter"`
	Service     Service     `json:"service" yaml:"service"`
}

// Provider identifies the single-sign-on provider driving the device grant.
type Provider struct {
	StartURL string `json:"startUrl" yaml:"startUrl"`
	Region   string `json:"region" yaml:"region"`
}

// Mail holds the inbox the worker watches for verification messages. The
// values are passed to the worker verbatim; this process never speaks IMAP.
type Mail struct {
	IMAPServer   string `json:"imapServer" yaml:"imapServer"`
	IMAPPort     int    `json:"imapPort" yaml:"imapPort"`
	Address      string `json:"address" yaml:"address"`
	Password     string `json:"password" yaml:"password"`
	UseSSL       bool   `json:"useSsl" yaml:"useSsl"`
	Timeout      int    `json:"timeout" yaml:"timeout"`           // seconds
	PollInterval int    `json:"pollInterval" yaml:"pollInterval"` // seconds
}

// Register parametrizes the identities the worker creates.
type Register struct {
	IdentityPrefix string `json:"identityPrefix" yaml:"identityPrefix"`
	IdentityDomain string `json:"identityDomain" yaml:"identityDomain"` // must start with @
	SecretLength   int    `json:"secretLength" yaml:"secretLength"`
	UseRandomName  bool   `json:"useRandomName" yaml:"useRandomName"`
}

// Browser selects which browser the worker drives.
type Browser struct {
	Type             string  `json:"type" yaml:"type"` // "chrome" | "roxy"
	ChromePath       *string `json:"chromePath,omitempty" yaml:"chromePath,omitempty"`
	ChromeAutoDetect bool    `json:"chromeAutoDetect" yaml:"chromeAutoDetect"`
	RoxyPort         *int    `json:"roxyPort,omitempty" yaml:"roxyPort,omitempty"`
	RoxyToken        *string `json:"roxyToken,omitempty" yaml:"roxyToken,omitempty"`
}

type Proxy struct {
	Enabled  bool    `json:"enabled" yaml:"enabled"`
	Type     string  `json:"type" yaml:"type"` // "http" | "https" | "socks5"
	Host     string  `json:"host" yaml:"host"`
	Port     int     `json:"port" yaml:"port"`
	Username *string `json:"username,omitempty" yaml:"username,omitempty"`
	Password *string `json:"password,omitempty" yaml:"password,omitempty"`
}

type Execution struct {
	Count    int `json:"count" yaml:"count"`       // registrations per run
	Interval int `json:"interval" yaml:"interval"` // seconds between registrations
}

type Interpreter struct {
	AutoDetect bool    `json:"autoDetect" yaml:"autoDetect"`
	Path       *string `json:"path,omitempty" yaml:"path,omitempty"`
}

type Service struct {
	Mode     string    `json:"mode" yaml:"mode"` // "manual" | "timer"
	Verbose  bool      `json:"verbose" yaml:"verbose"`
	HTTPPort int       `json:"httpPort" yaml:"httpPort"`
	DataDir  string    `json:"dataDir" yaml:"dataDir"`
	Schedule *Schedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

type Schedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// envOverlay is applied on top of a loaded config; it lets deployments tweak
// the daemon without editing the file.
type envOverlay struct {
	HTTPPort *int    `env:"IDFORGE_HTTP_PORT"`
	DataDir  *string `env:"IDFORGE_DATA_DIR"`
	Region   *string `env:"IDFORGE_REGION"`
	StartURL *string `env:"IDFORGE_START_URL"`
	Verbose  *bool   `env:"IDFORGE_VERBOSE"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
// IDFORGE_* environment variables override the corresponding fields.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	if err := out.applyEnv(); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	return &out, nil
}

func (c *Config) applyEnv() error {
	var overlay envOverlay
	if err := env.Parse(&overlay); err != nil {
		return err
	}
	if overlay.HTTPPort != nil {
		c.Service.HTTPPort = *overlay.HTTPPort
	}
	if overlay.DataDir != nil {
		c.Service.DataDir = *overlay.DataDir
	}
	if overlay.Region != nil {
		c.Provider.Region = *overlay.Region
	}
	if overlay.StartURL != nil {
		c.Provider.StartURL = *overlay.StartURL
	}
	if overlay.Verbose != nil {
		c.Service.Verbose = *overlay.Verbose
	}
	return nil
}

// DefaultConfig returns a configuration which passes validation once the
// deployment-specific mail and register sections are filled in.
func DefaultConfig() Config {
	return Config{
		Version: 0,
		Provider: Provider{
			StartURL: "https://view.awsapps.com/start",
			Region:   "us-east-1",
		},
		Mail: Mail{
			IMAPPort:     993,
			UseSSL:       true,
			Timeout:      180,
			PollInterval: 5,
		},
		Register: Register{
			SecretLength:  14,
			UseRandomName: true,
		},
		Browser: Browser{
			Type:             BrowserTypeChrome,
			ChromeAutoDetect: true,
		},
		Proxy: Proxy{
			Type: ProxyTypeHTTP,
			Port: 8080,
		},
		Execution: Execution{
			Count:    1,
			Interval: 10,
		},
		Interpreter: Interpreter{
			AutoDetect: true,
		},
		Service: Service{
			Mode:     ServiceModeManual,
			HTTPPort: 23847,
		},
	}
}
