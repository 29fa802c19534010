package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/caio-sobreiro/dicomclient/client"
)

// tomlConfig describes the TOML configuration file.
type tomlConfig struct {
	Client              clientConf
	Logging             logConf
	Metrics             metricsConf
	PresentationContext []contextConf `toml:"presentation-context"`
}

// clientConf describes the [client] block.
type clientConf struct {
	Address        string
	CallingAETitle string   `toml:"calling-ae"`
	CalledAETitle  string   `toml:"called-ae"`
	MaxPDULength   uint32   `toml:"max-pdu-length"`
	TransferSyntax []string `toml:"transfer-syntaxes"`

	ConnectTimeout            duration `toml:"connect-timeout"`
	ReadTimeout               duration `toml:"read-timeout"`
	WriteTimeout              duration `toml:"write-timeout"`
	AssociationRequestTimeout duration `toml:"association-request-timeout"`
	AssociationReleaseTimeout duration `toml:"association-release-timeout"`
	LingerTimeout             duration `toml:"linger-timeout"`
	AbortTimeout              duration `toml:"abort-timeout"`
	RequestTimeout            duration `toml:"request-timeout"`

	MaxOperationsInvoked   *uint16 `toml:"max-operations-invoked"`
	MaxOperationsPerformed *uint16 `toml:"max-operations-performed"`
	MaxAssociationTimeouts int     `toml:"max-association-timeouts"`
}

// logConf describes the [logging] block.
type logConf struct {
	Level  string
	Format string
}

// metricsConf describes the [metrics] block.
type metricsConf struct {
	Listen string
}

// contextConf describes one [[presentation-context]] entry.
type contextConf struct {
	AbstractSyntax   string   `toml:"abstract-syntax"`
	TransferSyntaxes []string `toml:"transfer-syntaxes"`
}

// duration decodes TOML strings such as "1500ms" or "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// loadConfig reads path; an empty path yields the zero configuration.
func loadConfig(path string) (tomlConfig, error) {
	var conf tomlConfig
	if path == "" {
		return conf, nil
	}
	md, err := toml.DecodeFile(path, &conf)
	if err != nil {
		return conf, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return conf, fmt.Errorf("unknown keys in %s: %v", path, undecoded)
	}
	return conf, nil
}

// clientConfig overlays the file onto the library defaults.
func (conf tomlConfig) clientConfig(logger *slog.Logger) client.Config {
	cfg := client.DefaultConfig()
	cfg.Logger = logger

	c := conf.Client
	setString(&cfg.Address, c.Address)
	setString(&cfg.CallingAETitle, c.CallingAETitle)
	setString(&cfg.CalledAETitle, c.CalledAETitle)
	if c.MaxPDULength != 0 {
		cfg.MaxPDULength = c.MaxPDULength
	}
	if len(c.TransferSyntax) > 0 {
		cfg.PreferredTransferSyntaxes = c.TransferSyntax
	}

	setDuration(&cfg.ConnectTimeout, c.ConnectTimeout)
	setDuration(&cfg.ReadTimeout, c.ReadTimeout)
	setDuration(&cfg.WriteTimeout, c.WriteTimeout)
	setDuration(&cfg.AssociationRequestTimeout, c.AssociationRequestTimeout)
	setDuration(&cfg.AssociationReleaseTimeout, c.AssociationReleaseTimeout)
	setDuration(&cfg.AssociationLingerTimeout, c.LingerTimeout)
	setDuration(&cfg.AbortTimeout, c.AbortTimeout)
	setDuration(&cfg.RequestTimeout, c.RequestTimeout)

	if c.MaxOperationsInvoked != nil {
		cfg.MaxAsyncOpsInvoked = *c.MaxOperationsInvoked
	}
	if c.MaxOperationsPerformed != nil {
		cfg.MaxAsyncOpsPerformed = *c.MaxOperationsPerformed
	}
	if c.MaxAssociationTimeouts != 0 {
		cfg.MaxConsecutiveAssociationRequestTimeouts = c.MaxAssociationTimeouts
	}

	for _, pc := range conf.PresentationContext {
		cfg.AdditionalPresentationContexts = append(cfg.AdditionalPresentationContexts, client.PresentationContextConfig{
			AbstractSyntax:   pc.AbstractSyntax,
			TransferSyntaxes: pc.TransferSyntaxes,
		})
	}
	return cfg
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v duration) {
	if v.Duration != 0 {
		*dst = v.Duration
	}
}

// newLogger builds the process logger from the [logging] block.
func newLogger(conf logConf, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if conf.Level != "" {
		if err := level.UnmarshalText([]byte(conf.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", conf.Level, err)
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(conf.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", conf.Format)
	}
}
