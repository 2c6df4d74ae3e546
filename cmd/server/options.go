package main

import (
	"io"
	"log/slog"

	"github.com/HMasataka/logging"
	"github.com/HMasataka/tlsserve/internal/config"
	"github.com/jessevdk/go-flags"
)

type Options struct {
	Config    string `long:"config" short:"c" description:"TOML config file"`
	Host      string `long:"host" description:"Address to bind" default:"0.0.0.0"`
	Port      int    `long:"port" short:"p" description:"Port to bind" default:"443"`
	Root      string `long:"root" description:"Directory to serve" default:"."`
	CertFile  string `long:"cert" description:"PEM certificate file" default:"server.crt"`
	KeyFile   string `long:"key" description:"PEM private key file" default:"server.key"`
	LogLevel  string `long:"log-level" description:"debug, info, warn or error" default:"info"`
	LogFormat string `long:"log-format" description:"json or text" default:"json" choice:"json" choice:"text"`
}

func newParser(opts *Options) *flags.Parser {
	return flags.NewParser(opts, flags.Default)
}

// buildConfig layers explicitly set flags over the config file over the defaults.
func buildConfig(parser *flags.Parser, opts *Options) (config.Config, error) {
	cfg := config.Default()
	if opts.Config != "" {
		var err error
		cfg, err = config.Load(opts.Config)
		if err != nil {
			return cfg, err
		}
	}

	set := func(name string) bool {
		opt := parser.FindOptionByLongName(name)
		return opt != nil && opt.IsSet() && !opt.IsSetDefault()
	}

	if set("host") {
		cfg.Server.Host = opts.Host
	}
	if set("port") {
		cfg.Server.Port = opts.Port
	}
	if set("root") {
		cfg.Server.Root = opts.Root
	}
	if set("cert") {
		cfg.Server.CertFile = opts.CertFile
	}
	if set("key") {
		cfg.Server.KeyFile = opts.KeyFile
	}
	if set("log-level") {
		cfg.Log.Level = opts.LogLevel
	}
	if set("log-format") {
		cfg.Log.Format = opts.LogFormat
	}

	return cfg, cfg.Validate()
}

func newLogger(w io.Writer, c config.LogConfig) (*slog.Logger, error) {
	level, err := c.SlogLevel()
	if err != nil {
		return nil, err
	}

	handlerOptions := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewJSONHandler(w, handlerOptions)
	if c.Format == "text" {
		handler = slog.NewTextHandler(w, handlerOptions)
	}
	// コンテキストに積まれた値 (request_id など) をログに載せる
	return slog.New(logging.NewHandler(handler)), nil
}
