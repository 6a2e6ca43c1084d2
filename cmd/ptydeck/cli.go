package main

import (
	"fmt"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/asheshgoplani/ptydeck/internal/config"
	"github.com/asheshgoplani/ptydeck/internal/logging"
)

// CLI is the command-line interface.
type CLI struct {
	Version  kong.VersionFlag `help:"Show version information"`
	Config   string           `help:"Config file (default $PTYDECK_HOME/config.toml)" type:"path" env:"PTYDECK_CONFIG"`
	Server   string           `help:"Base URL of a running ptydeck serve" env:"PTYDECK_SERVER"`
	Token    string           `help:"Bearer token for the web API" env:"PTYDECK_TOKEN"`
	LogLevel string           `help:"Log level override (debug, info, warn, error)"`
	Debug    bool             `help:"Mirror logs to stderr" short:"d"`

	Serve   ServeCmd   `cmd:"" help:"Run the session manager and web API" default:"1"`
	List    ListCmd    `cmd:"" aliases:"ls" help:"List open and saved sessions"`
	New     NewCmd     `cmd:"" help:"Start a new session"`
	Send    SendCmd    `cmd:"" help:"Send a prompt to a session and submit it"`
	Keys    KeysCmd    `cmd:"" help:"Send raw keystrokes to a session"`
	Attach  AttachCmd  `cmd:"" help:"Attach this terminal to a session (Ctrl+Q detaches)"`
	Resume  ResumeCmd  `cmd:"" help:"Relaunch a saved session"`
	Close   CloseCmd   `cmd:"" aliases:"rm" help:"Terminate a session and forget it"`
	Cleanup CleanupCmd `cmd:"" help:"Terminate process groups left behind by a crashed server"`
	Conf    ConfCmd    `cmd:"config" help:"Inspect configuration"`

	cfg     *config.UserConfig `kong:"-"`
	logInit bool               `kong:"-"`
}

// AfterApply loads configuration and installs the logger before any
// command runs.
func (c *CLI) AfterApply() error {
	var (
		cfg *config.UserConfig
		err error
	)
	if c.Config != "" {
		cfg, err = config.LoadFile(c.Config)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	c.cfg = cfg

	logDir, err := config.LogDir()
	if err != nil {
		return err
	}
	level := cfg.Logs.Level
	if c.LogLevel != "" {
		level = c.LogLevel
	}
	logging.Init(logging.Config{
		LogDir:                logDir,
		Level:                 level,
		Format:                cfg.Logs.Format,
		MaxSizeMB:             cfg.Logs.MaxSizeMB,
		MaxBackups:            cfg.Logs.MaxBackups,
		MaxAgeDays:            cfg.Logs.MaxAgeDays,
		Compress:              cfg.Logs.Compress,
		AggregateIntervalSecs: cfg.Logs.AggregateIntervalSecs,
		Stderr:                c.Debug,
	})
	c.logInit = true
	return nil
}

// Close flushes the logger.
func (c *CLI) Close() {
	if c.logInit {
		logging.Shutdown()
		c.logInit = false
	}
}

// serverURL is --server, or the configured listen address.
func (c *CLI) serverURL() string {
	if c.Server != "" {
		return strings.TrimRight(c.Server, "/")
	}
	return "http://" + c.cfg.Web.GetListen()
}

func (c *CLI) token() string {
	if c.Token != "" {
		return c.Token
	}
	return c.cfg.Web.Token
}

func (c *CLI) client() *apiClient {
	return newAPIClient(c.serverURL(), c.token())
}

// ConfCmd groups the config subcommands.
type ConfCmd struct {
	Path ConfPathCmd `cmd:"" help:"Print the config file location"`
	Show ConfShowCmd `cmd:"" help:"Print the effective configuration as TOML"`
}

type ConfPathCmd struct{}

func (ConfPathCmd) Run(cli *CLI) error {
	if cli.Config != "" {
		fmt.Println(cli.Config)
		return nil
	}
	path, err := config.Path()
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

type ConfShowCmd struct{}

func (ConfShowCmd) Run(cli *CLI) error {
	out, err := config.Encode(cli.cfg)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}
