package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"

	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/logger"
)

func main() {
	logger.Init()
	app := kingpin.New("tis-trainee-credentials", "Issues and verifies digital staff credentials via the credential gateway.")

	app.Command("configure", "Prints an example .TOML configuration file.")
	app.Command("version", "Prints tis-trainee-credentials version and exits.")

	startCmd := app.Command("start", "Starts the credential service.")
	path := startCmd.Flag("config", "TOML config file path").
		Short('c').
		Default("/etc/tis-trainee-credentials.toml").
		String()
	debug := startCmd.Flag("debug", "Enable verbose logging to stderr").
		Short('d').
		Bool()
	insecure := startCmd.Flag("insecure-no-tls", "Disable TLS for the callback server").
		Default("false").
		Bool()

	selectedCmd, err := app.Parse(os.Args[1:])
	if err != nil {
		lib.Bail(err)
	}

	switch selectedCmd {
	case "configure":
		fmt.Print(exampleConfig)
	case "version":
		lib.PrintVersion(app.Name, Version, Gitref)
	case "start":
		if err := run(*path, *insecure, *debug); err != nil {
			lib.Bail(err)
		} else {
			logger.Standard().Info("Successfully shut down")
		}
	}
}

func run(configPath string, insecure, debug bool) error {
	conf, err := LoadConfig(configPath)
	if err != nil {
		return trace.Wrap(err)
	}

	logConfig := conf.Log
	if debug {
		logConfig.Severity = "debug"
	}
	if err = logger.Setup(logConfig); err != nil {
		return err
	}
	if debug {
		logger.Standard().Debugf("DEBUG logging enabled")
	}

	conf.HTTP.Insecure = insecure
	app, err := NewApp(*conf)
	if err != nil {
		return trace.Wrap(err)
	}

	go lib.ServeSignals(app, 15*time.Second)

	return trace.Wrap(
		app.Run(context.Background()),
	)
}
