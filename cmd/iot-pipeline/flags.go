package main

import "flag"

type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	httpAddr    string
	showVersion bool
}

func parseFlags(args []string) (cliFlags, error) {
	var f cliFlags
	fs := flag.NewFlagSet("iot-pipeline", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "path to JSON config file (optional)")
	fs.StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	fs.StringVar(&f.logFormat, "log-format", "text", "log format: text or json")
	fs.StringVar(&f.httpAddr, "http-addr", "", "override HTTP listen address")
	fs.BoolVar(&f.showVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	return f, nil
}
