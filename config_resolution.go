package main

import (
	"strconv"

	"github.com/TFMV/Mallard/flightserver"
)

type configCLIInputs struct {
	Set map[string]bool

	Server1Location string
	Server2Location string
	Server1DB       string
	Server2DB       string
	Auth            bool
}

type resolvedConfig struct {
	Server1 flightserver.Config
	Server2 flightserver.Config
}

func defaultUsers() map[string]string {
	return map[string]string{
		"admin": "password123",
	}
}

func resolveEffectiveConfig(fileCfg *FileConfig, cli configCLIInputs, getenv func(string) string, warn func(string)) resolvedConfig {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	if warn == nil {
		warn = func(string) {}
	}
	if cli.Set == nil {
		cli.Set = map[string]bool{}
	}

	server1 := flightserver.Config{
		Name:     "server1",
		Location: "grpc://localhost:8815",
		Users:    defaultUsers(),
	}
	server2 := flightserver.Config{
		Name:     "server2",
		Location: "grpc://localhost:8816",
		Users:    defaultUsers(),
	}
	auth := false

	if fileCfg != nil {
		if fileCfg.Server1.Location != "" {
			server1.Location = fileCfg.Server1.Location
		}
		if fileCfg.Server1.DB != "" {
			server1.DBPath = fileCfg.Server1.DB
		}
		if fileCfg.Server2.Location != "" {
			server2.Location = fileCfg.Server2.Location
		}
		if fileCfg.Server2.DB != "" {
			server2.DBPath = fileCfg.Server2.DB
		}
		if fileCfg.Auth != nil {
			auth = *fileCfg.Auth
		}
		if len(fileCfg.Users) > 0 {
			server1.Users = fileCfg.Users
			server2.Users = fileCfg.Users
		}
	}

	if v := getenv("MALLARD_SERVER1_LOCATION"); v != "" {
		server1.Location = v
	}
	if v := getenv("MALLARD_SERVER2_LOCATION"); v != "" {
		server2.Location = v
	}
	if v := getenv("MALLARD_SERVER1_DB"); v != "" {
		server1.DBPath = v
	}
	if v := getenv("MALLARD_SERVER2_DB"); v != "" {
		server2.DBPath = v
	}
	if v := getenv("MALLARD_AUTH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			auth = b
		} else {
			warn("Invalid MALLARD_AUTH: " + err.Error())
		}
	}

	if cli.Set["server1-location"] {
		server1.Location = cli.Server1Location
	}
	if cli.Set["server2-location"] {
		server2.Location = cli.Server2Location
	}
	if cli.Set["server1-db"] {
		server1.DBPath = cli.Server1DB
	}
	if cli.Set["server2-db"] {
		server2.DBPath = cli.Server2DB
	}
	if cli.Set["auth"] {
		auth = cli.Auth
	}

	server1.Auth = auth
	server2.Auth = auth

	return resolvedConfig{
		Server1: server1,
		Server2: server2,
	}
}
