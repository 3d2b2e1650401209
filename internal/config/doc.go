// Package config provides loading and environment overlay for runnel
// configuration. It exposes a Default() baseline that the CLI narrows with
// flags.
//
// Example:
//
//	cfg := config.Default()
//	if fileCfg, err := config.Load("/etc/runnel.json"); err == nil {
//	    cfg = fileCfg
//	}
//	config.FromEnv(&cfg)
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
package config
