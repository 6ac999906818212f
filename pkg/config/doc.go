// Package config loads typed configuration structs from environment
// variables, with an optional .env file for local development.
//
// Each config struct declares its variables through env tags:
//
//	type Config struct {
//		Interval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"30s"`
//		APIKey   string        `env:"PUSH_PROVIDER_API_KEY,required"`
//	}
//
//	cfg, err := config.Load[Config]()
//
// The .env file is read at most once per process; missing files are
// not an error. MustLoad panics on failure and suits required startup
// configuration.
package config
