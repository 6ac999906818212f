package provider

import "time"

// Config holds push provider settings. Credentials are optional by
// design: their absence is a guarded skip, not a startup failure.
type Config struct {
	Name           string        `env:"PUSH_PROVIDER_NAME" envDefault:"onesignal"`                              // Name identifies the provider in attempt logs.
	Enabled        bool          `env:"PUSH_PROVIDER_ENABLED" envDefault:"true"`                                // Enabled gates all outbound sends.
	DryRun         bool          `env:"PUSH_PROVIDER_DRY_RUN" envDefault:"false"`                               // DryRun reports would-be recipients without network calls.
	AppID          string        `env:"PUSH_PROVIDER_APP_ID"`                                                   // AppID is the provider application identifier.
	APIKey         string        `env:"PUSH_PROVIDER_API_KEY"`                                                  // APIKey is the REST API credential.
	BaseURL        string        `env:"PUSH_PROVIDER_URL" envDefault:"https://onesignal.com/api/v1/notifications"` // BaseURL is the notification create endpoint.
	BatchLimit     int           `env:"PUSH_PROVIDER_BATCH_LIMIT" envDefault:"2000"`                            // BatchLimit caps identifiers per request, per provider constraints.
	RequestTimeout time.Duration `env:"PUSH_PROVIDER_TIMEOUT" envDefault:"30s"`                                 // RequestTimeout bounds each provider call.
}

// HasCredentials reports whether the config carries enough to
// authenticate against the provider.
func (c Config) HasCredentials() bool {
	return c.AppID != "" && c.APIKey != ""
}

// State summarizes the guard outcome a send would hit right now.
type State string

const (
	StateOK            State = "ok"
	StateDisabled      State = "disabled"
	StateDryRun        State = "dry-run"
	StateConfigMissing State = "config-missing"
)

// Status is a diagnostic snapshot for the admin surface.
type Status struct {
	Enabled   bool  `json:"enabled"`
	DryRun    bool  `json:"dry_run"`
	HasConfig bool  `json:"has_config"`
	State     State `json:"state"`
}

// Status reports the current guard state without touching the network.
func (c Config) Status() Status {
	s := Status{
		Enabled:   c.Enabled,
		DryRun:    c.DryRun,
		HasConfig: c.HasCredentials(),
	}
	switch {
	case !s.HasConfig:
		s.State = StateConfigMissing
	case !c.Enabled:
		s.State = StateDisabled
	case c.DryRun:
		s.State = StateDryRun
	default:
		s.State = StateOK
	}
	return s
}
