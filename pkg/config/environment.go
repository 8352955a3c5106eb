package config

import "fmt"

// Environment names one of the two supported signing environments.
type Environment string

const (
	EnvStaging    Environment = "staging"
	EnvProduction Environment = "production"
)

// Endpoints are fixed per environment.
type Endpoints struct {
	// WidgetScriptURL is the signing widget script loaded by the client.
	WidgetScriptURL string `json:"widget_script_url"`
	// BackendBaseURL hosts /v1/assertions and /v1/signatures/verify.
	BackendBaseURL string `json:"backend_base_url"`
	// ProviderBaseURL is the identity provider's signing API.
	ProviderBaseURL string `json:"provider_base_url"`
	// SessionAudience is the assertion audience (provider session endpoint).
	SessionAudience string `json:"session_audience"`
}

var environments = map[Environment]Endpoints{
	EnvStaging: {
		WidgetScriptURL: "https://static.staging.sign.singpass.gov.sg/static/ndi_embedded_sign.js",
		BackendBaseURL:  "https://staging.api.sp-transaction-signing.sg",
		ProviderBaseURL: "https://staging.sign.singpass.gov.sg",
		SessionAudience: "https://staging.sign.singpass.gov.sg/api/v1/sessions",
	},
	EnvProduction: {
		WidgetScriptURL: "https://static.sign.singpass.gov.sg/static/ndi_embedded_sign.js",
		BackendBaseURL:  "https://api.sp-transaction-signing.sg",
		ProviderBaseURL: "https://sign.singpass.gov.sg",
		SessionAudience: "https://sign.singpass.gov.sg/api/v1/sessions",
	},
}

// Valid reports whether e is staging or production.
func (e Environment) Valid() bool {
	_, ok := environments[e]
	return ok
}

// Endpoints returns the endpoints of e.
func (e Environment) Endpoints() (Endpoints, error) {
	ep, ok := environments[e]
	if !ok {
		return Endpoints{}, fmt.Errorf("%w: unknown environment %q", ErrInvalidConfiguration, e)
	}
	return ep, nil
}
