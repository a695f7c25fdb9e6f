package orchestrator

import (
	"strings"

	"github.com/randomizedcoder/go-itest-supervisor/internal/config"
	"github.com/randomizedcoder/go-itest-supervisor/internal/environ"
	"github.com/randomizedcoder/go-itest-supervisor/internal/process"
)

// Environment variables the default plan manipulates.
const (
	EnvMasterSecret          = "SYNC_MASTER_SECRET"
	EnvCORSMaxAge            = "SYNC_CORS_MAX_AGE"
	EnvCORSAllowedOrigin     = "SYNC_CORS_ALLOWED_ORIGIN"
	EnvFxAOAuthServerURL     = "SYNC_TOKENSERVER__FXA_OAUTH_SERVER_URL"
	EnvTokenserverAuthMethod = "TOKENSERVER_AUTH_METHOD"
)

// JWKCacheKeys are the cached identity-provider signing key components.
// Removing them forces the server to fetch the key over the network.
var JWKCacheKeys = []string{
	"SYNC_TOKENSERVER__FXA_OAUTH_PRIMARY_JWK__KTY",
	"SYNC_TOKENSERVER__FXA_OAUTH_PRIMARY_JWK__ALG",
	"SYNC_TOKENSERVER__FXA_OAUTH_PRIMARY_JWK__KID",
	"SYNC_TOKENSERVER__FXA_OAUTH_PRIMARY_JWK__FXA_CREATED_AT",
	"SYNC_TOKENSERVER__FXA_OAUTH_PRIMARY_JWK__USE",
	"SYNC_TOKENSERVER__FXA_OAUTH_PRIMARY_JWK__N",
	"SYNC_TOKENSERVER__FXA_OAUTH_PRIMARY_JWK__E",
}

// Default phase names.
const (
	PhaseFunctional               = "functional"
	PhaseTokenserverLocal         = "tokenserver-local"
	PhaseTokenserverE2E           = "tokenserver-e2e"
	PhaseTokenserverE2ENoJWKCache = "tokenserver-e2e-no-jwk-cache"
)

// DefaultVerbosity is passed to phases that do not set their own.
const DefaultVerbosity = 1

// Phase is one server lifetime plus one test suite run against it.
type Phase struct {
	Name string

	// Mutation is applied on top of the previous phase's environment.
	Mutation environ.Mutation

	Collaborator process.Collaborator

	// Verbosity overrides DefaultVerbosity when set.
	Verbosity *int
}

// EffectiveVerbosity returns the verbosity handed to the phase's collaborator.
func (p Phase) EffectiveVerbosity() int {
	if p.Verbosity != nil {
		return *p.Verbosity
	}
	return DefaultVerbosity
}

// Plan is an ordered list of phases. Base is applied once before the first.
type Plan struct {
	Base   environ.Mutation
	Phases []Phase
}

// Names returns the phase names in order.
func (p Plan) Names() []string {
	names := make([]string, len(p.Phases))
	for i, ph := range p.Phases {
		names[i] = ph.Name
	}
	return names
}

// Snapshots returns the environment each phase's server will receive.
func (p Plan) Snapshots(initial environ.Snapshot) []environ.Snapshot {
	out := make([]environ.Snapshot, len(p.Phases))
	env := p.Base.Apply(initial)
	for i, ph := range p.Phases {
		env = ph.Mutation.Apply(env)
		out[i] = env
	}
	return out
}

// DefaultPlan returns the four standard phases: functional storage tests,
// token service tests against the mock identity provider, end-to-end token
// service tests against staging, and the same end-to-end tests again with
// the signing-key cache removed.
func DefaultPlan(cfg *config.Config) Plan {
	base := environ.Mutation{
		SetDefault: map[string]string{
			EnvMasterSecret:      "secret0",
			EnvCORSMaxAge:        "555",
			EnvCORSAllowedOrigin: "*",
		},
		Set: map[string]string{
			EnvFxAOAuthServerURL: cfg.MockFxAServerURL,
		},
	}
	addExtraEnv(&base, cfg.ExtraEnv)

	finalVerbosity := cfg.Verbosity

	return Plan{
		Base: base,
		Phases: []Phase{
			{
				Name:         PhaseFunctional,
				Collaborator: process.NewCommandCollaborator(PhaseFunctional, config.ShellCommand(cfg.FunctionalCmd)),
			},
			{
				Name: PhaseTokenserverLocal,
				Mutation: environ.Mutation{
					Set: map[string]string{EnvTokenserverAuthMethod: "oauth"},
				},
				Collaborator: process.NewCommandCollaborator(PhaseTokenserverLocal, config.ShellCommand(cfg.TokenserverLocalCmd)),
			},
			{
				Name: PhaseTokenserverE2E,
				Mutation: environ.Mutation{
					Set: map[string]string{EnvFxAOAuthServerURL: cfg.StageFxAServerURL},
				},
				Collaborator: process.NewCommandCollaborator(PhaseTokenserverE2E, config.ShellCommand(cfg.TokenserverE2ECmd)),
			},
			{
				Name: PhaseTokenserverE2ENoJWKCache,
				Mutation: environ.Mutation{
					Unset: append([]string(nil), JWKCacheKeys...),
				},
				Collaborator: process.NewCommandCollaborator(PhaseTokenserverE2ENoJWKCache, config.ShellCommand(cfg.TokenserverE2ECmd)),
				Verbosity:    &finalVerbosity,
			},
		},
	}
}

// PlanFromFile converts a decoded plan file. -env entries from cfg are
// added to the base mutation, and phases without a verbosity of their own
// get the run verbosity ($VERBOSITY or -verbosity).
func PlanFromFile(pf *config.PlanFile, cfg *config.Config) Plan {
	base := environ.Mutation{
		SetDefault: copyMap(pf.Base.SetDefault),
		Set:        copyMap(pf.Base.Set),
		Unset:      append([]string(nil), pf.Base.Unset...),
	}
	addExtraEnv(&base, cfg.ExtraEnv)

	plan := Plan{Base: base}
	for _, spec := range pf.Phases {
		verbosity := cfg.Verbosity
		if spec.Verbosity != nil {
			verbosity = *spec.Verbosity
		}
		plan.Phases = append(plan.Phases, Phase{
			Name:         spec.Name,
			Mutation:     spec.Mutation,
			Collaborator: process.NewCommandCollaborator(spec.Name, spec.Argv()),
			Verbosity:    &verbosity,
		})
	}
	return plan
}

// BuildPlan returns the plan file's phases when cfg names one, otherwise
// the default plan.
func BuildPlan(cfg *config.Config) (Plan, error) {
	if cfg.PlanPath == "" {
		return DefaultPlan(cfg), nil
	}
	pf, err := config.LoadPlan(cfg.PlanPath)
	if err != nil {
		return Plan{}, err
	}
	return PlanFromFile(pf, cfg), nil
}

func addExtraEnv(m *environ.Mutation, extra []string) {
	if len(extra) == 0 {
		return
	}
	if m.Set == nil {
		m.Set = make(map[string]string, len(extra))
	}
	for _, kv := range extra {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k != "" {
			m.Set[k] = v
		}
	}
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
