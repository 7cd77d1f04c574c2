package demandflow

import (
	"context"
	"fmt"
	"time"

	"github.com/viant/afs"
	"gopkg.in/yaml.v3"

	"github.com/retailops/demandflow/policy"
	"github.com/retailops/demandflow/service/approval"
	"github.com/retailops/demandflow/service/hub"
	"github.com/retailops/demandflow/service/orchestrator"
	"github.com/retailops/demandflow/service/variance"
)

// Config is a serialisable representation of the engine configuration. It can
// be populated from JSON, YAML, environment variables, etc. The zero value is
// useful: all nested fields inherit their package defaults.
type Config struct {
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
	Hub          HubConfig          `json:"hub" yaml:"hub"`
	Approval     ApprovalConfig     `json:"approval" yaml:"approval"`
	Variance     VarianceConfig     `json:"variance" yaml:"variance"`
	Policy       policy.Policy      `json:"policy" yaml:"policy"`
}

type OrchestratorConfig struct {
	WorkerCount  int           `json:"workers" yaml:"workers"`
	StageTimeout time.Duration `json:"stageTimeout" yaml:"stageTimeout"`
}

type HubConfig struct {
	SubscriberBuffer  int           `json:"subscriberBuffer" yaml:"subscriberBuffer"`
	HeartbeatInterval time.Duration `json:"heartbeatInterval" yaml:"heartbeatInterval"`
	HeartbeatTimeout  time.Duration `json:"heartbeatTimeout" yaml:"heartbeatTimeout"`
}

type ApprovalConfig struct {
	Cap            float64 `json:"cap" yaml:"cap"`
	Granularity    float64 `json:"granularity" yaml:"granularity"`
	MaxSensitivity float64 `json:"maxSensitivity" yaml:"maxSensitivity"`
}

type VarianceConfig struct {
	Threshold float64 `json:"threshold" yaml:"threshold"`
}

// DefaultConfig returns a Config populated with the same defaults the
// component constructors apply. Callers may modify the returned struct before
// passing it to New via WithConfig.
func DefaultConfig() *Config {
	orchestratorDefaults := orchestrator.DefaultConfig()
	hubDefaults := hub.DefaultConfig()
	approvalDefaults := approval.DefaultConfig()
	varianceDefaults := variance.DefaultConfig()
	return &Config{
		Orchestrator: OrchestratorConfig{
			WorkerCount:  orchestratorDefaults.WorkerCount,
			StageTimeout: orchestratorDefaults.StageTimeout,
		},
		Hub: HubConfig{
			SubscriberBuffer:  hubDefaults.SubscriberBuffer,
			HeartbeatInterval: hubDefaults.HeartbeatInterval,
			HeartbeatTimeout:  hubDefaults.HeartbeatTimeout,
		},
		Approval: ApprovalConfig{
			Cap:            approvalDefaults.Cap,
			Granularity:    approvalDefaults.Granularity,
			MaxSensitivity: approvalDefaults.MaxSensitivity,
		},
		Variance: VarianceConfig{
			Threshold: varianceDefaults.Threshold,
		},
		Policy: policy.Policy{Mode: policy.ModeAuto},
	}
}

// LoadConfig reads a YAML configuration from any URL the file system
// abstraction can reach (file, s3, gs, mem, ...).
func LoadConfig(ctx context.Context, URL string) (*Config, error) {
	fs := afs.New()
	data, err := fs.DownloadWithURL(ctx, URL)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", URL, err)
	}
	ret := &Config{}
	if err = yaml.Unmarshal(data, ret); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", URL, err)
	}
	return ret, nil
}

// Validate returns an error describing invalid settings or nil.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	if c.Orchestrator.WorkerCount < 0 {
		return fmt.Errorf("orchestrator.workers must be >= 0")
	}
	if c.Orchestrator.StageTimeout < 0 {
		return fmt.Errorf("orchestrator.stageTimeout must be >= 0")
	}
	if c.Variance.Threshold < 0 || c.Variance.Threshold > 1 {
		return fmt.Errorf("variance.threshold must be within [0, 1]")
	}
	if c.Approval.Cap < 0 {
		return fmt.Errorf("approval.cap must be >= 0")
	}
	if c.Approval.Granularity < 0 {
		return fmt.Errorf("approval.granularity must be >= 0")
	}
	switch c.Policy.Mode {
	case "", policy.ModeAuto, policy.ModeManual:
	default:
		return fmt.Errorf("policy.mode must be %q or %q", policy.ModeAuto, policy.ModeManual)
	}
	return nil
}

func (c *Config) orchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		WorkerCount:  c.Orchestrator.WorkerCount,
		StageTimeout: c.Orchestrator.StageTimeout,
	}
}

func (c *Config) hubConfig() hub.Config {
	return hub.Config{
		SubscriberBuffer:  c.Hub.SubscriberBuffer,
		HeartbeatInterval: c.Hub.HeartbeatInterval,
		HeartbeatTimeout:  c.Hub.HeartbeatTimeout,
	}
}

func (c *Config) approvalConfig() approval.Config {
	return approval.Config{
		Cap:            c.Approval.Cap,
		Granularity:    c.Approval.Granularity,
		MaxSensitivity: c.Approval.MaxSensitivity,
	}
}

func (c *Config) varianceConfig() variance.Config {
	return variance.Config{Threshold: c.Variance.Threshold}
}
