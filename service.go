package demandflow

import (
	"github.com/viant/x"

	"github.com/retailops/demandflow/extension"
	"github.com/retailops/demandflow/model/session"
	"github.com/retailops/demandflow/model/types"
	"github.com/retailops/demandflow/policy"
	"github.com/retailops/demandflow/service/approval"
	"github.com/retailops/demandflow/service/dao"
	"github.com/retailops/demandflow/service/dao/store"
	"github.com/retailops/demandflow/service/engine/allocation"
	"github.com/retailops/demandflow/service/engine/demand"
	"github.com/retailops/demandflow/service/engine/pricing"
	"github.com/retailops/demandflow/service/hub"
	"github.com/retailops/demandflow/service/messaging"
	mmemory "github.com/retailops/demandflow/service/messaging/memory"
	"github.com/retailops/demandflow/service/orchestrator"
	"github.com/retailops/demandflow/service/registry"
	"github.com/retailops/demandflow/service/variance"
)

// Service assembles the engine: registry, orchestrator, broadcast hub,
// approval coordinator and variance monitor wired over shared stores and a
// stage job queue.
type Service struct {
	config         *Config
	runtime        *Runtime
	engines        *extension.Engines
	engineTypes    []*x.Type
	engineServices []types.Service
	sessionStore   dao.Service[string, session.Session]
	varianceStore  dao.Service[string, variance.Record]
	queue          messaging.Queue[orchestrator.StageJob]
	policy         *policy.Policy
}

// New assembles an engine from options. Unset collaborators fall back to
// in-memory defaults, so New() with no options yields a fully working engine.
func New(options ...Option) *Service {
	ret := &Service{runtime: &Runtime{}}
	ret.init(options)
	return ret
}

func (s *Service) init(options []Option) {
	for _, option := range options {
		option(s)
	}
	s.ensureBaseSetup()

	s.engines = extension.NewEngines(s.engineTypes...)
	s.engines.Register(demand.New())
	s.engines.Register(allocation.New())
	s.engines.Register(pricing.New())
	for _, service := range s.engineServices {
		s.engines.Register(service)
	}

	s.runtime.registry = registry.New(s.sessionStore)
	s.runtime.hub = hub.New(s.runtime.registry, s.config.hubConfig())
	s.runtime.orchestrator = orchestrator.New(s.runtime.registry, s.runtime.hub, s.engines, s.queue, s.config.orchestratorConfig())
	s.runtime.approval = approval.New(s.runtime.registry, s.runtime.hub, s.config.approvalConfig())
	s.runtime.variance = variance.New(s.varianceStore, s.runtime.registry, s.runtime.hub, s.config.varianceConfig())
	s.runtime.policy = s.policy

	// resumes the pipeline once an approval lands
	s.runtime.registry.OnTransition(s.runtime.orchestrator.HandleTransition)
}

func (s *Service) ensureBaseSetup() {
	if s.config == nil {
		s.config = DefaultConfig()
	}
	if s.sessionStore == nil {
		s.sessionStore = store.NewMemoryStore[string, session.Session](func(item *session.Session) string {
			return item.ID
		})
	}
	if s.varianceStore == nil {
		s.varianceStore = store.NewMemoryStore[string, variance.Record](func(item *variance.Record) string {
			return item.ID
		})
	}
	if s.queue == nil {
		s.queue = mmemory.NewQueue[orchestrator.StageJob](mmemory.DefaultConfig())
	}
	if s.policy == nil && s.config.Policy.Mode != "" {
		s.policy = &policy.Policy{Mode: s.config.Policy.Mode}
	}
}

// RegisterEngineTypes adds data types to the engine type registry.
func (s *Service) RegisterEngineTypes(goTypes ...*x.Type) {
	for i := range goTypes {
		s.engines.Types().Register(goTypes[i])
	}
}

// RegisterEngines adds collaborator engines after construction.
func (s *Service) RegisterEngines(services ...types.Service) {
	for i := range services {
		s.engines.Register(services[i])
	}
}

// Runtime exposes the assembled runtime.
func (s *Service) Runtime() *Runtime {
	return s.runtime
}
