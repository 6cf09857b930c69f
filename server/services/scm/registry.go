package scm

import (
	"fmt"
	"sync"

	"github.com/jobserv/jobserv/common/gerror"
	"github.com/jobserv/jobserv/common/models"
)

type StrategyRegistry struct {
	strategyByType map[models.TriggerType]Strategy
	mutex          sync.RWMutex
}

func NewStrategyRegistry() *StrategyRegistry {
	return &StrategyRegistry{
		strategyByType: make(map[models.TriggerType]Strategy),
	}
}

// Register a strategy. Registering the same trigger type twice panics.
func (s *StrategyRegistry) Register(strategy Strategy) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.strategyByType[strategy.Type()]; ok {
		panic(fmt.Sprintf("StrategyRegistry: attempt to register trigger type %q more than once", strategy.Type()))
	}

	s.strategyByType[strategy.Type()] = strategy
}

// Get the registered strategy for a trigger type.
func (s *StrategyRegistry) Get(triggerType models.TriggerType) (Strategy, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	strategy, ok := s.strategyByType[triggerType]
	if !ok {
		return nil, gerror.NewErrNotFound("Not Found").IDetail("trigger_type", triggerType.String())
	}
	return strategy, nil
}
