package evaluator

import (
	"fmt"
	"sync/atomic"

	"github.com/brensch/mctscore"
)

// ServicePool fans a game's search threads out across N independent
// Services, each wrapping its own Evaluator (and, for OnnxEvaluator, its
// own ORT session), generalizing the teacher's executor/inference.OnnxPool
// round-robin.
type ServicePool struct {
	services []*Service
	rr       atomic.Uint64
}

// NewServicePool builds one Service per entry in evaluators, all sharing cfg.
func NewServicePool(evaluators []mctscore.Evaluator, cfg Config) (*ServicePool, error) {
	if len(evaluators) == 0 {
		return nil, fmt.Errorf("service pool needs at least one evaluator")
	}
	services := make([]*Service, len(evaluators))
	for i, ev := range evaluators {
		services[i] = New(ev, cfg, nil)
	}
	return &ServicePool{services: services}, nil
}

// Pick returns the next Service in round-robin order.
func (p *ServicePool) Pick() *Service {
	idx := int(p.rr.Add(1)-1) % len(p.services)
	return p.services[idx]
}

func (p *ServicePool) Close() {
	for _, s := range p.services {
		s.Close()
	}
}

func (p *ServicePool) Stats() []Stats {
	out := make([]Stats, len(p.services))
	for i, s := range p.services {
		out[i] = s.Stats()
	}
	return out
}
