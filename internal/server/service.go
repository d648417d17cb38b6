package server

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/model-router/internal/executor"
	"github.com/tributary-ai/model-router/internal/flags"
	"github.com/tributary-ai/model-router/internal/health"
	"github.com/tributary-ai/model-router/internal/registry"
	"github.com/tributary-ai/model-router/internal/routing"
	"github.com/tributary-ai/model-router/internal/types"
)

// Service wires the classifier, routing engine and execution controller
// into the pipeline one request flows through: classify, decide, execute.
type Service struct {
	registry   *registry.Registry
	classifier *routing.Classifier
	engine     *routing.Engine
	gate       *flags.Gate
	monitor    *health.Monitor
	executor   *executor.Controller
	logger     *logrus.Logger
}

// NewService assembles the routing pipeline.
func NewService(reg *registry.Registry, classifier *routing.Classifier, engine *routing.Engine, gate *flags.Gate, monitor *health.Monitor, controller *executor.Controller, logger *logrus.Logger) *Service {
	return &Service{
		registry:   reg,
		classifier: classifier,
		engine:     engine,
		gate:       gate,
		monitor:    monitor,
		executor:   controller,
		logger:     logger,
	}
}

// Route runs the full pipeline for one request.
func (s *Service) Route(ctx context.Context, req *types.RouteRequest) (*types.RouteResponse, error) {
	cls := s.classifier.Classify(req)

	gate := func(flagID, userID string) bool {
		return s.gate.IsEnabled(ctx, flagID, userID)
	}

	decision, err := s.engine.Decide(s.registry.List(registry.Filter{}), s.monitor.Snapshot(), gate, req, cls)
	if err != nil {
		return nil, err
	}

	return s.executor.Execute(ctx, req, decision)
}
