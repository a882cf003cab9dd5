package router

import (
	"context"
	"log/slog"

	"github.com/docsage/docsage/internal/config"
	sageerrors "github.com/docsage/docsage/internal/errors"
	"github.com/docsage/docsage/internal/registry"
)

// Decision records how a query was routed.
type Decision struct {
	Category Category           `json:"category"`
	ModelID  string             `json:"model_id"`
	Instance *registry.Instance `json:"-"`
	Fallback bool               `json:"fallback,omitempty"` // preferred model was unavailable
}

// Options adjust routing for a single request.
type Options struct {
	// ModelOverride skips classification-based model choice.
	ModelOverride string
	// ConversationID feeds the sticky selection strategy.
	ConversationID string
	// Strategy overrides the configured selection strategy.
	Strategy registry.Strategy
}

// ModelRouter maps a query to a model and a serving instance.
type ModelRouter struct {
	classifier *Classifier
	registry   *registry.Registry
	models     config.ModelsConfig
	strategy   registry.Strategy
	logger     *slog.Logger
}

// NewModelRouter creates a router over the given registry.
func NewModelRouter(reg *registry.Registry, models config.ModelsConfig, strategy registry.Strategy, logger *slog.Logger) *ModelRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModelRouter{
		classifier: NewClassifier(),
		registry:   reg,
		models:     models,
		strategy:   strategy,
		logger:     logger,
	}
}

// Classify exposes the classifier for the /classify endpoint.
func (r *ModelRouter) Classify(query string) Category {
	return r.classifier.Classify(query)
}

// modelFor maps a category to its configured model, defaulting to Chat.
func (r *ModelRouter) modelFor(cat Category) string {
	var id string
	switch cat {
	case CategoryCode:
		id = r.models.Code
	case CategoryMath:
		id = r.models.Math
	case CategoryCreative:
		id = r.models.Creative
	case CategoryTechnical:
		id = r.models.Technical
	}
	if id == "" {
		id = r.models.Chat
	}
	return id
}

// Route classifies the query and picks a model and instance. When the
// preferred model has no instance it falls back to the chat model, then
// to any generation-capable model. Routing has no side effects, so
// repeated calls for the same query are equivalent.
func (r *ModelRouter) Route(ctx context.Context, query string, opts Options) (Decision, error) {
	category := r.classifier.Classify(query)

	preferred := opts.ModelOverride
	if preferred == "" {
		preferred = r.modelFor(category)
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = r.strategy
	}

	// Fallback chain: preferred, then chat, then any generative model.
	candidates := []string{preferred}
	if r.models.Chat != "" && r.models.Chat != preferred {
		candidates = append(candidates, r.models.Chat)
	}
	for _, id := range r.models.Generative() {
		if id != preferred && id != r.models.Chat {
			candidates = append(candidates, id)
		}
	}

	var lastErr error
	for i, modelID := range candidates {
		inst, err := r.registry.Pick(ctx, modelID, strategy, opts.ConversationID)
		if err != nil {
			lastErr = err
			continue
		}

		decision := Decision{
			Category: category,
			ModelID:  modelID,
			Instance: inst,
			Fallback: i > 0,
		}
		r.logger.Debug("routed query",
			slog.String("category", string(category)),
			slog.String("model", modelID),
			slog.String("instance", inst.Name),
			slog.Bool("fallback", decision.Fallback))
		return decision, nil
	}

	if lastErr == nil {
		lastErr = sageerrors.New(sageerrors.ErrCodeNoInstance, "no generation models configured", nil)
	}
	return Decision{}, lastErr
}
