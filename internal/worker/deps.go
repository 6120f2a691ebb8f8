package worker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/yajmaan/sevaflow/internal/client"
	"github.com/yajmaan/sevaflow/internal/config"
	"github.com/yajmaan/sevaflow/internal/pipeline"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrMockInProduction is returned when a provider would silently fall back to
// a mock while the server runs in production
var ErrMockInProduction = errors.New("provider not configured in production")

// NewDependencies builds the provider clients from config. Hosting and
// messaging fall back to mocks when their credentials are missing, and every
// provider is mocked when mock is set. In production a missing provider is an
// error instead. The returned clients share one pool of call slots sized to
// pipeline.concurrency, so batches running side by side stay within it.
func NewDependencies(cfg *config.Config, logger *zap.Logger, mock bool) (pipeline.Dependencies, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	deps := pipeline.Dependencies{
		Logger: logger,
		Slots:  semaphore.NewWeighted(int64(max(cfg.Pipeline.Concurrency, 1))),
	}

	if mock {
		logger.Warn("using mock providers, no message will be delivered")
		deps.Source = client.MockSourceClient{}
		deps.Hosting = &client.MockHostingClient{}
		deps.Messaging = &client.MockMessagingClient{}
		return deps, nil
	}

	production := strings.EqualFold(cfg.Server.Env, "production")
	deps.Source = client.NewHTTPSourceClient(&cfg.Source, logger)

	if cfg.Hosting.IsConfigured() {
		hosting, err := client.NewS3HostingClient(&cfg.Hosting)
		if err != nil {
			return deps, err
		}
		deps.Hosting = hosting
	} else {
		if production {
			return deps, fmt.Errorf("%w: video hosting", ErrMockInProduction)
		}
		logger.Warn("video hosting not configured, using mock hosting")
		deps.Hosting = &client.MockHostingClient{}
	}

	if cfg.Messaging.IsConfigured() {
		deps.Messaging = client.NewInteraktClient(&cfg.Messaging, logger)
	} else {
		if production {
			return deps, fmt.Errorf("%w: messaging", ErrMockInProduction)
		}
		logger.Warn("messaging not configured, using mock messaging; records will succeed without delivery")
		deps.Messaging = &client.MockMessagingClient{}
	}

	return deps, nil
}
