package internal

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/astrion/astrion/internal/core"
	"github.com/astrion/astrion/internal/core/data"
	"github.com/astrion/astrion/internal/core/debug"
	"github.com/astrion/astrion/internal/core/metrics"
	"github.com/astrion/astrion/internal/game"
	"github.com/astrion/astrion/internal/network"
)

// Controller is the main entrypoint for the Astrion server. It's responsible
// for initializing the shared resources (database, logging, debug tooling),
// wiring the game coordinator to the network core, and running everything
// until the context is canceled.
type Controller struct {
	Config *core.Config

	logger      *logrus.Logger
	db          *gorm.DB
	wg          sync.WaitGroup
	coordinator *game.Coordinator
	server      *network.Server
}

func (c *Controller) Start(ctx context.Context) error {
	var err error
	// Set up the logger, which is shared by every component.
	c.logger, err = core.NewLogger(c.Config)
	if err != nil {
		return fmt.Errorf("error initializing logger: %w", err)
	}

	c.db, err = data.Initialize(c.Config.DatabaseURL(), c.Config.Debugging.DatabaseLoggingEnabled)
	if err != nil {
		return fmt.Errorf("error initializing database connection: %w", err)
	}
	defer func() {
		if err := data.Shutdown(c.db); err != nil {
			c.logger.Warnf("error closing database connection: %v", err)
		}
	}()

	// The coordinator is the network core's handler and the core is the
	// coordinator's transport; build both, then introduce them.
	c.coordinator = game.NewCoordinator(c.Config, c.logger, c.db, nil)
	c.server = network.NewServer(c.Config, c.logger, c.coordinator)
	c.coordinator.Attach(c.server)
	c.server.SetStatus(c.coordinator.Status)

	// Start any debug utilities if we're configured to do so.
	if c.Config.Debugging.PprofEnabled {
		debug.StartUtilities(c.logger, c.Config.Debugging.PprofPort)
	}
	metrics.RegisterConnectionGauges(c.server.PendingCount, c.server.PlayerCount)

	if err := c.server.ListenToPorts(ctx, &c.wg); err != nil {
		return fmt.Errorf("error opening server ports: %w", err)
	}

	c.logger.Infof("astrion server %q ready on %s", c.Config.ServerName, c.Config.ListenAddress())

	<-ctx.Done()
	c.Shutdown()
	return nil
}

// Shutdown dumps every connection, releases the listen ports, and waits for
// the network goroutines to drain.
func (c *Controller) Shutdown() {
	c.logger.Info("shutting down")
	c.server.Shutdown()
	c.wg.Wait()
}
