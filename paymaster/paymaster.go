package paymaster

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gaslessbase/gasless-relay/core/chainio/aa"
	"github.com/gaslessbase/gasless-relay/core/config"
	"github.com/gaslessbase/gasless-relay/core/sponsorship"
	"github.com/gaslessbase/gasless-relay/metrics"
	"github.com/gaslessbase/gasless-relay/pkg/logger"
	"github.com/gaslessbase/gasless-relay/storage"
)

type PaymasterStatus string

const (
	initStatus     PaymasterStatus = "init"
	runningStatus  PaymasterStatus = "running"
	shutdownStatus PaymasterStatus = "shutdown"
)

// RunWithConfig starts the paymaster service and blocks until it receives
// SIGINT or SIGTERM.
func RunWithConfig(configPath string) error {
	c, err := config.NewConfig(configPath)
	if err != nil {
		panic(fmt.Errorf("failed to parse config file %s: %w", configPath, err))
	}

	paymaster := NewPaymaster(c)
	return paymaster.Start(context.Background())
}

type Paymaster struct {
	logger logger.Logger
	config *config.Config

	db     storage.Storage
	engine *sponsorship.Engine

	registry *prometheus.Registry
	metrics  *metrics.PaymasterMetrics

	server *httpServer

	// statusMu guards status: Start and stop write it while the health
	// endpoint reads it from request goroutines.
	statusMu sync.RWMutex
	status   PaymasterStatus
}

func (p *Paymaster) setStatus(status PaymasterStatus) {
	p.statusMu.Lock()
	p.status = status
	p.statusMu.Unlock()
}

func (p *Paymaster) Status() PaymasterStatus {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	return p.status
}

func NewPaymaster(c *config.Config) *Paymaster {
	return &Paymaster{
		logger:   c.Logger,
		config:   c,
		registry: prometheus.NewRegistry(),
		status:   initStatus,
	}
}

func (p *Paymaster) init() {
	if p.config.FactoryAddress != (common.Address{}) {
		aa.SetFactoryAddress(p.config.FactoryAddress)
	}
	if p.config.EntrypointAddress != (common.Address{}) {
		aa.SetEntrypointAddress(p.config.EntrypointAddress)
	}

	p.metrics = metrics.NewPaymasterMetrics(p.registry)
}

func (p *Paymaster) initDB() {
	var err error
	p.db, err = storage.NewWithPath(p.config.DbPath)
	if err != nil {
		panic(err)
	}

	if err = p.db.Setup(); err != nil {
		panic(err)
	}

	p.logger.Infof("storage ready at %s", p.db.DbPath())
}

// runStorageGC reclaims badger value log space on a fixed cadence for the
// lifetime of the service.
func (p *Paymaster) runStorageGC(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.db.Vacuum(); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				p.logger.Errorf("storage garbage collection failed: %v", err)
			}
		}
	}
}

func (p *Paymaster) initEngine() {
	engine, err := sponsorship.NewEngine(p.config.AdminAddress, p.db, p.logger)
	if err != nil {
		panic(err)
	}
	p.engine = engine

	p.seedEngine()
}

// seedEngine applies configured limits and whitelist entries on top of
// whatever state survived in storage. Each application goes through the
// regular admin operations so the audit log records it.
func (p *Paymaster) seedEngine() {
	admin := p.config.AdminAddress

	if p.config.DailyLimit != nil || p.config.MonthlyLimit != nil || p.config.PerUserLimit != nil {
		if err := p.engine.SetSpendingLimits(admin, p.config.DailyLimit, p.config.MonthlyLimit, p.config.PerUserLimit); err != nil {
			panic(err)
		}
	}

	for _, target := range p.config.WhitelistedContracts {
		if err := p.engine.SetContractWhitelist(admin, target, true); err != nil {
			panic(err)
		}
	}
}

// consumeEvents feeds sponsorship audit events into metrics. The engine
// drops events when this consumer falls behind, so spend gauges may lag
// under burst but the persisted counters never do.
func (p *Paymaster) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-p.engine.Events():
			if event.Kind != sponsorship.EventSponsorshipCharged {
				continue
			}

			p.metrics.IncSponsorshipCharge()
			if raw, ok := event.Details["value"]; ok {
				if value, ok := new(big.Int).SetString(raw, 10); ok {
					p.metrics.AddSponsoredWei(value)
				}
			}
		}
	}
}

func (p *Paymaster) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.init()
	p.initDB()
	p.initEngine()

	go p.consumeEvents(ctx)
	go p.runStorageGC(ctx)

	p.server = newHttpServer(p)
	go func() {
		if err := p.server.Start(p.config.ServerAddr); err != nil {
			p.logger.Info("http server stopped", "error", err)
		}
	}()

	p.setStatus(runningStatus)
	p.logger.Infof("paymaster is running on %s admin=%s", p.config.ServerAddr, p.config.AdminAddress.Hex())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	p.stop()
	return nil
}

func (p *Paymaster) stop() {
	p.setStatus(shutdownStatus)
	p.logger.Infof("shutting down paymaster")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.server.Shutdown(shutdownCtx); err != nil {
		p.logger.Errorf("failed to shut down http server: %v", err)
	}

	if err := p.db.Close(); err != nil {
		p.logger.Errorf("failed to close storage: %v", err)
	}
}
