package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/krobus00/ibkr-orchestrator/internal/config"
	"github.com/krobus00/ibkr-orchestrator/internal/service/connector"
	"github.com/krobus00/ibkr-orchestrator/internal/service/gateway"
	"github.com/krobus00/ibkr-orchestrator/internal/service/marketdata"
	"github.com/krobus00/ibkr-orchestrator/internal/util"
	"github.com/sirupsen/logrus"
)

type operation func(ctx context.Context) error

// gracefulShutdown waits for a termination signal and then runs ops
// concurrently. The process exits if they take longer than timeout.
func gracefulShutdown(ctx context.Context, timeout time.Duration, ops map[string]operation) <-chan struct{} {
	wait := make(chan struct{})
	go func() {
		s := make(chan os.Signal, 1)
		signal.Notify(s, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		<-s

		logrus.Info("shutting down")

		timeoutFunc := time.AfterFunc(timeout, func() {
			logrus.Error(fmt.Sprintf("timeout %d ms has been elapsed, force exit", timeout.Milliseconds()))
			os.Exit(0)
		})
		defer timeoutFunc.Stop()

		runCleanupOps(ctx, timeout, ops)

		close(wait)
	}()

	return wait
}

// runCleanupOps gives every op a context bounded by timeout that ignores the
// cancellation of ctx, since ops commonly cancel ctx themselves before
// releasing remote resources.
func runCleanupOps(ctx context.Context, timeout time.Duration, ops map[string]operation) {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	var wg sync.WaitGroup
	for key, op := range ops {
		wg.Add(1)
		go func() {
			defer wg.Done()

			logrus.Info(fmt.Sprintf("cleaning up: %s", key))
			if err := op(opCtx); err != nil {
				logrus.Error(fmt.Sprintf("%s: clean up failed: %s", key, err.Error()))
				return
			}

			logrus.Info(fmt.Sprintf("%s was shutdown gracefully", key))
		}()
	}

	wg.Wait()
}

// initMarketData builds the configured gateway and the two services sharing it.
func initMarketData() (*connector.ConnectionManager, *marketdata.MarketDataService) {
	gw, err := gateway.InitGateway(config.Env.IBKR)
	util.ContinueOrFatal(err)

	manager := connector.NewConnectionManager(gw, config.Env.IBKR.ConnectionConfig())
	service := marketdata.NewMarketDataService(gw, marketdata.ConfigFromEnv(config.Env))

	return manager, service
}

func logConnectionStatus(connected bool) {
	if connected {
		logrus.Info("connected to IBKR gateway")
		return
	}
	logrus.Warn("disconnected from IBKR gateway")
}
