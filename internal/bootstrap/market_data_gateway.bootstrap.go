package bootstrap

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/krobus00/ibkr-orchestrator/internal/config"
	"github.com/krobus00/ibkr-orchestrator/internal/entity"
	marketDataHTTP "github.com/krobus00/ibkr-orchestrator/internal/handler/marketdata/http"
	"github.com/krobus00/ibkr-orchestrator/internal/infrastructure"
	"github.com/krobus00/ibkr-orchestrator/internal/service/connector"
	"github.com/krobus00/ibkr-orchestrator/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const leaseRedisKey = "lease"

func StartMarketDataGateway(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager, service := initMarketData()
	connectionConfig := manager.Config()

	var (
		redisClient io.Closer
		lease       connector.ClientIDLease
	)
	if leaseConfig, ok := config.Env.Redis[leaseRedisKey]; ok && strings.TrimSpace(leaseConfig.CacheDSN) != "" {
		client, err := infrastructure.NewRedisClient(ctx, leaseConfig.CacheDSN)
		util.ContinueOrFatal(err)
		redisClient = client

		redisLease := connector.NewRedisClientIDLease(client, leaseConfig.TTL)
		acquired, err := redisLease.Acquire(ctx, connectionConfig)
		util.ContinueOrFatal(err)
		if !acquired {
			logrus.WithField("client_id", connectionConfig.ClientID).Fatal("client id is already leased by another process")
		}
		lease = redisLease
	}

	var nc *nats.Conn
	if strings.TrimSpace(config.Env.NatsJetstream.URL) != "" {
		clientName := fmt.Sprintf("%s-client-%d", config.ServiceName, connectionConfig.ClientID)
		conn, js, err := infrastructure.NewJetstream(config.Env.NatsJetstream, clientName)
		util.ContinueOrFatal(err)
		nc = conn

		publisher := connector.NewStatusPublisher(js, connectionConfig)

		publishers := make([]entity.Publisher, 0)
		publishers = append(publishers, publisher)
		for _, v := range publishers {
			err = v.JetstreamEventInit(ctx)
			util.ContinueOrFatal(err)
		}

		manager.AddStatusCallback(publisher.Callback())
		logrus.WithField("session_id", publisher.SessionID()).Info("publishing connection status")
	}

	manager.AddStatusCallback(logConnectionStatus)

	// every gateway call goes through mu, the gateway is single threaded
	mu := &sync.Mutex{}

	mu.Lock()
	connected := manager.Connect(ctx)
	mu.Unlock()
	if !connected {
		logrus.Warn("initial connect failed, will retry on keep-alive")
	}

	handler := marketDataHTTP.NewMarketDataHTTPHandler(service, manager, mu, marketDataHTTP.HandlerConfig{
		DefaultDays:      config.Env.MarketData.HistoryDays,
		DefaultOTMOffset: config.Env.Strategy.OTMOffset,
	})
	httpMux := http.NewServeMux()
	infrastructure.RegisterHealthRoutes(httpMux, handler.Ready)
	handler.Register(httpMux)

	httpServer := infrastructure.NewHTTPServer(infrastructure.HTTPServerConfig{
		Addr:            infrastructure.ResolveHTTPAddr(config.Env.Port),
		ShutdownTimeout: config.Env.GracefulShutdownTimeout,
	}, httpMux)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := httpServer.Start()
		if err != nil {
			logrus.Error(err)
		}
		return err
	})
	group.Go(func() error {
		runKeepAlive(groupCtx, manager, mu, lease, config.Env.IBKR.KeepAliveInterval)
		return nil
	})

	ops := map[string]operation{
		"http": func(ctx context.Context) error {
			return httpServer.Shutdown(ctx)
		},
		"ibkr session": func(ctx context.Context) error {
			// stops the keep-alive loop, ctx is detached from it
			cancel()
			_ = group.Wait()

			mu.Lock()
			manager.Disconnect()
			mu.Unlock()

			return releaseClientIDLease(ctx, lease, redisClient)
		},
	}
	if nc != nil {
		ops["nats connection"] = func(ctx context.Context) error {
			return infrastructure.CloseJetstream(nc)
		}
	}

	wait := gracefulShutdown(ctx, config.Env.GracefulShutdownTimeout, ops)

	<-wait
}

// runKeepAlive pumps gateway events on every tick, reconnects a dropped
// session and refreshes the client id lease.
func runKeepAlive(ctx context.Context, manager *connector.ConnectionManager, mu sync.Locker, lease connector.ClientIDLease, interval time.Duration) {
	if interval <= 0 {
		interval = keepAliveTick
	}

	keepAlive(ctx, func() {
		mu.Lock()
		if manager.IsConnected() {
			manager.KeepAlive()
		} else {
			logrus.Info("gateway session is down, reconnecting")
			manager.Connect(ctx)
		}
		mu.Unlock()

		if lease == nil {
			return
		}
		if err := lease.Refresh(ctx); err != nil {
			logrus.Errorf("failed to refresh client id lease: %v", err)
		}
	}, interval, 0)
}

func releaseClientIDLease(ctx context.Context, lease connector.ClientIDLease, client io.Closer) error {
	if lease != nil {
		if err := lease.Release(ctx); err != nil {
			logrus.Errorf("failed to release client id lease: %v", err)
		}
	}
	if client != nil {
		return client.Close()
	}
	return nil
}
