package bootstrap

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

const keepAliveTick = 1 * time.Second

// StartConnect opens a gateway session, keeps it alive for duration and then
// disconnects.
func StartConnect(duration time.Duration) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	manager, _ := initMarketData()
	defer manager.Close()

	manager.AddStatusCallback(logConnectionStatus)

	cfg := manager.Config()
	logger := logrus.WithFields(logrus.Fields{
		"host":      cfg.Host,
		"port":      cfg.Port,
		"client_id": cfg.ClientID,
	})

	if !manager.Connect(ctx) {
		logger.Error("failed to connect, make sure the IBKR gateway is running and accepting connections")
		return
	}
	logger.Infof("connection status: %s", manager.State())

	logger.Infof("keeping connection alive for %s", duration)
	keepAlive(ctx, manager.KeepAlive, keepAliveTick, duration)

	manager.Disconnect()
	logger.Infof("connection status: %s", manager.State())
}

// keepAlive calls tick every interval until duration elapses or ctx is done.
// A non-positive duration runs until ctx is done.
func keepAlive(ctx context.Context, tick func(), interval, duration time.Duration) {
	var deadline <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-ticker.C:
			tick()
		}
	}
}
