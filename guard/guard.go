// Package guard assembles the agent from its parts: panel client, limit
// resolver, log queue, checker and stream supervisor. One Guard corresponds
// to one loaded configuration; hot reload closes the old instance and starts
// a fresh one.
package guard

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Mtoly/XrayIPGuard/api"
	"github.com/Mtoly/XrayIPGuard/common/exception"
	"github.com/Mtoly/XrayIPGuard/common/limiter"
	"github.com/Mtoly/XrayIPGuard/common/notify"
	"github.com/Mtoly/XrayIPGuard/common/parser"
	"github.com/Mtoly/XrayIPGuard/common/storage"
	"github.com/Mtoly/XrayIPGuard/panel"
	"github.com/Mtoly/XrayIPGuard/service/checker"
	"github.com/Mtoly/XrayIPGuard/service/supervisor"
)

type Guard struct {
	cfg    *Config
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func New(cfg *Config) *Guard {
	return &Guard{cfg: cfg}
}

// Start wires the pipeline and launches the checker and the supervisor. It
// returns immediately; the goroutines run until Close.
func (g *Guard) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel

	cfg := g.cfg
	notifier := notify.NewLogNotifier()

	session := panel.NewSession(cfg.PanelUsername, cfg.PanelPassword, cfg.PanelDomain())
	client := panel.New(session, notifier)

	var resolver limiter.Resolver
	if cfg.SyncWithPanel {
		services := limiter.ParseServices(cfg.MarzneshinServices)
		ttl := time.Duration(cfg.CacheTTL) * time.Second
		resolver = limiter.NewPanelResolver(client, services, ttl, cfg.Redis)
		log.WithFields(log.Fields{
			"services": len(services),
			"ttl":      ttl,
		}).Info("using panel limit resolver")
	} else {
		resolver = limiter.NewLocalResolver(cfg.LimitsFile, cfg.DefaultLimit)
		log.WithField("path", cfg.LimitsFile).Info("using local limit resolver")
	}

	var excepted api.ExceptedIPs = exception.NewMemoryStore()
	if cfg.ExceptedIPsFile != "" {
		excepted = exception.NewFileStore(cfg.ExceptedIPsFile)
	}

	store := storage.NewActiveUsers()
	queue := checker.NewQueue(checker.DefaultQueueSize)

	sup := supervisor.New(client, parser.ForPanel(cfg.PanelType), queue, notifier, nil,
		supervisor.Config{
			NodeReset:   time.Duration(cfg.PanelNodeReset) * time.Second,
			CustomNodes: cfg.CustomNodes(),
		})

	check := checker.New(store, resolver, excepted, sup, notifier, checker.Config{
		DefaultLimit: cfg.DefaultLimit,
		STL:          cfg.STL,
		IUL:          cfg.IUL,
		BanLastUser:  cfg.BanLastUser,
		Accepted:     cfg.Accepted,
	})

	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		check.Run(ctx, queue)
	}()
	go func() {
		defer g.wg.Done()
		sup.Run(ctx)
	}()

	log.WithFields(log.Fields{
		"panel": cfg.PanelDomain(),
		"type":  cfg.PanelType,
	}).Info("agent started")
}

// Close cancels every goroutine started by Start and waits for them.
func (g *Guard) Close() {
	g.once.Do(func() {
		if g.cancel != nil {
			g.cancel()
		}
		g.wg.Wait()
		log.Info("agent stopped")
	})
}
