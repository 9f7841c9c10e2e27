// Package supervisor drives the stream fleet: it lists healthy nodes from
// the panel, owns one subscriber goroutine per node, refreshes the fleet on a
// fixed cadence, and fans bans out to every registered node.
package supervisor

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Mtoly/XrayIPGuard/api"
	"github.com/Mtoly/XrayIPGuard/common/parser"
	"github.com/Mtoly/XrayIPGuard/panel"
	"github.com/Mtoly/XrayIPGuard/service/checker"
	"github.com/Mtoly/XrayIPGuard/service/subscriber"
)

// spawnSpacing smooths panel load when many streams are (re)created at once.
const spawnSpacing = 3 * time.Second

// NodeDialer builds the ban transport for a node. Nil disables ban delivery
// (bans are still decided and logged).
type NodeDialer func(node api.Node) (api.NodeBanner, error)

type Config struct {
	// NodeReset is the fleet refresh cadence.
	NodeReset time.Duration
	// CustomNodes, when non-empty, restricts streaming to these node names.
	CustomNodes []string
}

type stream struct {
	node   api.Node
	cancel context.CancelFunc
}

type Supervisor struct {
	panel  *panel.Client
	parser parser.Parser
	queue  *checker.Queue
	notify api.Notifier
	dial   NodeDialer
	cfg    Config

	mu       sync.Mutex
	streams  []stream
	registry map[string]api.NodeBanner
}

func New(panelClient *panel.Client, p parser.Parser, queue *checker.Queue,
	notifier api.Notifier, dial NodeDialer, cfg Config) *Supervisor {
	return &Supervisor{
		panel:    panelClient,
		parser:   p,
		queue:    queue,
		notify:   notifier,
		dial:     dial,
		cfg:      cfg,
		registry: make(map[string]api.NodeBanner),
	}
}

// Run performs one initial list+spawn cycle so streaming begins immediately,
// then refreshes the fleet every NodeReset until the context is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	if err := s.reload(ctx); err != nil {
		log.WithField("err", err).Error("initial node listing failed")
	}

	ticker := time.NewTicker(s.cfg.NodeReset)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.cancelAll()
			return
		case <-ticker.C:
			s.notify.Notify("Reloading node log streams")
			s.cancelAll()
			if err := s.reload(ctx); err != nil {
				log.WithField("err", err).Error("node listing failed, keeping cadence")
			}
		}
	}
}

func (s *Supervisor) reload(ctx context.Context) error {
	nodes, err := s.panel.ListHealthyNodes(ctx)
	if err != nil {
		return err
	}

	nodes = filterNodes(nodes, s.cfg.CustomNodes)
	s.registerNodes(nodes)

	for i, node := range nodes {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(spawnSpacing):
			}
		}
		s.spawn(ctx, node)
	}
	return nil
}

func filterNodes(nodes []api.Node, custom []string) []api.Node {
	if len(custom) == 0 {
		return nodes
	}
	allowed := make(map[string]struct{}, len(custom))
	for _, name := range custom {
		allowed[name] = struct{}{}
	}
	kept := nodes[:0]
	for _, n := range nodes {
		if _, ok := allowed[n.Name]; ok {
			kept = append(kept, n)
		}
	}
	return kept
}

func (s *Supervisor) spawn(ctx context.Context, node api.Node) {
	sctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.streams = append(s.streams, stream{node: node, cancel: cancel})
	s.mu.Unlock()

	sub := subscriber.New(s.panel, node, s.parser, s.queue, s.notify)
	log.WithFields(log.Fields{
		"node": node.Name,
		"id":   node.ID,
	}).Info("starting log stream")
	go sub.Run(sctx)
}

func (s *Supervisor) cancelAll() {
	s.mu.Lock()
	streams := s.streams
	s.streams = nil
	s.mu.Unlock()

	for _, st := range streams {
		log.Infof("Cancelling stream for node %s", st.node.Name)
		st.cancel()
	}
}

func (s *Supervisor) registerNodes(nodes []api.Node) {
	if s.dial == nil {
		return
	}

	registry := make(map[string]api.NodeBanner, len(nodes))
	for _, node := range nodes {
		conn, err := s.dial(node)
		if err != nil {
			log.WithFields(log.Fields{
				"node": node.Name,
				"err":  err,
			}).Error("node ban transport unavailable")
			continue
		}
		registry[node.Name] = conn
	}

	s.mu.Lock()
	s.registry = registry
	s.mu.Unlock()
}

// BanUser issues the ban to every registered node. One failed node must not
// block bans elsewhere; failures are logged and swallowed.
func (s *Supervisor) BanUser(ctx context.Context, user *api.User) {
	s.mu.Lock()
	registry := make(map[string]api.NodeBanner, len(s.registry))
	for name, conn := range s.registry {
		registry[name] = conn
	}
	s.mu.Unlock()

	if len(registry) == 0 {
		log.WithField("user", user.Name).Debug("no ban transports registered")
		return
	}

	for name, conn := range registry {
		if err := conn.BanUser(ctx, user); err != nil {
			log.WithFields(log.Fields{
				"node": name,
				"user": user.Name,
				"ip":   user.IP,
				"err":  err,
			}).Error("ban failed on node")
		}
	}
}
