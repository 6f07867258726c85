// peersim runs an in-process chain of mesh nodes over the loopback
// transport and drives scripted traffic through it. It exists to exercise
// relay reachability, delivery states and SOS fan-out without radios.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jkgulay/resqlink-sub002/internal/engine"
	"github.com/jkgulay/resqlink-sub002/internal/logging"
	"github.com/jkgulay/resqlink-sub002/internal/transport"
	"go.uber.org/zap"
)

func main() {
	count := flag.Int("nodes", 3, "number of simulated devices (chain topology)")
	duration := flag.Duration("duration", 20*time.Second, "how long to run")
	sos := flag.Bool("sos", true, "activate SOS mode on the first node")
	logLevel := flag.String("log-level", "info", "zap log level")
	flag.Parse()

	logger, err := logging.NewConsole(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *count < 2 {
		logger.Fatal("need at least 2 nodes")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	type simNode struct {
		name string
		addr string
		link *transport.Loopback
		node *engine.Node
	}

	nodes := make([]simNode, *count)
	for i := range nodes {
		addr := fmt.Sprintf("02:00:00:00:00:%02x", i+1)
		name := fmt.Sprintf("sim-%d", i+1)
		link := transport.NewLoopback(addr, name)
		node, err := engine.Assemble(engine.AssembleConfig{
			Log:                 logger.With(zap.String("node", name)),
			SelfAddress:         addr,
			SelfName:            name,
			Transport:           link,
			PollInterval:        500 * time.Millisecond,
			EntryTTL:            10 * time.Second,
			RebroadcastInterval: 5 * time.Second,
			Refresh: engine.RefreshIntervals{
				Emergency:    2 * time.Second,
				Normal:       5 * time.Second,
				Disconnected: 5 * time.Second,
				Conversation: time.Second,
			},
		})
		if err != nil {
			logger.Fatal("assemble node", zap.String("node", name), zap.Error(err))
		}
		node.Start(ctx)
		nodes[i] = simNode{name: name, addr: addr, link: link, node: node}
	}
	defer func() {
		for _, n := range nodes {
			_ = n.node.Close()
		}
	}()

	// Chain topology: node i links only to its neighbors, so traffic to the
	// far end must rely on relay adverts.
	for i := 0; i+1 < len(nodes); i++ {
		transport.Link(nodes[i].link, nodes[i+1].link)
	}
	time.Sleep(time.Second)

	first, last := nodes[0], nodes[len(nodes)-1]
	logger.Info("chain established",
		zap.Int("nodes", len(nodes)),
		zap.Bool("ends_reachable", first.node.IsDeviceReachable(last.addr)),
		zap.Int("hops_to_far_end", first.node.MeshDeviceHopCount(last.addr)))

	if msg, err := first.node.SendText(ctx, nodes[1].addr, "radio check"); err != nil {
		logger.Warn("neighbor send failed", zap.Error(err))
	} else {
		logger.Info("neighbor send", zap.String("message_id", msg.MessageID), zap.String("status", string(msg.Status)))
	}

	if *sos {
		first.node.ActivateEmergency(ctx, "simulated emergency, send help")
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	deadline := time.After(*duration)

	for {
		select {
		case <-ctx.Done():
			logger.Info("interrupted")
			return
		case <-deadline:
			if *sos {
				first.node.DeactivateEmergency()
			}
			for _, n := range nodes {
				logger.Info("final state",
					zap.String("node", n.name),
					zap.Int("messages", len(n.node.RecentMessages(0))),
					zap.Int("sessions", len(n.node.Sessions())))
			}
			return
		case <-ticker.C:
			received := 0
			for _, m := range last.node.RecentMessages(0) {
				if !m.IsMe {
					received++
				}
			}
			logger.Info("tick",
				zap.Int("far_end_received", received),
				zap.Bool("ends_reachable", first.node.IsDeviceReachable(last.addr)))
		}
	}
}
