// Package leader provides Kubernetes Lease-based leader election so that
// only one replica runs the auction clock and the Discord bot.
package leader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/jensholdgaard/techrun/internal/config"
)

// identity returns a unique identity for this instance.
// It uses the POD_NAME env var if set, otherwise the hostname.
func identity() string {
	if name := os.Getenv("POD_NAME"); name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// State records whether this replica currently runs the game. The zero value
// is not leading.
type State struct {
	leading atomic.Bool
}

// Leading reports whether this replica holds leadership.
func (s *State) Leading() bool { return s.leading.Load() }

// Set records a change of leadership.
func (s *State) Set(leading bool) { s.leading.Store(leading) }

// ClientFactory creates a Kubernetes clientset.
// Extracted as a variable for testing.
var ClientFactory = func() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("building in-cluster config: %w", err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	return client, nil
}

// Validate checks the timing relations client-go requires.
func Validate(cfg config.LeaderElectionConfig) error {
	if cfg.LeaseName == "" || cfg.LeaseNamespace == "" {
		return fmt.Errorf("lease name and namespace are required")
	}
	if cfg.RetryPeriod <= 0 {
		return fmt.Errorf("retry period must be positive")
	}
	if cfg.RenewDeadline <= cfg.RetryPeriod {
		return fmt.Errorf("renew deadline %v must exceed retry period %v", cfg.RenewDeadline, cfg.RetryPeriod)
	}
	if cfg.LeaseDuration <= cfg.RenewDeadline {
		return fmt.Errorf("lease duration %v must exceed renew deadline %v", cfg.LeaseDuration, cfg.RenewDeadline)
	}
	return nil
}

// Run starts leader election. onStartedLeading is invoked when this instance
// becomes the leader and should block until ctx is done. onStoppedLeading
// runs when leadership is lost. Run blocks until the election loop exits.
func Run(ctx context.Context, cfg config.LeaderElectionConfig, logger *slog.Logger, onStartedLeading func(ctx context.Context), onStoppedLeading func()) error {
	if err := Validate(cfg); err != nil {
		return fmt.Errorf("leader election config: %w", err)
	}

	id := cfg.Identity
	if id == "" {
		id = identity()
	}
	logger.Info("starting leader election",
		slog.String("identity", id),
		slog.String("lease", cfg.LeaseName),
		slog.String("namespace", cfg.LeaseNamespace),
	)

	client, err := ClientFactory()
	if err != nil {
		return fmt.Errorf("leader election client: %w", err)
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      cfg.LeaseName,
			Namespace: cfg.LeaseNamespace,
		},
		Client: client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: id,
		},
	}

	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   cfg.LeaseDuration,
		RenewDeadline:   cfg.RenewDeadline,
		RetryPeriod:     cfg.RetryPeriod,
		ReleaseOnCancel: true,
		Name:            cfg.LeaseName,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(ctx context.Context) {
				logger.Info("acquired leadership", slog.String("identity", id))
				onStartedLeading(ctx)
			},
			OnStoppedLeading: func() {
				logger.Info("lost leadership", slog.String("identity", id))
				onStoppedLeading()
			},
			OnNewLeader: func(newID string) {
				if newID == id {
					return
				}
				logger.Info("new leader elected", slog.String("leader", newID))
			},
		},
	})
	if err != nil {
		return fmt.Errorf("creating leader elector: %w", err)
	}

	elector.Run(ctx)
	return nil
}
