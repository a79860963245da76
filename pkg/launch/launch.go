// Package launch starts a group of training processes on one host. The
// launcher hosts an embedded NATS server that carries the group's
// collective traffic, creates the group's stream, and runs one process
// per rank with the group coordinates in its environment. If any process
// fails, the rest are killed.
package launch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/tabflow/movielens-multigpu/pkg/collective"
	"github.com/tabflow/movielens-multigpu/pkg/config"
	"golang.org/x/sync/errgroup"
)

// Environment variables set on every spawned process.
const (
	EnvRank      = "RANK"
	EnvWorldSize = "WORLD_SIZE"
	EnvLocalRank = "LOCAL_RANK"
	EnvNATSURL   = "MOVIELENS_NATS_URL"
	EnvGroup     = "MOVIELENS_GROUP"
	EnvDevices   = "CUDA_VISIBLE_DEVICES"
)

// Launcher runs NP copies of Program.
type Launcher struct {
	NP      int
	Program string
	Args    []string
	// Env is appended to the launcher's own environment.
	Env []string
	// Devices maps rank to device id. When empty, rank i gets device i.
	Devices []int
	Server  collective.ServerOptions
	// Stdout and Stderr receive the output of every process; they default
	// to the launcher's.
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

// WorkerEnv is what a spawned process learns from its environment.
type WorkerEnv struct {
	Rank      int
	WorldSize int
	LocalRank int
	NATSURL   string
	Group     string
	Device    string
}

// Environ renders e as KEY=value pairs.
func (e WorkerEnv) Environ() []string {
	return []string{
		EnvRank + "=" + strconv.Itoa(e.Rank),
		EnvWorldSize + "=" + strconv.Itoa(e.WorldSize),
		EnvLocalRank + "=" + strconv.Itoa(e.LocalRank),
		EnvNATSURL + "=" + e.NATSURL,
		EnvGroup + "=" + e.Group,
		EnvDevices + "=" + e.Device,
	}
}

// FromEnv reads the worker environment set by the launcher.
func FromEnv(getenv func(string) string) (WorkerEnv, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	var (
		e    WorkerEnv
		errs []error
	)
	atoi := func(key string) int {
		n, perr := strconv.Atoi(getenv(key))
		if perr != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, perr))
		}
		return n
	}
	e.Rank = atoi(EnvRank)
	e.WorldSize = atoi(EnvWorldSize)
	e.LocalRank = atoi(EnvLocalRank)
	e.NATSURL = getenv(EnvNATSURL)
	e.Group = getenv(EnvGroup)
	e.Device = getenv(EnvDevices)
	if e.NATSURL == "" {
		errs = append(errs, fmt.Errorf("%s is not set", EnvNATSURL))
	}
	if e.Group == "" {
		errs = append(errs, fmt.Errorf("%s is not set", EnvGroup))
	}
	if err := errors.Join(errs...); err != nil {
		return WorkerEnv{}, fmt.Errorf("reading worker environment: %w", err)
	}
	if e.WorldSize <= 0 || e.Rank < 0 || e.Rank >= e.WorldSize {
		return WorkerEnv{}, fmt.Errorf("rank %d out of range for world size %d", e.Rank, e.WorldSize)
	}
	return e, nil
}

// Member is a process's handle on its group.
type Member struct {
	*collective.Group
	conn *nats.Conn
}

// Close leaves the group and closes the NATS connection.
func (m *Member) Close() error {
	err := m.Group.Close()
	m.conn.Close()
	return err
}

// Join connects to the launcher's server and joins the group described
// by e.
func Join(ctx context.Context, e WorkerEnv, opts collective.Options) (*Member, error) {
	nc, err := nats.Connect(e.NATSURL, nats.Name(fmt.Sprintf("%s-rank-%d", e.Group, e.Rank)))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", e.NATSURL, err)
	}
	t, err := collective.NewNATSTransport(ctx, nc, e.Group, opts.Logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	g, err := collective.NewGroup(e.Rank, e.WorldSize, t, opts)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return &Member{Group: g, conn: nc}, nil
}

// TrainerArgs returns the flags forwarded to every training process.
func TrainerArgs(cfg *config.Config) []string {
	return []string{
		"-dir-in", cfg.BaseDir,
		"-batch-size", strconv.Itoa(cfg.Train.BatchSize),
		"-cats", strings.Join(cfg.Train.Cats, ","),
		"-cats-mh", strings.Join(cfg.Train.CatsMH, ","),
		"-conts", strings.Join(cfg.Train.Conts, ","),
		"-labels", strings.Join(cfg.Train.Labels, ","),
		"-epochs", strconv.Itoa(cfg.Train.Epochs),
	}
}

func (l *Launcher) device(rank int) string {
	if len(l.Devices) > 0 {
		return strconv.Itoa(l.Devices[rank])
	}
	return strconv.Itoa(rank)
}

// Run starts the server and the processes and waits for all of them.
// The first process to fail cancels the others.
func (l *Launcher) Run(ctx context.Context) error {
	if l.NP <= 0 {
		return fmt.Errorf("number of processes must be positive, got %d", l.NP)
	}
	if l.Program == "" {
		return errors.New("no program to launch")
	}
	if len(l.Devices) > 0 && len(l.Devices) != l.NP {
		return fmt.Errorf("%d devices for %d processes", len(l.Devices), l.NP)
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	stdout, stderr := l.Stdout, l.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	srv, err := collective.StartServer(l.Server)
	if err != nil {
		return err
	}
	defer srv.Shutdown()

	group := uuid.NewString()
	if err := createStream(ctx, srv.ClientURL(), group); err != nil {
		return err
	}
	logger.Info(
		"launching worker group",
		slog.String("group", group),
		slog.Int("np", l.NP),
		slog.String("program", l.Program),
		slog.String("nats_url", srv.ClientURL()),
	)

	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)
	for rank := range l.NP {
		env := WorkerEnv{
			Rank:      rank,
			WorldSize: l.NP,
			LocalRank: rank,
			NATSURL:   srv.ClientURL(),
			Group:     group,
			Device:    l.device(rank),
		}
		cmd := exec.CommandContext(ctx, l.Program, l.Args...)
		cmd.Env = append(append(os.Environ(), l.Env...), env.Environ()...)
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		cmd.WaitDelay = 5 * time.Second
		if err := cmd.Start(); err != nil {
			cancel()
			_ = eg.Wait()
			return fmt.Errorf("starting rank %d: %w", rank, err)
		}
		eg.Go(func() error {
			if err := cmd.Wait(); err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			logger.Debug("worker exited", slog.Int("rank", rank))
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	logger.Info("worker group finished", slog.String("group", group), slog.Duration("took", time.Since(start)))
	return nil
}

func createStream(ctx context.Context, url, group string) error {
	nc, err := nats.Connect(url)
	if err != nil {
		return fmt.Errorf("connecting to embedded server: %w", err)
	}
	defer nc.Close()
	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("creating JetStream context: %w", err)
	}
	_, err = collective.EnsureStream(ctx, js, group)
	return err
}
