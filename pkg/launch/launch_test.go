package launch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tabflow/movielens-multigpu/pkg/collective"
	"github.com/tabflow/movielens-multigpu/pkg/config"
	"github.com/tabflow/movielens-multigpu/pkg/loader"
)

const helperEnv = "LAUNCH_HELPER_MODE"

// TestMain turns the test binary into a group member when launched by a
// test below.
func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		if err := helper(mode); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func helper(mode string) error {
	e, err := FromEnv(nil)
	if err != nil {
		return err
	}
	switch mode {
	case "fail":
		if e.Rank == 1 {
			return fmt.Errorf("rank %d failing", e.Rank)
		}
		time.Sleep(time.Minute)
		return nil
	case "allreduce":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		m, err := Join(ctx, e, collective.Options{ChunkSize: 2})
		if err != nil {
			return err
		}
		defer m.Close()
		sum, err := m.AllReduceSum(ctx, []float64{float64(e.Rank + 1), 1, float64(e.Rank * e.Rank)})
		if err != nil {
			return err
		}
		if err := m.Barrier(ctx); err != nil {
			return err
		}
		out := filepath.Join(os.Getenv("LAUNCH_HELPER_OUT"), strconv.Itoa(e.Rank))
		body := fmt.Sprintf("%v %v %v %s %s", sum[0], sum[1], sum[2], e.Device, e.Group)
		return os.WriteFile(out, []byte(body), 0644)
	case "seed":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		m, err := Join(ctx, e, collective.Options{})
		if err != nil {
			return err
		}
		defer m.Close()
		gs, err := loader.NewGroupSeed(m)
		if err != nil {
			return err
		}
		fragment := gs.Fragment()
		seed, err := gs.NextSeed(ctx)
		if err != nil {
			return err
		}
		out := filepath.Join(os.Getenv("LAUNCH_HELPER_OUT"), strconv.Itoa(e.Rank))
		return os.WriteFile(out, []byte(fmt.Sprintf("%d %d", fragment, seed)), 0644)
	default:
		return fmt.Errorf("unknown helper mode %q", mode)
	}
}

func TestFromEnv(t *testing.T) {
	want := WorkerEnv{Rank: 1, WorldSize: 2, LocalRank: 1, NATSURL: "nats://x", Group: "g", Device: "3"}
	env := make(map[string]string)
	for _, kv := range want.Environ() {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	got, err := FromEnv(func(k string) string { return env[k] })
	require.NoError(t, err)
	assert.Equal(t, want, got)

	env[EnvRank] = "2"
	_, err = FromEnv(func(k string) string { return env[k] })
	require.ErrorContains(t, err, "out of range")

	_, err = FromEnv(func(string) string { return "" })
	require.ErrorContains(t, err, EnvNATSURL)
}

func TestTrainerArgs(t *testing.T) {
	cfg := config.Default()
	cfg.BaseDir = "/data"
	cfg.Train.Conts = nil
	assert.Equal(t, []string{
		"-dir-in", "/data",
		"-batch-size", "16384",
		"-cats", "userId,movieId",
		"-cats-mh", "genres",
		"-conts", "",
		"-labels", "rating",
		"-epochs", "1",
	}, TrainerArgs(cfg))
}

func TestLaunchValidates(t *testing.T) {
	ctx := context.Background()
	require.Error(t, (&Launcher{Program: "x"}).Run(ctx))
	require.Error(t, (&Launcher{NP: 1}).Run(ctx))
	require.Error(t, (&Launcher{NP: 2, Program: "x", Devices: []int{0}}).Run(ctx))
}

func TestLaunchRunsCollective(t *testing.T) {
	out := t.TempDir()
	l := &Launcher{
		NP:      3,
		Program: os.Args[0],
		Args:    []string{"-test.run=^$"},
		Env:     []string{helperEnv + "=allreduce", "LAUNCH_HELPER_OUT=" + out},
		Devices: []int{4, 5, 6},
	}
	require.NoError(t, l.Run(context.Background()))

	var group string
	for rank := range 3 {
		b, err := os.ReadFile(filepath.Join(out, strconv.Itoa(rank)))
		require.NoError(t, err)
		var (
			a, n, sq float64
			dev, g   string
		)
		_, err = fmt.Sscanf(string(b), "%v %v %v %s %s", &a, &n, &sq, &dev, &g)
		require.NoError(t, err)
		assert.Equal(t, 6.0, a)
		assert.Equal(t, 3.0, n)
		assert.Equal(t, 5.0, sq)
		assert.Equal(t, strconv.Itoa(4+rank), dev)
		if group == "" {
			group = g
		}
		assert.Equal(t, group, g)
	}
}

func TestLaunchFailFast(t *testing.T) {
	l := &Launcher{
		NP:      3,
		Program: os.Args[0],
		Args:    []string{"-test.run=^$"},
		Env:     []string{helperEnv + "=fail"},
	}
	start := time.Now()
	err := l.Run(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 30*time.Second, "surviving ranks are killed")
}

func TestSeedFragmentsDifferAcrossProcesses(t *testing.T) {
	// launch runs a two member group and returns each rank's first
	// fragment and the agreed seed.
	launch := func() (fragments, seeds [2]int64) {
		out := t.TempDir()
		l := &Launcher{
			NP:      2,
			Program: os.Args[0],
			Args:    []string{"-test.run=^$"},
			Env:     []string{helperEnv + "=seed", "LAUNCH_HELPER_OUT=" + out},
		}
		require.NoError(t, l.Run(context.Background()))
		for rank := range 2 {
			b, err := os.ReadFile(filepath.Join(out, strconv.Itoa(rank)))
			require.NoError(t, err)
			_, err = fmt.Sscanf(string(b), "%d %d", &fragments[rank], &seeds[rank])
			require.NoError(t, err)
		}
		return fragments, seeds
	}
	firstFragments, firstSeeds := launch()
	secondFragments, secondSeeds := launch()

	assert.Equal(t, firstSeeds[0], firstSeeds[1])
	assert.Equal(t, secondSeeds[0], secondSeeds[1])
	assert.NotEqual(t, firstFragments[0], firstFragments[1])
	// The same rank in a later run draws a different fragment.
	assert.NotEqual(t, firstFragments, secondFragments)
}
