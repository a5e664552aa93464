/*


Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/AMDEPYC/go-cpufreq/internal/monitoring"
	"github.com/AMDEPYC/go-cpufreq/pkg/cpufreq"
	"github.com/AMDEPYC/go-cpufreq/pkg/cpufreq/governors"
	"github.com/AMDEPYC/go-cpufreq/pkg/drivers/simulated"
)

type options struct {
	cpus           uint
	cpusPerDomain  uint
	governor       string
	metricsAddr    string
	statusInterval time.Duration
	verbosity      int
}

func main() {
	opts := options{}

	cmd := &cobra.Command{
		Use:   "cpufreqsim",
		Short: "Run the frequency scaling coordinator against a simulated machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
		SilenceUsage: true,
	}

	cmd.Flags().UintVar(&opts.cpus, "cpus", 8, "Number of simulated CPUs.")
	cmd.Flags().UintVar(&opts.cpusPerDomain, "cpus-per-domain", 2, "CPUs sharing one clock domain.")
	cmd.Flags().StringVar(&opts.governor, "governor", "ondemand", "Default governor for new policy groups.")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-bind-address", ":10001", "The address the metric endpoint binds to.")
	cmd.Flags().DurationVar(&opts.statusInterval, "status-interval", 5*time.Second, "How often to print domain status.")
	cmd.Flags().IntVarP(&opts.verbosity, "verbosity", "v", 0, "Log verbosity, 0-5.")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newLogger(verbosity int) (logr.Logger, error) {
	zapCfg := zap.NewDevelopmentConfig()
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-verbosity))
	zapLog, err := zapCfg.Build()
	if err != nil {
		return logr.Logger{}, err
	}
	return zapr.NewLogger(zapLog), nil
}

func run(ctx context.Context, opts options) error {
	log, err := newLogger(opts.verbosity)
	if err != nil {
		return fmt.Errorf("unable to build logger: %w", err)
	}
	setupLog := log.WithName("setup")

	if opts.cpus == 0 || opts.cpusPerDomain == 0 {
		return fmt.Errorf("cpus and cpus-per-domain must be positive")
	}

	coord, err := cpufreq.New(cpufreq.Config{
		PossibleCPUs:       opts.cpus,
		DefaultGovernor:    opts.governor,
		ScaleLoopsPerJiffy: true,
		LoopsPerJiffy:      4000000,
		Logger:             log,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := coord.Shutdown(shutdownCtx); err != nil {
			setupLog.Error(err, "coordinator did not shut down cleanly")
		}
	}()

	ondemand, err := governors.NewOndemand(governors.OndemandConfig{
		SamplePeriod: 500 * time.Millisecond,
		Load:         syntheticLoad,
		Updater:      coord,
		Logger:       log,
	})
	if err != nil {
		return err
	}
	for _, gov := range []cpufreq.Governor{
		governors.NewPerformance(),
		governors.NewPowersave(),
		governors.NewUserspace(),
		ondemand,
	} {
		if err := coord.RegisterGovernor(gov); err != nil {
			return fmt.Errorf("unable to register governor %q: %w", gov.Name(), err)
		}
	}

	var domains [][]uint
	for start := uint(0); start < opts.cpus; start += opts.cpusPerDomain {
		var domain []uint
		for cpu := start; cpu < start+opts.cpusPerDomain && cpu < opts.cpus; cpu++ {
			domain = append(domain, cpu)
		}
		domains = append(domains, domain)
	}

	driver, err := simulated.New(simulated.Config{
		Frequencies:       []uint{800000, 1200000, 1800000, 2400000, 3000000, 3700000},
		Domains:           domains,
		TransitionLatency: 20 * time.Microsecond,
		Logger:            log,
	}, coord)
	if err != nil {
		return err
	}

	for cpu := uint(0); cpu < opts.cpus; cpu++ {
		if err := coord.CPUOnline(cpu); err != nil {
			return fmt.Errorf("unable to bring cpu %d online: %w", cpu, err)
		}
	}
	if err := coord.RegisterDriver(driver); err != nil {
		return fmt.Errorf("unable to register driver: %w", err)
	}

	registry := prometheus.NewRegistry()
	if err := monitoring.RegisterCollectors(registry, coord, log); err != nil {
		return fmt.Errorf("unable to register collectors: %w", err)
	}
	counter, err := monitoring.NewTransitionCounter(registry, coord, log)
	if err != nil {
		return fmt.Errorf("unable to register transition counter: %w", err)
	}
	defer counter.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: opts.metricsAddr, Handler: mux}
	go func() {
		setupLog.Info("serving metrics", "address", opts.metricsAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			setupLog.Error(err, "metrics server failed")
		}
	}()
	defer server.Close()

	setupLog.Info("coordinator running",
		"cpus", opts.cpus, "domains", len(domains), "governor", opts.governor)

	ticker := time.NewTicker(opts.statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			setupLog.Info("shutting down")
			for cpu := uint(0); cpu < opts.cpus; cpu++ {
				if err := coord.CPUOffline(cpu); err != nil {
					setupLog.Error(err, "offline failed", "cpu", cpu)
				}
			}
			if err := coord.UnregisterDriver(driver); err != nil {
				setupLog.Error(err, "driver unregister failed")
			}
			return nil
		case <-ticker.C:
			printStatus(coord, domains)
		}
	}
}

// syntheticLoad feeds the ondemand governor a slow per-CPU wave so the
// simulated domains visibly change frequency over time.
func syntheticLoad(cpu uint) (float64, error) {
	phase := float64(time.Now().UnixMilli())/10000 + float64(cpu)/4
	return 0.5 + 0.5*math.Sin(phase), nil
}

func printStatus(coord *cpufreq.Coordinator, domains [][]uint) {
	for _, domain := range domains {
		owner := domain[0]
		policy, err := coord.GetPolicy(owner)
		if err != nil {
			color.Red("domain %v: %v", domain, err)
			continue
		}
		gov, _ := coord.CurrentGovernor(owner)
		color.Green("domain %s governor=%s cur=%d kHz range=%d-%d kHz",
			policy.CPUs.String(), gov, policy.Cur, policy.Min, policy.Max)
	}
}
