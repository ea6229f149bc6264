// Copyright 2026 The pvdrm Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
	"gvisor.dev/gvisor/pkg/log"

	"github.com/chisuhua/pvdrm/pvdrmd/config"
)

const metricsNamespace = "pvdrm"

// startMetrics publishes the process metrics registry to the sink selected
// in conf until ctx is done.
func startMetrics(ctx context.Context, conf *config.Config, subsystem string) error {
	switch conf.MetricsType {
	case "none":
		return nil
	case "prometheus":
		if err := startPrometheus(ctx, conf, subsystem); err != nil {
			return err
		}
	case "graphite":
		addr, err := net.ResolveTCPAddr("tcp", conf.MetricsGraphite)
		if err != nil {
			return fmt.Errorf("resolving graphite address %q: %w", conf.MetricsGraphite, err)
		}
		prefix := metricsNamespace + "." + subsystem
		log.Infof("Publishing metrics to graphite at %s every %v, prefix %q", addr, conf.MetricsInterval, prefix)
		go graphite.Graphite(metrics.DefaultRegistry, conf.MetricsInterval, prefix, addr)
	default:
		return fmt.Errorf("unknown metrics type %q", conf.MetricsType)
	}

	metrics.RegisterRuntimeMemStats(metrics.DefaultRegistry)
	go metrics.CaptureRuntimeMemStats(metrics.DefaultRegistry, conf.MetricsInterval)
	return nil
}

func startPrometheus(ctx context.Context, conf *config.Config, subsystem string) error {
	pr := prometheus.NewRegistry()
	pClient := mp.NewPrometheusProvider(metrics.DefaultRegistry, metricsNamespace, subsystem, pr, conf.MetricsInterval)
	go pClient.UpdatePrometheusMetrics()

	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: subsystem,
		Name:      "info",
		Help:      "Build information for pvdrmd.",
		ConstLabels: prometheus.Labels{
			"goversion": runtime.Version(),
		},
	})
	pr.MustRegister(info)
	info.Set(1)

	ln, err := net.Listen("tcp", conf.MetricsListen)
	if err != nil {
		return fmt.Errorf("listening for metrics on %q: %w", conf.MetricsListen, err)
	}
	mux := http.NewServeMux()
	mux.Handle(conf.MetricsPath, promhttp.HandlerFor(pr, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		log.Infof("Prometheus metrics listening on %s at %s", ln.Addr(), conf.MetricsPath)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warningf("Metrics server failed: %v", err)
		}
	}()
	return nil
}
