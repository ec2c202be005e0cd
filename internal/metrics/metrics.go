// Copyright 2024 Google Inc. All Rights Reserved.
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

// Package metrics collects the counters a check run accumulates and renders
// them as a one-shot text summary at exit, in place of serving them over
// HTTP: this tool runs once against an offline volume and exits, so there is
// never a scrape window to serve /metrics into.
package metrics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

// Collector satisfies fsck.MetricsSink against a private prometheus.Registry,
// so nothing outside this package depends on the prometheus client directly.
type Collector struct {
	registry *prometheus.Registry

	clustersTotal prometheus.Gauge
	clustersUsed  prometheus.Gauge
	orphansFound  prometheus.Counter
	errorsFound   prometheus.Gauge
	errorsFixed   prometheus.Gauge
}

// NewCollector builds a Collector with its own registry, so concurrent check
// runs (e.g. under test) never collide over the default global registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Collector{
		registry: reg,
		clustersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ntfsck",
			Subsystem: "volume",
			Name:      "clusters_total",
			Help:      "Total clusters on the checked volume.",
		}),
		clustersUsed: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ntfsck",
			Subsystem: "volume",
			Name:      "clusters_used",
			Help:      "Clusters marked allocated by the reconciled cluster bitmap.",
		}),
		orphansFound: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ntfsck",
			Subsystem: "pass4",
			Name:      "orphans_found_total",
			Help:      "MFT records found in use but unreached by the directory tree walk.",
		}),
		errorsFound: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ntfsck",
			Subsystem: "run",
			Name:      "errors_found",
			Help:      "Problems reported by the problem engine across the whole run.",
		}),
		errorsFixed: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ntfsck",
			Subsystem: "run",
			Name:      "errors_fixed",
			Help:      "Problems the problem engine approved a repair for.",
		}),
	}
}

func (c *Collector) SetClusterCounts(total, used uint64) {
	c.clustersTotal.Set(float64(total))
	c.clustersUsed.Set(float64(used))
}

func (c *Collector) IncOrphans() { c.orphansFound.Inc() }

func (c *Collector) SetErrorFixCounts(errors, fixes int) {
	c.errorsFound.Set(float64(errors))
	c.errorsFixed.Set(float64(fixes))
}

// Summary renders every registered metric as prometheus's plain text
// exposition format, in family name order, for printing at the end of a run.
func (c *Collector) Summary() (string, error) {
	families, err := c.registry.Gather()
	if err != nil {
		return "", fmt.Errorf("metrics: gather: %w", err)
	}
	sort.Slice(families, func(i, j int) bool {
		return families[i].GetName() < families[j].GetName()
	})

	var sb strings.Builder
	enc := expfmt.NewEncoder(&sb, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", fmt.Errorf("metrics: encode %s: %w", mf.GetName(), err)
		}
	}
	return sb.String(), nil
}
