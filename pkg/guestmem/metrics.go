// Copyright 2024 The Firecracker Authors.
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

package guestmem

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	regionsAllocated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guestmem_regions_allocated_total",
		Help: "Number of guest memory backing objects created.",
	})

	guestBytesMapped = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "guestmem_mapped_bytes",
		Help: "Bytes of guest memory currently mapped into the process.",
	})

	mappingFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guestmem_mapping_failures_total",
		Help: "Number of failed attempts to map a guest memory region.",
	})

	exhaustionFaults = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guestmem_exhaustion_faults_total",
		Help: "Number of fatal backing pool exhaustion faults observed.",
	})
)

// Collectors returns the package's Prometheus collectors for registration
// with the process's registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		regionsAllocated,
		guestBytesMapped,
		mappingFailures,
		exhaustionFaults,
	}
}

// MustRegister registers all collectors with r.
func MustRegister(r prometheus.Registerer) {
	r.MustRegister(Collectors()...)
}
