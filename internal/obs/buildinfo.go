package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Version and Commit are set at link time (-ldflags "-X ...").
var (
	Version = "dev"
	Commit  = "none"
)

var (
	buildInfoOnce sync.Once

	// build_info{version, commit} 1
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "authcore_build_info",
			Help: "Auth core build information.",
		},
		[]string{"version", "commit"},
	)
)

// InitBuildInfo registers build_info once and publishes the current version.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(version, commit).Set(1)
}
