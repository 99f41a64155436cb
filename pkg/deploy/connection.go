package deploy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/stevedore/pkg/engine"
	"github.com/openfroyo/stevedore/pkg/stores"
)

// FormatConnectionInfo renders the services of an installed artifact as
// plain text. Config values are printed as given, so callers redact them
// first when needed.
func FormatConnectionInfo(art engine.InstalledArtifact, services []stores.ServiceRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", art.PluginID, art.Version)
	if art.NodeID != "" {
		fmt.Fprintf(&b, " on %s", art.NodeID)
	}
	b.WriteString("\n")
	if !art.InstalledAt.IsZero() {
		fmt.Fprintf(&b, "  installed: %s\n", art.InstalledAt.Format("2006-01-02 15:04:05"))
	}
	if len(services) == 0 {
		b.WriteString("  no services registered\n")
		return b.String()
	}

	for _, svc := range services {
		fmt.Fprintf(&b, "\n  service %s", svc.ServiceID)
		if svc.ServiceName != "" && svc.ServiceName != svc.ServiceID {
			fmt.Fprintf(&b, " (%s)", svc.ServiceName)
		}
		b.WriteString("\n")
		if svc.Host != "" {
			fmt.Fprintf(&b, "    host:   %s\n", svc.Host)
		}
		if svc.Port > 0 {
			fmt.Fprintf(&b, "    port:   %d\n", svc.Port)
		}
		if svc.HealthURL != "" {
			fmt.Fprintf(&b, "    health: %s\n", svc.HealthURL)
		}
		if len(svc.Config) == 0 {
			continue
		}
		keys := make([]string, 0, len(svc.Config))
		for k := range svc.Config {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("    config:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "      %s=%s\n", k, svc.Config[k])
		}
	}
	return b.String()
}
