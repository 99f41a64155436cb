package steps

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/stevedore/pkg/workflow"
)

// ProjectPrefix prefixes compose project names derived from middleware IDs.
const ProjectPrefix = "stevedore_"

// fallbackServiceHost stands in for a dependency that reports no host.
const fallbackServiceHost = "localhost"

var (
	projectNameInvalid = regexp.MustCompile(`[^a-zA-Z0-9_]`)
	interpolation      = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::?-([^}]*))?\}`)
)

// ProjectName returns configured when set, otherwise a name derived from
// the middleware ID. Compose requires lower case project names.
func ProjectName(configured, middlewareID string) string {
	if configured != "" {
		return strings.ToLower(configured)
	}
	return strings.ToLower(ProjectPrefix + projectNameInvalid.ReplaceAllString(middlewareID, "_"))
}

// ScanDefaults collects ${VAR:-default} and ${VAR-default} defaults from
// the string values of a compose file. References without a default are
// ignored. The first default seen for a variable wins.
func ScanDefaults(compose []byte) (map[string]string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(compose, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse compose file: %w", err)
	}

	defaults := make(map[string]string)
	var walk func(n *yaml.Node)
	walk = func(n *yaml.Node) {
		if n.Kind == yaml.ScalarNode {
			for _, m := range interpolation.FindAllStringSubmatchIndex(n.Value, -1) {
				name := n.Value[m[2]:m[3]]
				if m[4] < 0 {
					continue
				}
				if _, seen := defaults[name]; !seen {
					defaults[name] = n.Value[m[4]:m[5]]
				}
			}
		}
		for _, c := range n.Content {
			walk(c)
		}
	}
	walk(&doc)
	return defaults, nil
}

// BuildEnv assembles the compose environment. Later layers win:
//
//  1. defaults scanned from the compose file
//  2. connection info of resolved dependencies
//  3. user install config
func BuildEnv(defaults map[string]string, ictx *workflow.InstallContext) map[string]string {
	env := make(map[string]string, len(defaults))
	for k, v := range defaults {
		env[k] = v
	}

	for k, v := range serviceEnv(ictx.ResolvedServices, ictx.InstallConfig) {
		env[k] = v
	}

	for k, v := range ictx.InstallConfig {
		env[k] = v
	}
	return env
}

// serviceEnv renders dependency connection info. userConfig is only
// consulted to leave derived address names the user already set alone.
func serviceEnv(services map[string]workflow.ServiceInfo, userConfig map[string]string) map[string]string {
	env := make(map[string]string)

	ids := make([]string, 0, len(services))
	for id := range services {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		svc := services[id]
		prefix := envPrefix(id)

		host := svc.Host
		if host == "" {
			host = fallbackServiceHost
		}
		env[prefix+"_HOST"] = host
		if svc.Port > 0 {
			env[prefix+"_PORT"] = strconv.Itoa(svc.Port)
		}
		if svc.HealthCheckURL != "" {
			env[prefix+"_HEALTH_URL"] = svc.HealthCheckURL
		}
		for k, v := range svc.Config {
			env[prefix+"_"+envPrefix(k)] = v
		}

		if addr := derivedAddress(host, svc.Port); addr != "" {
			base := baseName(id)
			for _, name := range []string{base + "Endpoints", base + "Address", base + "Url"} {
				if _, set := userConfig[name]; set {
					continue
				}
				env[name] = addr
				break
			}
		}
	}
	return env
}

// derivedAddress uses the same host written to <PREFIX>_HOST.
func derivedAddress(host string, port int) string {
	if port <= 0 {
		return ""
	}
	return host + ":" + strconv.Itoa(port)
}

// envPrefix turns "cache-svc" into "CACHE_SVC".
func envPrefix(id string) string {
	return strings.ToUpper(strings.ReplaceAll(id, "-", "_"))
}

// baseName turns "etcd-installer" into "etcd" and "cache-svc" into "cache".
func baseName(id string) string {
	base := strings.TrimSuffix(id, "-installer")
	if i := strings.Index(base, "-"); i > 0 {
		base = base[:i]
	}
	return base
}
