package deploy

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/stevedore/pkg/engine"
	"github.com/openfroyo/stevedore/pkg/stores"
	"github.com/openfroyo/stevedore/pkg/workflow"
	"github.com/openfroyo/stevedore/pkg/workflow/steps"
)

var (
	varRef      = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::?-([^}]*))?\}`)
	requirePass = regexp.MustCompile(`--requirepass\s+(\S+)`)
)

// composeService is the subset of a compose service definition used to
// register connection info.
type composeService struct {
	name        string
	ports       []string
	environment map[string]string
	command     string
}

// parseComposeServices reads the services of a compose file in
// declaration order.
func parseComposeServices(data []byte) ([]composeService, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse compose file: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}
	services := mappingValue(doc.Content[0], "services")
	if services == nil || services.Kind != yaml.MappingNode {
		return nil, nil
	}

	var out []composeService
	for i := 0; i+1 < len(services.Content); i += 2 {
		def := services.Content[i+1]
		svc := composeService{name: services.Content[i].Value, environment: map[string]string{}}

		if ports := mappingValue(def, "ports"); ports != nil && ports.Kind == yaml.SequenceNode {
			for _, p := range ports.Content {
				switch p.Kind {
				case yaml.ScalarNode:
					svc.ports = append(svc.ports, p.Value)
				case yaml.MappingNode:
					if pub := mappingValue(p, "published"); pub != nil {
						svc.ports = append(svc.ports, pub.Value+":")
					}
				}
			}
		}

		if env := mappingValue(def, "environment"); env != nil {
			switch env.Kind {
			case yaml.MappingNode:
				for j := 0; j+1 < len(env.Content); j += 2 {
					svc.environment[env.Content[j].Value] = env.Content[j+1].Value
				}
			case yaml.SequenceNode:
				for _, item := range env.Content {
					if k, v, ok := strings.Cut(item.Value, "="); ok {
						svc.environment[k] = v
					}
				}
			}
		}

		if cmd := mappingValue(def, "command"); cmd != nil {
			switch cmd.Kind {
			case yaml.ScalarNode:
				svc.command = cmd.Value
			case yaml.SequenceNode:
				parts := make([]string, 0, len(cmd.Content))
				for _, c := range cmd.Content {
					parts = append(parts, c.Value)
				}
				svc.command = strings.Join(parts, " ")
			}
		}

		out = append(out, svc)
	}
	return out, nil
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

// expand substitutes ${VAR} references from vars, then from the inline
// default.
func expand(s string, vars map[string]string) string {
	return varRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := varRef.FindStringSubmatch(ref)
		if v, ok := vars[m[1]]; ok && v != "" {
			return v
		}
		return m[2]
	})
}

// publishedPort extracts the host port of a compose port mapping such as
// "6379", "16379:6379", "127.0.0.1:8080:80/tcp" or "8080-8081:80-81".
func publishedPort(mapping string) int {
	mapping, _, _ = strings.Cut(mapping, "/")
	parts := strings.Split(mapping, ":")
	var candidate string
	switch len(parts) {
	case 1:
		candidate = parts[0]
	case 2:
		candidate = parts[0]
	default:
		candidate = parts[len(parts)-2]
	}
	candidate, _, _ = strings.Cut(candidate, "-")
	port, err := strconv.Atoi(strings.TrimSpace(candidate))
	if err != nil || port <= 0 {
		return 0
	}
	return port
}

// serviceHost is the address consumers use to reach services on node.
func serviceHost(node *engine.NodeDescriptor) string {
	if node == nil {
		return "localhost"
	}
	switch node.Type {
	case engine.NodeTypeSSH:
		if node.Host != "" {
			return node.Host
		}
	case engine.NodeTypeDockerAPI:
		if u, err := url.Parse(node.DockerHost); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	return "localhost"
}

// collectServices builds service records from the compose files the
// install workflow brought up. The first service takes the plugin ID as
// its service ID so that dependants can find it; later ones are suffixed
// with their compose name.
func collectServices(def *workflow.Definition, workDir, pluginID string, node *engine.NodeDescriptor, userConfig map[string]string) ([]stores.ServiceRecord, error) {
	healthURL := ""
	var files []string
	seen := map[string]bool{}
	for _, step := range def.Steps {
		switch step.Type {
		case workflow.StepTypeHealthCheck:
			if healthURL == "" {
				healthURL = step.ConfigString("url", "")
			}
		case workflow.StepTypeComposeDeploy:
			if step.ConfigString("action", "up") != "up" {
				continue
			}
			f := step.ConfigString("file", "docker-compose.yml")
			if !seen[f] {
				seen[f] = true
				files = append(files, f)
			}
		}
	}

	host := serviceHost(node)
	var records []stores.ServiceRecord
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(workDir, filepath.FromSlash(f)))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f, err)
		}
		defaults, err := steps.ScanDefaults(data)
		if err != nil {
			return nil, err
		}
		vars := make(map[string]string, len(defaults)+len(userConfig))
		for k, v := range defaults {
			vars[k] = v
		}
		for k, v := range userConfig {
			vars[k] = v
		}

		parsed, err := parseComposeServices(data)
		if err != nil {
			return nil, err
		}
		for _, svc := range parsed {
			rec := stores.ServiceRecord{
				ServiceID:   pluginID,
				ServiceName: svc.name,
				ServiceType: pluginID,
				Host:        host,
				HealthURL:   expand(healthURL, vars),
				Config:      map[string]string{},
			}
			if len(records) > 0 {
				rec.ServiceID = pluginID + "/" + svc.name
			}
			for _, p := range svc.ports {
				if port := publishedPort(expand(p, vars)); port > 0 {
					rec.Port = port
					break
				}
			}
			for k, v := range svc.environment {
				rec.Config[k] = expand(v, vars)
			}
			if m := requirePass.FindStringSubmatch(svc.command); m != nil {
				rec.Config["REDIS_PASSWORD"] = expand(m[1], vars)
			}
			records = append(records, rec)
		}
	}
	return records, nil
}

// toServiceInfo converts a stored record with plaintext config.
func toServiceInfo(rec stores.ServiceRecord) workflow.ServiceInfo {
	return workflow.ServiceInfo{
		ServiceID:      rec.ServiceID,
		ServiceName:    rec.ServiceName,
		ServiceType:    rec.ServiceType,
		Host:           rec.Host,
		Port:           rec.Port,
		HealthCheckURL: rec.HealthURL,
		Config:         rec.Config,
	}
}
