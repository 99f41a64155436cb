package engine

import (
	"sort"
	"time"
)

// DownloadStatus tracks the artifact fetch state of a resolved node.
type DownloadStatus string

const (
	DownloadPending     DownloadStatus = "PENDING"
	DownloadDownloading DownloadStatus = "DOWNLOADING"
	DownloadSuccess     DownloadStatus = "SUCCESS"
	DownloadFailed      DownloadStatus = "FAILED"
)

// OperationKind names a lifecycle operation. It is passed to the installer
// so that compensating calls can be told apart from user requests.
type OperationKind string

const (
	OperationInstall   OperationKind = "INSTALL"
	OperationUpgrade   OperationKind = "UPGRADE"
	OperationUninstall OperationKind = "UNINSTALL"
	OperationRollback  OperationKind = "ROLLBACK"
)

// Operation record statuses.
const (
	StatusStarted    = "STARTED"
	StatusSuccess    = "SUCCESS"
	StatusFailed     = "FAILED"
	StatusRolledBack = "ROLLED_BACK"
)

// DependencyDescriptor is a declared need of one artifact on another.
type DependencyDescriptor struct {
	// PluginID identifies the required artifact.
	PluginID string `json:"plugin_id" yaml:"pluginId" validate:"required"`

	// VersionConstraint is an exact version, a range, or empty for any.
	VersionConstraint string `json:"version_constraint,omitempty" yaml:"version,omitempty"`

	// Optional dependencies that fail to resolve are omitted with a warning.
	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// DependencyNode is a resolved vertex of the dependency graph. Edges are
// stored as node keys so the graph lives in a flat arena.
type DependencyNode struct {
	PluginID        string `json:"plugin_id"`
	ResolvedVersion string `json:"resolved_version"`
	Type            string `json:"type,omitempty"`

	// Dependencies are the descriptors declared by the artifact's metadata.
	Dependencies []DependencyDescriptor `json:"dependencies,omitempty"`

	// DirectDependencies holds the keys of resolved dependency nodes.
	DirectDependencies []string `json:"direct_dependencies,omitempty"`

	// Constraints maps a dependency key to the constraint this node declared for it.
	Constraints map[string]string `json:"constraints,omitempty"`

	DownloadStatus DownloadStatus `json:"download_status"`
	DownloadURL    string         `json:"download_url,omitempty"`
	Checksum       string         `json:"checksum,omitempty"`
}

// NodeKey returns the arena key of a resolved node.
func NodeKey(pluginID, version string) string {
	return pluginID + "@" + version
}

// Key returns the node's arena key.
func (n *DependencyNode) Key() string {
	return NodeKey(n.PluginID, n.ResolvedVersion)
}

// DependencyChain is the output of one resolution.
type DependencyChain struct {
	RootID      string                     `json:"root_id"`
	RootVersion string                     `json:"root_version"`
	RootKey     string                     `json:"root_key"`
	AllNodes    map[string]*DependencyNode `json:"all_nodes"`

	// InstallOrder lists every key in AllNodes, dependencies first.
	InstallOrder []string `json:"install_order"`
}

// DependencyIDs returns the plugin IDs of node's direct dependencies.
func (c *DependencyChain) DependencyIDs(node *DependencyNode) []string {
	ids := make([]string, 0, len(node.DirectDependencies))
	for _, key := range node.DirectDependencies {
		if dep, ok := c.AllNodes[key]; ok {
			ids = append(ids, dep.PluginID)
		}
	}
	return ids
}

// Root returns the node for the requested artifact.
func (c *DependencyChain) Root() *DependencyNode {
	return c.AllNodes[c.RootKey]
}

// Dependencies returns the nodes to install before the root, in install order.
func (c *DependencyChain) Dependencies() []*DependencyNode {
	nodes := make([]*DependencyNode, 0, len(c.InstallOrder))
	for _, key := range c.InstallOrder {
		if key == c.RootKey {
			continue
		}
		nodes = append(nodes, c.AllNodes[key])
	}
	return nodes
}

// IncomingConstraints returns every constraint declared on key by the
// nodes that depend on it, sorted for stable output.
func (c *DependencyChain) IncomingConstraints(key string) []string {
	var constraints []string
	for _, node := range c.AllNodes {
		if constraint, ok := node.Constraints[key]; ok {
			constraints = append(constraints, constraint)
		}
	}
	sort.Strings(constraints)
	return constraints
}

// Dependents returns the keys of nodes that depend directly on key.
func (c *DependencyChain) Dependents(key string) []string {
	var dependents []string
	for nodeKey, node := range c.AllNodes {
		for _, dep := range node.DirectDependencies {
			if dep == key {
				dependents = append(dependents, nodeKey)
				break
			}
		}
	}
	sort.Strings(dependents)
	return dependents
}

// PackageMetadata is what a metadata provider knows about one artifact version.
type PackageMetadata struct {
	PluginID     string                 `json:"plugin_id"`
	Version      string                 `json:"version"`
	Type         string                 `json:"type,omitempty"`
	Description  string                 `json:"description,omitempty"`
	DownloadURL  string                 `json:"download_url"`
	Checksum     string                 `json:"checksum,omitempty"`
	Dependencies []DependencyDescriptor `json:"dependencies,omitempty"`
}

// ArtifactRef identifies an artifact to fetch.
type ArtifactRef struct {
	PluginID string
	Version  string
	URL      string
	Checksum string
}

// InstalledArtifact is the persisted record of an installed artifact.
type InstalledArtifact struct {
	PluginID    string    `json:"plugin_id"`
	Version     string    `json:"version"`
	Type        string    `json:"type,omitempty"`
	NodeID      string    `json:"node_id,omitempty"`
	WorkDir     string    `json:"work_dir,omitempty"`
	InstalledAt time.Time `json:"installed_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// InstallRequest asks the installer to deploy an already-downloaded artifact.
type InstallRequest struct {
	PluginID     string
	Version      string
	ArtifactPath string
	Operation    OperationKind
	Operator     string

	// Constraint is the version constraint the caller asked for; empty
	// when the latest version was requested.
	Constraint string

	// FromVersion is the currently installed version on upgrade and rollback.
	FromVersion string

	// NodeID selects the execution target; empty means local.
	NodeID string

	// Config is user-supplied install configuration.
	Config map[string]string

	// Dependencies lists the plugin IDs the artifact resolved against.
	Dependencies []string

	Sink ProgressSink
}

// InstallOutcome is returned by a successful install or upgrade.
type InstallOutcome struct {
	PluginID string
	Version  string
	Type     string
}

// UninstallRequest asks the installer to remove an artifact.
type UninstallRequest struct {
	PluginID  string
	Operation OperationKind
	Operator  string

	// Force skips the reverse-dependency check.
	Force bool

	// RemoveVolumes also removes persistent data where the workflow supports it.
	RemoveVolumes bool

	Sink ProgressSink
}

// OperationRecord is one entry of the operation log.
type OperationRecord struct {
	OperationID string
	PluginID    string
	Version     string
	Operation   OperationKind
	Status      string
	Message     string
	Operator    string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// UpgradeRecord is one entry of the upgrade log.
type UpgradeRecord struct {
	PluginID    string
	FromVersion string
	ToVersion   string
	Status      string
	Message     string
	Operator    string
	CreatedAt   time.Time
}

// NodeType identifies an execution backend.
type NodeType string

const (
	NodeTypeLocal     NodeType = "local"
	NodeTypeSSH       NodeType = "ssh"
	NodeTypeDockerAPI NodeType = "docker-api"
)

// NodeDescriptor describes an execution target.
type NodeDescriptor struct {
	ID   string   `json:"id" yaml:"id" validate:"required"`
	Name string   `json:"name,omitempty" yaml:"name,omitempty"`
	Type NodeType `json:"type" yaml:"type" validate:"required,oneof=local ssh docker-api"`

	// SSH connection parameters.
	Host       string `json:"host,omitempty" yaml:"host,omitempty"`
	Port       int    `json:"port,omitempty" yaml:"port,omitempty"`
	User       string `json:"user,omitempty" yaml:"user,omitempty"`
	AuthType   string `json:"auth_type,omitempty" yaml:"authType,omitempty" validate:"omitempty,oneof=password key"`
	Password   string `json:"-" yaml:"password,omitempty"`
	PrivateKey string `json:"-" yaml:"privateKey,omitempty"`
	Passphrase string `json:"-" yaml:"passphrase,omitempty"`

	// Container API parameters.
	DockerHost string `json:"docker_host,omitempty" yaml:"dockerHost,omitempty"`
	CertPath   string `json:"cert_path,omitempty" yaml:"certPath,omitempty"`
	TLSVerify  bool   `json:"tls_verify,omitempty" yaml:"tlsVerify,omitempty"`
}

// OperationResult summarises a completed top-level operation.
type OperationResult struct {
	OperationID string
	PluginID    string
	Version     string
	FromVersion string
	Chain       *DependencyChain
	ChangeSet   *ChangeSet
	Duration    time.Duration
}
