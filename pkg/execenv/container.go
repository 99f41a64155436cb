package execenv

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// availabilityTimeout bounds the "docker info" check behind IsAvailable.
const availabilityTimeout = 10 * time.Second

// ContainerAPI runs the local docker CLI against a remote engine by
// pointing DOCKER_HOST and the TLS variables at it. It cannot move files;
// remote placement must go through SSH or a mounted volume.
type ContainerAPI struct {
	node     *NodeDescriptor
	logger   zerolog.Logger
	observer CommandObserver
}

// NewContainerAPI creates an environment for a docker-api node.
func NewContainerAPI(node *NodeDescriptor, logger zerolog.Logger) *ContainerAPI {
	return &ContainerAPI{
		node: node,
		logger: logger.With().
			Str("component", "execenv-docker-api").
			Str("docker_host", node.DockerHost).
			Logger(),
	}
}

// ExecuteCommand runs argv locally with the remote engine's variables set.
func (c *ContainerAPI) ExecuteCommand(ctx context.Context, argv []string, env map[string]string, timeout time.Duration) *Result {
	res := runProcess(ctx, argv, layerEnv(env, c.engineEnv()), timeout)
	logResult(c.logger, argv, res)
	if c.observer != nil {
		c.observer.ObserveCommand(TypeDockerAPI, res.ExitCode, res.Duration)
	}
	return res
}

func (c *ContainerAPI) engineEnv() map[string]string {
	env := make(map[string]string)
	if c.node.DockerHost == "" {
		return env
	}
	// Empty values mask the caller's own engine settings; the docker CLI
	// treats an empty variable as unset and any other value as enabled.
	env["DOCKER_HOST"] = c.node.DockerHost
	env["DOCKER_CERT_PATH"] = c.node.CertPath
	env["DOCKER_TLS_VERIFY"] = ""
	if c.node.TLSVerify {
		env["DOCKER_TLS_VERIFY"] = "1"
	}
	return env
}

func (c *ContainerAPI) UploadFile(ctx context.Context, localPath, remotePath string) error {
	return ErrUnsupportedOperation
}

func (c *ContainerAPI) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	return ErrUnsupportedOperation
}

// IsAvailable runs "docker info" against the engine.
func (c *ContainerAPI) IsAvailable(ctx context.Context) bool {
	res := c.ExecuteCommand(ctx, []string{"docker", "info"}, nil, availabilityTimeout)
	if !res.Success() {
		c.logger.Warn().Int("exit_code", res.ExitCode).Msg("container engine unreachable")
		return false
	}
	return true
}

func (c *ContainerAPI) Type() Type { return TypeDockerAPI }

// Identifier returns the docker host, or docker-api://unknown.
func (c *ContainerAPI) Identifier() string {
	if c.node.DockerHost != "" {
		return c.node.DockerHost
	}
	return "docker-api://unknown"
}

func (c *ContainerAPI) Close() error { return nil }
