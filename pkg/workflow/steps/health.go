package steps

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stevedore/pkg/execenv"
	"github.com/openfroyo/stevedore/pkg/workflow"
)

const (
	defaultHealthTimeout  = 10 * time.Second
	defaultHealthRetries  = 3
	defaultHealthInterval = 5 * time.Second

	// maxHealthBody bounds the response body kept in step data.
	maxHealthBody = 1024
)

// Health polls an HTTP endpoint until it answers with a 2xx status. On
// SSH targets the request is made from the remote host with curl, since
// the endpoint is often only reachable there.
type Health struct {
	client *http.Client
	logger zerolog.Logger
}

// NewHealth creates the health-check executor. A nil client gets a
// default one; per-attempt timeouts come from the step config.
func NewHealth(client *http.Client, logger zerolog.Logger) *Health {
	if client == nil {
		client = &http.Client{}
	}
	return &Health{
		client: client,
		logger: logger.With().Str("component", "step-health").Logger(),
	}
}

func (h *Health) Type() string { return workflow.StepTypeHealthCheck }

type healthRequest struct {
	url     string
	method  string
	timeout time.Duration
}

// Execute polls the URL up to retries times.
func (h *Health) Execute(ctx context.Context, step workflow.Step, ictx *workflow.InstallContext) *workflow.StepResult {
	p := healthRequest{
		url:     step.ConfigString("url", ""),
		method:  strings.ToUpper(step.ConfigString("method", http.MethodGet)),
		timeout: step.ConfigSeconds("timeout", defaultHealthTimeout),
	}
	if p.timeout <= 0 {
		p.timeout = defaultHealthTimeout
	}
	if p.url == "" {
		return workflow.Failed("health-check step requires a url")
	}
	retries := step.ConfigInt("retries", defaultHealthRetries)
	if retries < 1 {
		retries = 1
	}
	interval := step.ConfigSeconds("retry-interval", defaultHealthInterval)

	env := ictx.Environment()
	logger := h.logger.With().Str("step", step.ID).Str("url", p.url).Logger()

	var (
		status int
		body   string
		err    error
	)
	for attempt := 1; attempt <= retries; attempt++ {
		ictx.Log(fmt.Sprintf("health check %s (attempt %d/%d)", p.url, attempt, retries))

		if env.Type() == execenv.TypeSSH {
			status, err = h.checkRemote(ctx, env, p)
			body = ""
		} else {
			status, body, err = h.checkHTTP(ctx, p)
		}

		if err == nil && status >= 200 && status < 300 {
			logger.Info().Int("status", status).Int("attempt", attempt).Msg("health check passed")
			return workflow.Succeeded(map[string]any{
				"statusCode":   status,
				"body":         body,
				"retries":      attempt - 1,
				"executionEnv": string(env.Type()),
			})
		}
		logger.Debug().Err(err).Int("status", status).Int("attempt", attempt).Msg("health check attempt failed")

		if attempt == retries {
			break
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return workflow.Failedf("health check interrupted: %v", ctx.Err())
		}
	}

	detail := fmt.Sprintf("last status %d", status)
	if err != nil {
		detail = err.Error()
	}
	return workflow.FailedWithData(map[string]any{
		"statusCode":   status,
		"retries":      retries,
		"executionEnv": string(env.Type()),
	}, fmt.Sprintf("health check failed after %d retries: %s", retries, detail))
}

func (h *Health) checkHTTP(ctx context.Context, p healthRequest) (int, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, p.method, p.url, nil)
	if err != nil {
		return 0, "", fmt.Errorf("invalid health check request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxHealthBody))
	return resp.StatusCode, string(data), nil
}

// checkRemote runs curl on the target and parses the status code it prints.
func (h *Health) checkRemote(ctx context.Context, env execenv.Environment, p healthRequest) (int, error) {
	secs := int(p.timeout / time.Second)
	if secs < 1 {
		secs = 1
	}

	argv := []string{"curl", "-s", "-o", "/dev/null", "-w", "%{http_code}", "--max-time", strconv.Itoa(secs)}
	if p.method != http.MethodGet {
		argv = append(argv, "-X", p.method)
	}
	argv = append(argv, p.url)

	res := env.ExecuteCommand(ctx, argv, nil, p.timeout+5*time.Second)
	code, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return 0, fmt.Errorf("curl on %s exited %d: %s", env.Identifier(), res.ExitCode, strings.TrimSpace(res.Output()))
	}
	return code, nil
}
