package execenv

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stevedore/pkg/engine"
	sshtransport "github.com/openfroyo/stevedore/pkg/transports/ssh"
)

// DefaultTailBytes bounds the output an SSH Result keeps in memory per
// stream. The complete output is in the log files.
const DefaultTailBytes = 64 * 1024

var (
	unsafeHostChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)
	shellSafe       = regexp.MustCompile(`^[a-zA-Z0-9_@%+=:,./-]+$`)
)

// SSHOptions tunes an SSH environment.
type SSHOptions struct {
	// LogDir receives ssh/ssh-<host>-<ts>-{stdout,stderr}.log per command.
	LogDir string

	// TailBytes bounds the in-memory output kept per stream.
	TailBytes int

	// KnownHostsPath defaults to ~/.ssh/known_hosts.
	KnownHostsPath        string
	StrictHostKeyChecking bool
	ConnectTimeout        time.Duration
	KeepAliveInterval     time.Duration

	// Sink receives every output line as it arrives; stderr lines are
	// prefixed with "[stderr] ".
	Sink engine.ProgressSink

	Observer CommandObserver
}

// SSH runs commands on a remote host over one reused connection.
type SSH struct {
	node   *NodeDescriptor
	opts   SSHOptions
	client *sshtransport.Client

	// configErr is set when the node cannot be turned into a client config;
	// every operation then fails the way a refused connection would.
	configErr error

	logger zerolog.Logger
}

// NewSSH creates an SSH environment. The connection is opened lazily on
// first use and re-opened when a health check finds it stale.
func NewSSH(node *NodeDescriptor, opts SSHOptions, logger zerolog.Logger) *SSH {
	if opts.TailBytes <= 0 {
		opts.TailBytes = DefaultTailBytes
	}
	if opts.LogDir == "" {
		opts.LogDir = filepath.Join(os.TempDir(), "stevedore", "logs")
	}
	opts.Sink = engine.SinkOrNop(opts.Sink)

	s := &SSH{node: node, opts: opts}
	s.logger = logger.With().
		Str("component", "execenv-ssh").
		Str("target", s.Identifier()).
		Logger()

	client, err := sshtransport.NewClient(s.transportConfig(), s.logger)
	if err != nil {
		s.configErr = err
	} else {
		s.client = client
	}
	return s
}

func (s *SSH) transportConfig() *sshtransport.Config {
	cfg := sshtransport.DefaultConfig(s.node.Host, s.node.User)
	cfg.Port = s.port()
	if s.opts.KnownHostsPath != "" {
		cfg.KnownHostsPath = s.opts.KnownHostsPath
	}
	cfg.StrictHostKeyChecking = s.opts.StrictHostKeyChecking
	if s.opts.ConnectTimeout > 0 {
		cfg.ConnectTimeout = s.opts.ConnectTimeout
	}
	cfg.KeepAliveInterval = s.opts.KeepAliveInterval

	if strings.EqualFold(s.node.AuthType, string(sshtransport.AuthMethodPassword)) {
		cfg.Auth = sshtransport.AuthMethodPassword
		cfg.Password = s.node.Password
	} else {
		cfg.Auth = sshtransport.AuthMethodKey
		cfg.PrivateKey = []byte(s.node.PrivateKey)
		cfg.Passphrase = s.node.Passphrase
	}
	return cfg
}

func (s *SSH) port() int {
	if s.node.Port > 0 {
		return s.node.Port
	}
	return 22
}

func (s *SSH) connect(ctx context.Context) error {
	if s.configErr != nil {
		return s.configErr
	}
	return s.client.Connect(ctx)
}

// ExecuteCommand runs argv on the remote host. Output is streamed line by
// line to the log files, the sink and a bounded in-memory tail.
func (s *SSH) ExecuteCommand(ctx context.Context, argv []string, env map[string]string, timeout time.Duration) *Result {
	start := time.Now()
	res := s.execute(ctx, argv, env, timeout)
	res.Duration = time.Since(start)

	logResult(s.logger, argv, res)
	if s.opts.Observer != nil {
		s.opts.Observer.ObserveCommand(TypeSSH, res.ExitCode, res.Duration)
	}
	return res
}

func (s *SSH) execute(ctx context.Context, argv []string, env map[string]string, timeout time.Duration) *Result {
	s.opts.Sink.Line("ssh exec: " + strings.Join(argv, " "))

	if err := s.connect(ctx); err != nil {
		s.opts.Sink.Line("ssh connection failed")
		return &Result{ExitCode: 1, Stderr: "ssh connection failed: " + err.Error()}
	}

	logs, err := openCommandLogs(s.opts.LogDir, s.node.Host, time.Now())
	if err != nil {
		return &Result{ExitCode: 1, Stderr: err.Error()}
	}
	defer logs.close(s.logger)

	runCtx, cancel := context.WithTimeout(ctx, effectiveTimeout(timeout))
	defer cancel()

	stdoutTail := newTailBuffer(s.opts.TailBytes)
	stderrTail := newTailBuffer(s.opts.TailBytes)

	run, err := s.client.Stream(runCtx, remoteCommand(argv, env), func(line sshtransport.Line) {
		if line.Stream == sshtransport.Stderr {
			logs.stderr.writeLine(line.Text)
			stderrTail.add(line.Text)
			s.opts.Sink.Line("[stderr] " + line.Text)
			return
		}
		logs.stdout.writeLine(line.Text)
		stdoutTail.add(line.Text)
		s.opts.Sink.Line(line.Text)
	})

	res := &Result{
		Stdout:   stdoutTail.String(),
		Stderr:   stderrTail.String(),
		LogFiles: []string{logs.stdout.path, logs.stderr.path},
	}

	switch {
	case err != nil:
		res.ExitCode = 1
		res.Stderr = appendLine(res.Stderr, "ssh exec failed: "+err.Error())
	case run.TimedOut && ctx.Err() == nil:
		res.ExitCode = ExitTimeout
		res.TimedOut = true
		res.Stderr += "\n<timeout>"
	case run.TimedOut, run.Canceled:
		res.ExitCode = ExitCanceled
		res.Stderr += "\n<cancelled>"
	case run.ExitCode < 0:
		res.ExitCode = 1
		res.Stderr = appendLine(res.Stderr, "remote command reported no exit status")
	default:
		res.ExitCode = run.ExitCode
	}

	if res.ExitCode != 0 {
		s.opts.Sink.Line(fmt.Sprintf("ssh command failed, exit code %d", res.ExitCode))
	}
	return res
}

// UploadFile copies a local file to the remote host over SFTP, keeping
// its permission bits.
func (s *SSH) UploadFile(ctx context.Context, localPath, remotePath string) error {
	if err := s.connect(ctx); err != nil {
		return engine.NewExecutionEnvironmentError(s.Identifier(), "ssh connection failed", err)
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", localPath, err)
	}
	if err := s.client.Upload(ctx, localPath, remotePath, info.Mode().Perm()); err != nil {
		return engine.NewExecutionEnvironmentError(s.Identifier(), "upload failed", err).
			WithDetail("remote_path", remotePath)
	}
	return nil
}

// DownloadFile copies a remote file to the local filesystem over SFTP.
func (s *SSH) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	if err := s.connect(ctx); err != nil {
		return engine.NewExecutionEnvironmentError(s.Identifier(), "ssh connection failed", err)
	}
	if err := s.client.Download(ctx, remotePath, localPath); err != nil {
		return engine.NewExecutionEnvironmentError(s.Identifier(), "download failed", err).
			WithDetail("remote_path", remotePath)
	}
	return nil
}

// IsAvailable connects if needed and runs a health check.
func (s *SSH) IsAvailable(ctx context.Context) bool {
	if err := s.connect(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("ssh target unreachable")
		return false
	}
	return s.client.Ping(ctx) == nil
}

func (s *SSH) Type() Type { return TypeSSH }

// Identifier returns ssh://user@host:port.
func (s *SSH) Identifier() string {
	return fmt.Sprintf("ssh://%s@%s:%d", s.node.User, s.node.Host, s.port())
}

func (s *SSH) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// remoteCommand renders argv for a remote shell, prefixed with
// KEY='value' assignments in key order.
func remoteCommand(argv []string, env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString("='")
		b.WriteString(strings.ReplaceAll(env[k], "'", `'\''`))
		b.WriteString("' ")
	}
	for i, arg := range argv {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(shellQuote(arg))
	}
	return b.String()
}

func shellQuote(arg string) string {
	if shellSafe.MatchString(arg) {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

func appendLine(s, line string) string {
	if s == "" {
		return line
	}
	return s + "\n" + line
}

// commandLogs holds the per-command output files.
type commandLogs struct {
	stdout *logFile
	stderr *logFile
}

type logFile struct {
	path string
	file *os.File
	w    *bufio.Writer
	err  error
}

func openCommandLogs(logDir, host string, at time.Time) (*commandLogs, error) {
	dir := filepath.Join(logDir, "ssh")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create ssh log directory %s: %w", dir, err)
	}

	if host == "" {
		host = "unknown"
	}
	base := "ssh-" + unsafeHostChars.ReplaceAllString(host, "_") + "-" + strconv.FormatInt(at.UnixMilli(), 10)

	stdout, err := createLogFile(filepath.Join(dir, base+"-stdout.log"))
	if err != nil {
		return nil, err
	}
	stderr, err := createLogFile(filepath.Join(dir, base+"-stderr.log"))
	if err != nil {
		stdout.file.Close()
		return nil, err
	}
	return &commandLogs{stdout: stdout, stderr: stderr}, nil
}

func createLogFile(path string) (*logFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file %s: %w", path, err)
	}
	return &logFile{path: path, file: f, w: bufio.NewWriter(f)}, nil
}

// writeLine records a line. After the first write error the file is
// abandoned; output still reaches the sink and the tail.
func (l *logFile) writeLine(line string) {
	if l.err != nil {
		return
	}
	if _, err := l.w.WriteString(line + "\n"); err != nil {
		l.err = err
	}
}

func (c *commandLogs) close(logger zerolog.Logger) {
	for _, l := range []*logFile{c.stdout, c.stderr} {
		if l.err == nil {
			l.err = l.w.Flush()
		}
		if err := l.file.Close(); err != nil && l.err == nil {
			l.err = err
		}
		if l.err != nil {
			logger.Warn().Err(l.err).Str("path", l.path).Msg("failed to write command log")
		}
	}
}

// tailBuffer keeps the most recent lines up to a byte budget.
type tailBuffer struct {
	limit   int
	size    int
	lines   []string
	dropped int
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) add(line string) {
	t.lines = append(t.lines, line)
	t.size += len(line) + 1
	for t.size > t.limit && len(t.lines) > 1 {
		t.size -= len(t.lines[0]) + 1
		t.lines = t.lines[1:]
		t.dropped++
	}
}

func (t *tailBuffer) String() string {
	if len(t.lines) == 0 {
		return ""
	}
	body := strings.Join(t.lines, "\n") + "\n"
	if t.dropped > 0 {
		return fmt.Sprintf("[%d earlier lines omitted, see log file]\n", t.dropped) + body
	}
	return body
}
