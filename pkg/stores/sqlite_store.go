package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/openfroyo/stevedore/pkg/artifacts"
	"github.com/openfroyo/stevedore/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// memoryPath opens a private in-memory database.
const memoryPath = ":memory:"

// SQLiteStore keeps installed state, history and nodes in one SQLite file.
type SQLiteStore struct {
	db    *sql.DB
	codec engine.SensitiveConfigCodec
}

var _ Store = (*SQLiteStore)(nil)

// Config opens a store. Zero pool settings fall back to defaults suited to
// a single CLI process.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Codec encrypts node credentials. Without one they are stored as is.
	Codec engine.SensitiveConfigCodec
}

// dsn enables foreign keys on every pooled connection. File databases also
// get WAL and a busy timeout so a concurrent `history` does not fail while
// an install writes.
func (c Config) dsn() string {
	if c.Path == memoryPath {
		return "file::memory:?_pragma=foreign_keys(1)"
	}
	return "file:" + c.Path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
}

func (c Config) pool(db *sql.DB) {
	open, idle, life := c.MaxOpenConns, c.MaxIdleConns, c.ConnMaxLifetime
	if open == 0 {
		open = 4
	}
	if idle == 0 {
		idle = 2
	}
	if life == 0 {
		life = 10 * time.Minute
	}
	// each connection to :memory: would see its own empty database
	if c.Path == memoryPath {
		open, idle, life = 1, 1, 0
	}
	db.SetMaxOpenConns(open)
	db.SetMaxIdleConns(idle)
	db.SetConnMaxLifetime(life)
}

// Open connects to the database at cfg.Path and brings its schema up to
// date.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	db, err := sql.Open("sqlite", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}
	cfg.pool(db)

	s := &SQLiteStore{db: db, codec: cfg.Codec}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate applies pending schema migrations. It is a no-op on an up to date
// database.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	target, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("migration target: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", target)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// inTx runs fn in a transaction and commits when it returns nil.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// SaveInstallation upserts an installed artifact and replaces the
// services it provides, in one transaction.
func (s *SQLiteStore) SaveInstallation(ctx context.Context, art engine.InstalledArtifact, services []ServiceRecord) error {
	now := time.Now().UTC()
	if art.InstalledAt.IsZero() {
		art.InstalledAt = now
	}
	if art.UpdatedAt.IsZero() {
		art.UpdatedAt = now
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		// installed_at survives upgrades.
		_, err := tx.ExecContext(ctx, `
			INSERT INTO installed_artifacts (plugin_id, version, type, node_id, work_dir, installed_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(plugin_id) DO UPDATE SET
				version = excluded.version,
				type = excluded.type,
				node_id = excluded.node_id,
				work_dir = excluded.work_dir,
				updated_at = excluded.updated_at
		`, art.PluginID, art.Version, art.Type, art.NodeID, art.WorkDir, art.InstalledAt, art.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to save installed artifact: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM services WHERE installed_by = ?`, art.PluginID); err != nil {
			return fmt.Errorf("failed to clear services: %w", err)
		}

		for _, svc := range services {
			if svc.ID == "" {
				svc.ID = uuid.New().String()
			}
			if svc.CreatedAt.IsZero() {
				svc.CreatedAt = now
			}
			cfg, err := json.Marshal(svc.Config)
			if err != nil {
				return fmt.Errorf("failed to encode service config: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO services (id, installed_by, service_id, service_name, service_type, host, port, health_url, config, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, svc.ID, art.PluginID, svc.ServiceID, svc.ServiceName, svc.ServiceType,
				svc.Host, svc.Port, svc.HealthURL, string(cfg), svc.CreatedAt)
			if err != nil {
				return fmt.Errorf("failed to save service %s: %w", svc.ServiceID, err)
			}
		}
		return nil
	})
}

// GetInstalled retrieves the installed record of pluginID.
func (s *SQLiteStore) GetInstalled(ctx context.Context, pluginID string) (*engine.InstalledArtifact, error) {
	query := `
		SELECT plugin_id, version, type, node_id, work_dir, installed_at, updated_at
		FROM installed_artifacts
		WHERE plugin_id = ?
	`

	art := &engine.InstalledArtifact{}
	err := s.db.QueryRowContext(ctx, query, pluginID).Scan(
		&art.PluginID,
		&art.Version,
		&art.Type,
		&art.NodeID,
		&art.WorkDir,
		&art.InstalledAt,
		&art.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("installed artifact %s: %w", pluginID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get installed artifact: %w", err)
	}

	return art, nil
}

// InstalledVersion implements engine.InstalledState.
func (s *SQLiteStore) InstalledVersion(ctx context.Context, pluginID string) (string, bool, error) {
	art, err := s.GetInstalled(ctx, pluginID)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return art.Version, true, nil
}

// ListInstalled implements engine.InstalledState.
func (s *SQLiteStore) ListInstalled(ctx context.Context) ([]engine.InstalledArtifact, error) {
	query := `
		SELECT plugin_id, version, type, node_id, work_dir, installed_at, updated_at
		FROM installed_artifacts
		ORDER BY plugin_id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list installed artifacts: %w", err)
	}
	defer rows.Close()

	out := []engine.InstalledArtifact{}
	for rows.Next() {
		var art engine.InstalledArtifact
		err := rows.Scan(
			&art.PluginID,
			&art.Version,
			&art.Type,
			&art.NodeID,
			&art.WorkDir,
			&art.InstalledAt,
			&art.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installed artifact: %w", err)
		}
		out = append(out, art)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating installed artifacts: %w", err)
	}

	return out, nil
}

// DeleteInstalled removes pluginID and, by cascade, its services.
func (s *SQLiteStore) DeleteInstalled(ctx context.Context, pluginID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM installed_artifacts WHERE plugin_id = ?`, pluginID)
	if err != nil {
		return fmt.Errorf("failed to delete installed artifact: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("installed artifact %s: %w", pluginID, ErrNotFound)
	}

	return nil
}

// ListServices lists the services provided by installedBy.
func (s *SQLiteStore) ListServices(ctx context.Context, installedBy string) ([]ServiceRecord, error) {
	query := `
		SELECT id, installed_by, service_id, service_name, service_type, host, port, health_url, config, created_at
		FROM services
		WHERE installed_by = ?
		ORDER BY service_id
	`

	rows, err := s.db.QueryContext(ctx, query, installedBy)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	defer rows.Close()

	out := []ServiceRecord{}
	for rows.Next() {
		var svc ServiceRecord
		var cfg string
		err := rows.Scan(
			&svc.ID,
			&svc.InstalledBy,
			&svc.ServiceID,
			&svc.ServiceName,
			&svc.ServiceType,
			&svc.Host,
			&svc.Port,
			&svc.HealthURL,
			&cfg,
			&svc.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan service: %w", err)
		}
		if cfg != "" {
			if err := json.Unmarshal([]byte(cfg), &svc.Config); err != nil {
				return nil, fmt.Errorf("failed to decode config of service %s: %w", svc.ServiceID, err)
			}
		}
		out = append(out, svc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating services: %w", err)
	}

	return out, nil
}

// RecordOperation implements engine.OperationRecorder.
func (s *SQLiteStore) RecordOperation(ctx context.Context, rec engine.OperationRecord) error {
	query := `
		INSERT INTO operation_logs (operation_id, plugin_id, version, operation, status, message, operator, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.OperationID,
		rec.PluginID,
		rec.Version,
		string(rec.Operation),
		rec.Status,
		rec.Message,
		rec.Operator,
		rec.StartedAt,
		rec.FinishedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to record operation: %w", err)
	}

	return nil
}

// RecordUpgrade implements engine.OperationRecorder.
func (s *SQLiteStore) RecordUpgrade(ctx context.Context, rec engine.UpgradeRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO upgrade_logs (plugin_id, from_version, to_version, status, message, operator, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.PluginID,
		rec.FromVersion,
		rec.ToVersion,
		rec.Status,
		rec.Message,
		rec.Operator,
		rec.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to record upgrade: %w", err)
	}

	return nil
}

func (f HistoryFilter) limit() int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}

// ListOperations lists operation records, newest first.
func (s *SQLiteStore) ListOperations(ctx context.Context, filter HistoryFilter) ([]*OperationLog, error) {
	query := `
		SELECT id, operation_id, plugin_id, version, operation, status, message, operator, started_at, finished_at
		FROM operation_logs
		WHERE (? = '' OR plugin_id = ?)
		ORDER BY started_at DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, filter.PluginID, filter.PluginID, filter.limit(), filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	logs := []*OperationLog{}
	for rows.Next() {
		l := &OperationLog{}
		var op string
		err := rows.Scan(
			&l.ID,
			&l.OperationID,
			&l.PluginID,
			&l.Version,
			&op,
			&l.Status,
			&l.Message,
			&l.Operator,
			&l.StartedAt,
			&l.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		l.Operation = engine.OperationKind(op)
		logs = append(logs, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}

	return logs, nil
}

// ListUpgrades lists upgrade records, newest first.
func (s *SQLiteStore) ListUpgrades(ctx context.Context, filter HistoryFilter) ([]*UpgradeLog, error) {
	query := `
		SELECT id, plugin_id, from_version, to_version, status, message, operator, created_at
		FROM upgrade_logs
		WHERE (? = '' OR plugin_id = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, filter.PluginID, filter.PluginID, filter.limit(), filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list upgrades: %w", err)
	}
	defer rows.Close()

	logs := []*UpgradeLog{}
	for rows.Next() {
		l := &UpgradeLog{}
		err := rows.Scan(
			&l.ID,
			&l.PluginID,
			&l.FromVersion,
			&l.ToVersion,
			&l.Status,
			&l.Message,
			&l.Operator,
			&l.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan upgrade: %w", err)
		}
		logs = append(logs, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating upgrades: %w", err)
	}

	return logs, nil
}

// PutCachedArtifact implements artifacts.Index.
func (s *SQLiteStore) PutCachedArtifact(ctx context.Context, entry artifacts.CachedArtifact) error {
	query := `
		INSERT INTO artifact_cache (plugin_id, version, path, checksum, cached_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(plugin_id, version) DO UPDATE SET
			path = excluded.path,
			checksum = excluded.checksum,
			cached_at = excluded.cached_at
	`

	_, err := s.db.ExecContext(ctx, query, entry.PluginID, entry.Version, entry.Path, entry.Checksum, entry.CachedAt)
	if err != nil {
		return fmt.Errorf("failed to index cached artifact: %w", err)
	}
	return nil
}

// GetCachedArtifact implements artifacts.Index.
func (s *SQLiteStore) GetCachedArtifact(ctx context.Context, pluginID, version string) (*artifacts.CachedArtifact, bool, error) {
	query := `
		SELECT plugin_id, version, path, checksum, cached_at
		FROM artifact_cache
		WHERE plugin_id = ? AND version = ?
	`

	entry := &artifacts.CachedArtifact{}
	err := s.db.QueryRowContext(ctx, query, pluginID, version).Scan(
		&entry.PluginID,
		&entry.Version,
		&entry.Path,
		&entry.Checksum,
		&entry.CachedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cached artifact: %w", err)
	}
	return entry, true, nil
}

// DeleteCachedArtifact implements artifacts.Index.
func (s *SQLiteStore) DeleteCachedArtifact(ctx context.Context, pluginID, version string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM artifact_cache WHERE plugin_id = ? AND version = ?`, pluginID, version)
	if err != nil {
		return fmt.Errorf("failed to delete cached artifact: %w", err)
	}
	return nil
}

// nodeSecret is the credential blob of a node, stored encrypted.
type nodeSecret struct {
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

func (s *SQLiteStore) sealNode(node engine.NodeDescriptor) (string, error) {
	sec := nodeSecret{Password: node.Password, PrivateKey: node.PrivateKey, Passphrase: node.Passphrase}
	if sec == (nodeSecret{}) {
		return "", nil
	}
	data, err := json.Marshal(sec)
	if err != nil {
		return "", err
	}
	if s.codec == nil {
		return string(data), nil
	}
	return s.codec.Encrypt(string(data))
}

func (s *SQLiteStore) openNode(node *engine.NodeDescriptor, sealed string) error {
	if sealed == "" {
		return nil
	}
	plain := sealed
	if s.codec != nil {
		var err error
		if plain, err = s.codec.Decrypt(sealed); err != nil {
			return fmt.Errorf("failed to decrypt credentials of node %s: %w", node.ID, err)
		}
	}
	var sec nodeSecret
	if err := json.Unmarshal([]byte(plain), &sec); err != nil {
		return fmt.Errorf("failed to decode credentials of node %s: %w", node.ID, err)
	}
	node.Password = sec.Password
	node.PrivateKey = sec.PrivateKey
	node.Passphrase = sec.Passphrase
	return nil
}

// SaveNode inserts or replaces a node.
func (s *SQLiteStore) SaveNode(ctx context.Context, node engine.NodeDescriptor) error {
	secret, err := s.sealNode(node)
	if err != nil {
		return fmt.Errorf("failed to seal node credentials: %w", err)
	}

	query := `
		INSERT INTO nodes (id, name, type, host, port, username, auth_type, secret, docker_host, cert_path, tls_verify, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			host = excluded.host,
			port = excluded.port,
			username = excluded.username,
			auth_type = excluded.auth_type,
			secret = excluded.secret,
			docker_host = excluded.docker_host,
			cert_path = excluded.cert_path,
			tls_verify = excluded.tls_verify
	`

	_, err = s.db.ExecContext(ctx, query,
		node.ID,
		node.Name,
		string(node.Type),
		node.Host,
		node.Port,
		node.User,
		node.AuthType,
		secret,
		node.DockerHost,
		node.CertPath,
		node.TLSVerify,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save node: %w", err)
	}
	return nil
}

const nodeColumns = `id, name, type, host, port, username, auth_type, secret, docker_host, cert_path, tls_verify`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanNode(row rowScanner) (*engine.NodeDescriptor, error) {
	node := &engine.NodeDescriptor{}
	var typ, secret string
	err := row.Scan(
		&node.ID,
		&node.Name,
		&typ,
		&node.Host,
		&node.Port,
		&node.User,
		&node.AuthType,
		&secret,
		&node.DockerHost,
		&node.CertPath,
		&node.TLSVerify,
	)
	if err != nil {
		return nil, err
	}
	node.Type = engine.NodeType(typ)
	if err := s.openNode(node, secret); err != nil {
		return nil, err
	}
	return node, nil
}

// GetNode implements engine.NodeDirectory.
func (s *SQLiteStore) GetNode(ctx context.Context, nodeID string) (*engine.NodeDescriptor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, nodeID)
	node, err := s.scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %s: %w", nodeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return node, nil
}

// ListNodes lists every node sorted by ID.
func (s *SQLiteStore) ListNodes(ctx context.Context) ([]engine.NodeDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	out := []engine.NodeDescriptor{}
	for rows.Next() {
		node, err := s.scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		out = append(out, *node)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}

	return out, nil
}

// DeleteNode removes a node.
func (s *SQLiteStore) DeleteNode(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}

	return nil
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
