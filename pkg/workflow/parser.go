package workflow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ManifestCandidates are the manifest file names looked up in an
// artifact, in priority order. The first one present wins.
var ManifestCandidates = []string{
	"install-workflow.yml",
	"install-workflow.yaml",
	"workflow.yml",
	"workflow.yaml",
}

// ErrManifestNotFound is returned when none of ManifestCandidates exists.
var ErrManifestNotFound = errors.New("workflow manifest not found")

type rawDefinition struct {
	Name        string    `yaml:"name" validate:"required"`
	Version     string    `yaml:"version"`
	Description string    `yaml:"description"`
	ConfigClass string    `yaml:"configClass"`
	Steps       []rawStep `yaml:"steps" validate:"required,min=1,dive"`
	Uninstall   struct {
		Steps []rawStep `yaml:"steps" validate:"dive"`
	} `yaml:"uninstall"`
}

type rawStep struct {
	ID      string         `yaml:"id" validate:"required"`
	Type    string         `yaml:"type" validate:"required"`
	Name    string         `yaml:"name"`
	Config  map[string]any `yaml:"config"`
	OnError string         `yaml:"on-error"`
}

// Parser loads workflow manifests.
type Parser struct {
	validate *validator.Validate
	schemas  *SchemaRegistry
	logger   zerolog.Logger
}

// NewParser creates a parser. Step configs of built-in types are checked
// against their CUE schemas.
func NewParser(logger zerolog.Logger) *Parser {
	return &Parser{
		validate: validator.New(),
		schemas:  NewSchemaRegistry(),
		logger:   logger.With().Str("component", "workflow-parser").Logger(),
	}
}

// Schemas returns the schema registry used for step configs.
func (p *Parser) Schemas() *SchemaRegistry {
	return p.schemas
}

// Parse decodes and validates a manifest.
func (p *Parser) Parse(data []byte) (*Definition, error) {
	var raw rawDefinition
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse workflow manifest: %w", err)
	}

	if err := p.validate.Struct(&raw); err != nil {
		return nil, fmt.Errorf("invalid workflow manifest: %w", err)
	}

	def := &Definition{
		Name:        raw.Name,
		Version:     raw.Version,
		Description: raw.Description,
		ConfigClass: raw.ConfigClass,
	}

	var err error
	if def.Steps, err = p.convertSteps(raw.Steps, "steps"); err != nil {
		return nil, err
	}
	if def.UninstallSteps, err = p.convertSteps(raw.Uninstall.Steps, "uninstall.steps"); err != nil {
		return nil, err
	}
	return def, nil
}

func (p *Parser) convertSteps(raw []rawStep, section string) ([]Step, error) {
	steps := make([]Step, 0, len(raw))
	seen := make(map[string]bool, len(raw))

	for _, rs := range raw {
		if seen[rs.ID] {
			return nil, fmt.Errorf("invalid workflow manifest: duplicate step id %q in %s", rs.ID, section)
		}
		seen[rs.ID] = true

		onError, ok := ParseOnError(rs.OnError)
		if !ok {
			p.logger.Warn().
				Str("step", rs.ID).
				Str("on_error", rs.OnError).
				Msg("unrecognised on-error policy, using STOP")
		}

		step := Step{
			ID:      rs.ID,
			Type:    rs.Type,
			Name:    rs.Name,
			Config:  rs.Config,
			OnError: onError,
		}
		if step.Config == nil {
			step.Config = map[string]any{}
		}

		if err := p.schemas.ValidateStep(step); err != nil {
			return nil, fmt.Errorf("invalid workflow manifest: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// ParseFile parses the manifest at path.
func (p *Parser) ParseFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow manifest: %w", err)
	}
	def, err := p.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return def, nil
}

// FindInDir returns the path of the first manifest candidate in dir.
func FindInDir(dir string) (string, error) {
	for _, name := range ManifestCandidates {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w in %s (tried %s)", ErrManifestNotFound, dir, strings.Join(ManifestCandidates, ", "))
}

// LoadDir parses the first manifest candidate found in dir.
func (p *Parser) LoadDir(dir string) (*Definition, error) {
	path, err := FindInDir(dir)
	if err != nil {
		return nil, err
	}
	return p.ParseFile(path)
}

// LoadArtifact parses the first manifest candidate packaged in a.
func (p *Parser) LoadArtifact(a ArtifactReader) (*Definition, error) {
	for _, name := range ManifestCandidates {
		if !a.Exists(name) {
			continue
		}
		data, err := a.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		def, err := p.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		p.logger.Debug().Str("manifest", name).Str("workflow", def.Name).Msg("loaded workflow manifest")
		return def, nil
	}
	return nil, fmt.Errorf("%w in artifact (tried %s)", ErrManifestNotFound, strings.Join(ManifestCandidates, ", "))
}
