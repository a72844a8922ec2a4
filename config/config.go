package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// Config holds all configuration
type Config struct {
	Variables  []Variable        `hcl:"variable,block"`
	Models     []Model           `hcl:"model,block"`
	Server     ServerConfig      `hcl:"server,block"`
	Storage    StorageConfig     `hcl:"storage,block"`
	Artifacts  ArtifactsConfig   `hcl:"artifacts,block"`
	Browser    BrowserConfig     `hcl:"browser,block"`
	Summarizer *SummarizerConfig `hcl:"summarizer,block"`

	// ResolvedVars holds the resolved variable values for runtime use
	ResolvedVars map[string]cty.Value `hcl:"-"`
}

// Default returns a configuration with every block defaulted and no models,
// used when nexus runs without a config path.
func Default() *Config {
	cfg := &Config{ResolvedVars: map[string]cty.Value{}}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	c.Server.Defaults()
	c.Storage.Defaults()
	c.Artifacts.Defaults()
	c.Browser.Defaults()
	if c.Summarizer != nil {
		c.Summarizer.Defaults()
	}
}

func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if info.IsDir() {
		return LoadDir(path)
	}
	return LoadFile(path)
}

// LoadAndValidate loads the config and validates all components
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all config components are valid
func (c *Config) Validate() error {
	for _, v := range c.Variables {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("variable '%s': %w", v.Name, err)
		}
	}

	names := make(map[string]bool)
	for _, m := range c.Models {
		if names[m.Name] {
			return fmt.Errorf("model '%s': defined more than once", m.Name)
		}
		names[m.Name] = true
		if err := m.Validate(); err != nil {
			return fmt.Errorf("model '%s': %w", m.Name, err)
		}
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if c.Server.DefaultEngine != "" {
		if _, ok := FindEngine(c.Models, c.Server.DefaultEngine); !ok {
			return fmt.Errorf("server: default_engine '%s' is not allowed by any model block", c.Server.DefaultEngine)
		}
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if err := c.Artifacts.Validate(); err != nil {
		return fmt.Errorf("artifacts: %w", err)
	}
	if err := c.Browser.Validate(); err != nil {
		return fmt.Errorf("browser: %w", err)
	}
	if c.Summarizer != nil {
		if err := c.Summarizer.Validate(c.Models); err != nil {
			return fmt.Errorf("summarizer: %w", err)
		}
	}

	return nil
}

// DefaultEngine returns the configured default engine, or the first allowed
// model when none is configured.
func (c *Config) DefaultEngine() (Engine, bool) {
	if c.Server.DefaultEngine != "" {
		return FindEngine(c.Models, c.Server.DefaultEngine)
	}
	all := AllEngines(c.Models)
	if len(all) == 0 {
		return Engine{}, false
	}
	return all[0], true
}

func LoadFile(filename string) (*Config, error) {
	return loadFromFiles([]string{filename})
}

func LoadDir(dir string) (*Config, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.hcl"))
	if err != nil {
		return nil, err
	}
	return loadFromFiles(files)
}

// parsedBlocks holds all blocks extracted from a file in one pass
type parsedBlocks struct {
	Variables  []*hcl.Block
	Models     []*hcl.Block
	Singletons []*hcl.Block
}

// singletonBlocks may appear at most once across all files.
var singletonBlocks = []string{"server", "storage", "artifacts", "browser", "summarizer"}

// loadFromFiles implements staged loading: variables → models → settings blocks → summarizer
func loadFromFiles(files []string) (*Config, error) {
	// Parse all files and extract all block types in a single pass
	parser := hclparse.NewParser()
	var allParsedBlocks []parsedBlocks

	schema := &hcl.BodySchema{
		Blocks: []hcl.BlockHeaderSchema{
			{Type: "variable", LabelNames: []string{"name"}},
			{Type: "model", LabelNames: []string{"name"}},
		},
	}
	for _, name := range singletonBlocks {
		schema.Blocks = append(schema.Blocks, hcl.BlockHeaderSchema{Type: name})
	}

	dirs := []string{"."}
	for _, file := range files {
		dirs = append(dirs, filepath.Dir(file))

		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("[1] parse %s: %w", file, diags)
		}

		content, _, diags := hclFile.Body.PartialContent(schema)
		if diags.HasErrors() {
			return nil, fmt.Errorf("[2] partial content %s: %w", file, diags)
		}

		var pb parsedBlocks
		for _, block := range content.Blocks {
			switch block.Type {
			case "variable":
				pb.Variables = append(pb.Variables, block)
			case "model":
				pb.Models = append(pb.Models, block)
			default:
				pb.Singletons = append(pb.Singletons, block)
			}
		}
		allParsedBlocks = append(allParsedBlocks, pb)
	}

	// Stage 1: Load variables (no context needed)
	var allVars []Variable
	for _, pb := range allParsedBlocks {
		for _, block := range pb.Variables {
			var v Variable
			v.Name = block.Labels[0]
			diags := gohcl.DecodeBody(block.Body, nil, &v)
			if diags.HasErrors() {
				return nil, fmt.Errorf("[3] decode variable %s: %w", v.Name, diags)
			}
			allVars = append(allVars, v)
		}
	}

	// Build vars context
	varsCtx, resolvedVars := buildVarsContext(allVars, loadVarSources(dirs))

	// Stage 2: Load models (with vars context)
	var allModels []Model
	for _, pb := range allParsedBlocks {
		for _, block := range pb.Models {
			var m Model
			m.Name = block.Labels[0]
			diags := gohcl.DecodeBody(block.Body, varsCtx, &m)
			if diags.HasErrors() {
				return nil, diags
			}
			allModels = append(allModels, m)
		}
	}

	// Build models context (add to vars context)
	modelsCtx := buildModelsContext(varsCtx, allModels)

	// Stage 3: Load settings blocks (with vars + models context)
	cfg := &Config{
		Variables:    allVars,
		Models:       allModels,
		ResolvedVars: resolvedVars,
	}
	seen := make(map[string]bool)
	for _, pb := range allParsedBlocks {
		for _, block := range pb.Singletons {
			if seen[block.Type] {
				return nil, fmt.Errorf("%s: block defined more than once", block.Type)
			}
			seen[block.Type] = true
			if err := decodeSingleton(cfg, block, modelsCtx); err != nil {
				return nil, err
			}
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func decodeSingleton(cfg *Config, block *hcl.Block, ctx *hcl.EvalContext) error {
	var target any
	switch block.Type {
	case "server":
		target = &cfg.Server
	case "storage":
		target = &cfg.Storage
	case "artifacts":
		target = &cfg.Artifacts
	case "browser":
		target = &cfg.Browser
	case "summarizer":
		cfg.Summarizer = &SummarizerConfig{}
		target = cfg.Summarizer
	default:
		return fmt.Errorf("unknown block type %s", block.Type)
	}
	if diags := gohcl.DecodeBody(block.Body, ctx, target); diags.HasErrors() {
		return fmt.Errorf("%s: %w", block.Type, diags)
	}
	return nil
}

// buildVarsContext creates context with just vars
func buildVarsContext(vars []Variable, sources varSources) (*hcl.EvalContext, map[string]cty.Value) {
	varsMap := make(map[string]cty.Value)
	for i := range vars {
		varsMap[vars[i].Name] = cty.StringVal(sources.resolve(&vars[i]))
	}

	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"vars": cty.ObjectVal(varsMap),
		},
	}, varsMap
}

// buildModelsContext adds models to existing context
func buildModelsContext(ctx *hcl.EvalContext, models []Model) *hcl.EvalContext {
	modelsMap := make(map[string]cty.Value)
	for _, m := range models {
		providerModels := make(map[string]cty.Value)
		for _, modelKey := range m.AllowedModels {
			providerModels[modelKey] = cty.StringVal(modelKey)
		}
		modelsMap[m.Name] = cty.ObjectVal(providerModels)
	}

	// Copy existing vars and add models
	newVars := make(map[string]cty.Value)
	for k, v := range ctx.Variables {
		newVars[k] = v
	}
	newVars["models"] = cty.ObjectVal(modelsMap)

	return &hcl.EvalContext{
		Variables: newVars,
	}
}
