package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"mitavoice/internal/common/fsutil"
)

// Config holds runtime parameters for the orchestrator.
type Config struct {
	Paths   PathsConfig   `mapstructure:"paths"`
	Voice   VoiceConfig   `mapstructure:"voice"`
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Install InstallConfig `mapstructure:"install"`
	F5      F5Config      `mapstructure:"f5"`
	Catalog CatalogConfig `mapstructure:"catalog"`
}

// PathsConfig locates the interpreter and the on-disk layout. Empty
// directories are derived from Root by Resolve.
type PathsConfig struct {
	Root           string `mapstructure:"root"`
	Python         string `mapstructure:"python"`
	LibDir         string `mapstructure:"lib_dir"`
	ModelsDir      string `mapstructure:"models_dir"`
	SettingsDir    string `mapstructure:"settings_dir"`
	TempDir        string `mapstructure:"temp_dir"`
	CheckpointsDir string `mapstructure:"checkpoints_dir"`
}

type VoiceConfig struct {
	Language  string `mapstructure:"language"`
	Character string `mapstructure:"character"`
	Model     string `mapstructure:"model"`
	// Pitch overrides the RVC pitch of the default character when set.
	Pitch *int `mapstructure:"pitch"`
	// Player is the local playback command; the WAV path is appended.
	Player string `mapstructure:"player"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	PushInterval time.Duration `mapstructure:"push_interval"`
	CORS         bool          `mapstructure:"cors"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type InstallConfig struct {
	PipIndexURL   string `mapstructure:"pip_index_url"`
	TorchIndexURL string `mapstructure:"torch_index_url"`
}

type F5Config struct {
	ModelURL string `mapstructure:"model_url"`
	VocabURL string `mapstructure:"vocab_url"`
}

type CatalogConfig struct {
	// Override is an optional yaml/json/toml file replacing the built-in catalog.
	Override string `mapstructure:"override"`
}

// LoadOptions control where Load reads values from. Precedence is
// flags > environment (MITAVOICE_*) > config file > Defaults.
type LoadOptions struct {
	Flags      *pflag.FlagSet
	ConfigFile string
	Defaults   Config
}

func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			Root:   ".",
			Python: defaultPython(),
		},
		Voice: VoiceConfig{
			Language:  "ru",
			Character: "Mila",
		},
		Server: ServerConfig{
			Addr:         "127.0.0.1:7861",
			PushInterval: 250 * time.Millisecond,
		},
		Log: LogConfig{Level: "info", Pretty: true},
		Install: InstallConfig{
			TorchIndexURL: "https://download.pytorch.org/whl/cu124",
		},
		F5: F5Config{
			ModelURL: "https://huggingface.co/SWivid/F5-TTS/resolve/main/F5TTS_v1_Base/model_1250000.safetensors",
			VocabURL: "https://huggingface.co/SWivid/F5-TTS/resolve/main/F5TTS_v1_Base/vocab.txt",
		},
	}
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"root":          "paths.root",
	"python":        "paths.python",
	"lib-dir":       "paths.lib_dir",
	"models-dir":    "paths.models_dir",
	"language":      "voice.language",
	"character":     "voice.character",
	"model":         "voice.model",
	"player":        "voice.player",
	"addr":          "server.addr",
	"log-level":     "log.level",
	"pip-index-url": "install.pip_index_url",
	"catalog":       "catalog.override",
}

// RegisterFlags declares the flags understood by Load on fs.
func RegisterFlags(fs *pflag.FlagSet, d Config) {
	fs.String("root", d.Paths.Root, "Installation root containing Lib, Models, Settings and temp")
	fs.String("python", d.Paths.Python, "Path to the embedded Python interpreter")
	fs.String("lib-dir", d.Paths.LibDir, "Package target directory (default <root>/Lib)")
	fs.String("models-dir", d.Paths.ModelsDir, "Character voice assets directory (default <root>/Models)")
	fs.String("language", d.Voice.Language, "Voice language (ru or en)")
	fs.String("character", d.Voice.Character, "Default character short name")
	fs.String("model", d.Voice.Model, "Voice model id to initialize")
	fs.String("player", d.Voice.Player, "Local playback command, e.g. \"ffplay -nodisp -autoexit\"")
	fs.String("addr", d.Server.Addr, "HTTP listen address")
	fs.String("log-level", d.Log.Level, "Log level: debug, info, warn, error")
	fs.String("pip-index-url", d.Install.PipIndexURL, "Optional pip index URL")
	fs.String("catalog", d.Catalog.Override, "Optional catalog override file (.yaml/.json/.toml)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()
	setDefaults(v, opts.Defaults)

	if opts.Flags != nil {
		for name, key := range flagKeys {
			f := opts.Flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	v.SetEnvPrefix("MITAVOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("mitavoice")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Resolve(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Resolve expands '~', makes Root absolute and derives unset directories.
func (c *Config) Resolve() error {
	root, err := fsutil.ExpandHome(c.Paths.Root)
	if err != nil {
		return err
	}
	if root == "" {
		root = "."
	}
	if root, err = filepath.Abs(root); err != nil {
		return fmt.Errorf("abs root: %w", err)
	}
	c.Paths.Root = root
	if strings.ContainsAny(c.Paths.Python, `/\`) && !filepath.IsAbs(c.Paths.Python) {
		c.Paths.Python = filepath.Join(root, c.Paths.Python)
	}
	derive := func(p *string, name string) error {
		if *p == "" {
			*p = filepath.Join(root, name)
			return nil
		}
		x, err := fsutil.ExpandHome(*p)
		if err != nil {
			return err
		}
		if !filepath.IsAbs(x) {
			x = filepath.Join(root, x)
		}
		*p = x
		return nil
	}
	for _, d := range []struct {
		p    *string
		name string
	}{
		{&c.Paths.LibDir, "Lib"},
		{&c.Paths.ModelsDir, "Models"},
		{&c.Paths.SettingsDir, "Settings"},
		{&c.Paths.TempDir, "temp"},
		{&c.Paths.CheckpointsDir, "checkpoints"},
	} {
		if err := derive(d.p, d.name); err != nil {
			return err
		}
	}
	switch c.Voice.Language {
	case "ru", "en":
	case "":
		c.Voice.Language = "ru"
	default:
		return fmt.Errorf("unsupported voice language %q", c.Voice.Language)
	}
	return nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("paths.root", c.Paths.Root)
	v.SetDefault("paths.python", c.Paths.Python)
	v.SetDefault("paths.lib_dir", c.Paths.LibDir)
	v.SetDefault("paths.models_dir", c.Paths.ModelsDir)
	v.SetDefault("paths.settings_dir", c.Paths.SettingsDir)
	v.SetDefault("paths.temp_dir", c.Paths.TempDir)
	v.SetDefault("paths.checkpoints_dir", c.Paths.CheckpointsDir)
	v.SetDefault("voice.language", c.Voice.Language)
	v.SetDefault("voice.character", c.Voice.Character)
	v.SetDefault("voice.model", c.Voice.Model)
	v.SetDefault("voice.player", c.Voice.Player)
	v.SetDefault("server.addr", c.Server.Addr)
	v.SetDefault("server.push_interval", c.Server.PushInterval)
	v.SetDefault("server.cors", c.Server.CORS)
	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.pretty", c.Log.Pretty)
	v.SetDefault("install.pip_index_url", c.Install.PipIndexURL)
	v.SetDefault("install.torch_index_url", c.Install.TorchIndexURL)
	v.SetDefault("f5.model_url", c.F5.ModelURL)
	v.SetDefault("f5.vocab_url", c.F5.VocabURL)
	v.SetDefault("catalog.override", c.Catalog.Override)
}
