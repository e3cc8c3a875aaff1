package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Origins of a resolved setting, reported by `config show`.
const (
	OriginDefault   = "default"
	OriginInherited = "inherited"
	OriginProfile   = "profile-specific"
	OriginGlobal    = "global"
)

type Config struct {
	API       APIConfig       `mapstructure:"api" yaml:"api"`
	Audio     AudioConfig     `mapstructure:"audio" yaml:"audio"`
	Playback  PlaybackConfig  `mapstructure:"playback" yaml:"playback"`
	Capture   CaptureConfig   `mapstructure:"capture" yaml:"capture"`
	Interview InterviewConfig `mapstructure:"interview" yaml:"interview"`
	Output    OutputConfig    `mapstructure:"output" yaml:"output"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`

	// Profile is the name of the resolved profile.
	Profile string `mapstructure:"-" yaml:"-"`
	// Origins maps dotted keys to where their value came from.
	Origins map[string]string `mapstructure:"-" yaml:"-"`
}

type APIConfig struct {
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url"`
	Token          string        `mapstructure:"token" yaml:"token"`
	CallbackURL    string        `mapstructure:"callback_url" yaml:"callback_url"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	Retries        int           `mapstructure:"retries" yaml:"retries"`
	// UploadContentType must match the type the backend signs upload URLs for.
	UploadContentType string `mapstructure:"upload_content_type" yaml:"upload_content_type"`
}

type AudioConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"` // "portaudio", "auto"
}

type PlaybackConfig struct {
	LoadTimeout     time.Duration `mapstructure:"load_timeout" yaml:"load_timeout"`
	SettleDelay     time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	FrameRate       int           `mapstructure:"frame_rate" yaml:"frame_rate"`
	FramesPerBuffer int           `mapstructure:"frames_per_buffer" yaml:"frames_per_buffer"`
}

type CaptureConfig struct {
	Device           string `mapstructure:"device" yaml:"device"`
	SampleRate       int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels         int    `mapstructure:"channels" yaml:"channels"`
	Bitrate          int    `mapstructure:"bitrate" yaml:"bitrate"`
	EchoCancellation bool   `mapstructure:"echo_cancellation" yaml:"echo_cancellation"`
	NoiseSuppression bool   `mapstructure:"noise_suppression" yaml:"noise_suppression"`
	AutoGainControl  bool   `mapstructure:"auto_gain_control" yaml:"auto_gain_control"`
}

type InterviewConfig struct {
	MaxRetries    int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	AnswerTimeout time.Duration `mapstructure:"answer_timeout" yaml:"answer_timeout"`
}

type OutputConfig struct {
	Directory   string `mapstructure:"directory" yaml:"directory"`
	KeepAnswers bool   `mapstructure:"keep_answers" yaml:"keep_answers"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

type ServerConfig struct {
	Port int `mapstructure:"port" yaml:"port"`
}

var defaults = map[string]any{
	"api.base_url":               "",
	"api.token":                  "",
	"api.callback_url":           "",
	"api.poll_interval":          "3s",
	"api.request_timeout":        "15s",
	"api.retries":                2,
	"api.upload_content_type":    "audio/mpeg",
	"audio.backend":              "auto",
	"playback.load_timeout":      "10s",
	"playback.settle_delay":      "50ms",
	"playback.frame_rate":        60,
	"playback.frames_per_buffer": 960,
	"capture.device":             "",
	"capture.sample_rate":        48000,
	"capture.channels":           1,
	"capture.bitrate":            32000,
	"capture.echo_cancellation":  true,
	"capture.noise_suppression":  true,
	"capture.auto_gain_control":  true,
	"interview.max_retries":      2,
	"interview.retry_delay":      "2s",
	"interview.answer_timeout":   "30s",
	"output.directory":           "~/Audio/Viewin",
	"output.keep_answers":        false,
	"logging.level":              "info",
	"logging.file":               "",
	"logging.max_size_mb":        10,
	"logging.max_backups":        3,
	"server.port":                8420,
}

// DefaultConfigFile returns the config path used when --config is not given.
func DefaultConfigFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "viewin-agent.yaml"
	}
	return filepath.Join(home, ".config", "viewin-agent.yaml")
}

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	cfg, err := resolve(nil, nil, nil, "default")
	if err != nil {
		panic(fmt.Sprintf("built-in defaults are invalid: %v", err))
	}
	return cfg
}

// Load resolves the active profile of configFile.
func Load(configFile string) (*Config, error) {
	return LoadWithProfile(configFile, "")
}

// LoadWithProfile resolves profile (or the file's active_config, or
// "default") from configFile. Settings missing from a non-default profile
// fall back to the default profile, then to built-in defaults. A top-level
// globals section overrides every profile.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	root, err := readRoot(configFile)
	if err != nil {
		return nil, err
	}

	configName := profile
	if configName == "" {
		configName = root.GetString("active_config")
	}
	if configName == "" {
		configName = "default"
	}

	configs := root.GetStringMap("configs")
	if len(configs) == 0 {
		return nil, fmt.Errorf("configuration validation failed: 'configs' section is required")
	}
	selected, exists := configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}
	selectedMap, ok := toMap(selected)
	if !ok && selected != nil {
		return nil, fmt.Errorf("configuration profile '%s' must be a mapping", configName)
	}

	var base map[string]any
	if configName != "default" {
		if def, exists := configs["default"]; exists {
			base, _ = toMap(def)
		}
	}

	globals, _ := toMap(root.Get("globals"))

	cfg, err := resolve(base, selectedMap, globals, configName)
	if err != nil {
		return nil, fmt.Errorf("error resolving configuration profile '%s': %w", configName, err)
	}
	return cfg, nil
}

func readRoot(configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}
	return v, nil
}

// resolve layers defaults < base profile < selected profile < globals and
// environment variables (VIEWIN_API_TOKEN, ...) on top.
func resolve(base, profile, globals map[string]any, name string) (*Config, error) {
	merged, origins := mergeProfiles(base, profile)
	if len(globals) > 0 {
		merged = deepMerge(merged, globals)
		for _, key := range flattenKeys("", globals) {
			origins[key] = OriginGlobal
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
		if _, set := origins[key]; !set {
			origins[key] = OriginDefault
		}
	}
	v.SetEnvPrefix("VIEWIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.MergeConfigMap(merged); err != nil {
		return nil, fmt.Errorf("error merging profile: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.Profile = name
	cfg.Origins = origins

	cfg.Output.Directory = expandPath(cfg.Output.Directory)
	if cfg.Logging.File != "" {
		cfg.Logging.File = expandPath(cfg.Logging.File)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// mergeProfiles implements the fallback model: every key set in profile wins,
// every other key set in base is inherited.
func mergeProfiles(base, profile map[string]any) (map[string]any, map[string]string) {
	origins := make(map[string]string)
	for _, key := range flattenKeys("", base) {
		origins[key] = OriginInherited
	}
	for _, key := range flattenKeys("", profile) {
		origins[key] = OriginProfile
	}
	return deepMerge(deepMerge(map[string]any{}, base), profile), origins
}

func deepMerge(dst, src map[string]any) map[string]any {
	for key, value := range src {
		key = strings.ToLower(key)
		if srcMap, ok := toMap(value); ok {
			dstMap, ok := toMap(dst[key])
			if !ok {
				dstMap = map[string]any{}
			}
			dst[key] = deepMerge(copyMap(dstMap), srcMap)
			continue
		}
		dst[key] = value
	}
	return dst
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func flattenKeys(prefix string, m map[string]any) []string {
	var keys []string
	for key, value := range m {
		full := strings.ToLower(key)
		if prefix != "" {
			full = prefix + "." + full
		}
		if sub, ok := toMap(value); ok {
			keys = append(keys, flattenKeys(full, sub)...)
			continue
		}
		keys = append(keys, full)
	}
	sort.Strings(keys)
	return keys
}

func toMap(value any) (map[string]any, bool) {
	switch m := value.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[fmt.Sprint(k)] = v
		}
		return out, true
	}
	return nil, false
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	v, err := readRoot(configFile)
	if err != nil {
		return err
	}
	if _, exists := v.GetStringMap("configs")[newActiveConfig]; !exists {
		return fmt.Errorf("configuration profile '%s' not found", newActiveConfig)
	}

	v.Set("active_config", newActiveConfig)
	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}
	return nil
}

// Profiles lists the profile names defined in configFile.
func Profiles(configFile string) ([]string, error) {
	v, err := readRoot(configFile)
	if err != nil {
		return nil, err
	}
	var names []string
	for name := range v.GetStringMap("configs") {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

var validSampleRates = map[int]bool{8000: true, 12000: true, 16000: true, 24000: true, 48000: true}

// Validate checks a resolved configuration.
func Validate(c *Config) error {
	if c.API.BaseURL != "" {
		u, err := url.Parse(c.API.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("api.base_url must be an http(s) URL, got: %s", c.API.BaseURL)
		}
	}
	if c.API.PollInterval <= 0 {
		return fmt.Errorf("api.poll_interval must be > 0, got: %s", c.API.PollInterval)
	}
	if c.API.RequestTimeout <= 0 {
		return fmt.Errorf("api.request_timeout must be > 0, got: %s", c.API.RequestTimeout)
	}
	if c.API.Retries < 0 {
		return fmt.Errorf("api.retries must be >= 0, got: %d", c.API.Retries)
	}
	if c.API.UploadContentType == "" {
		return fmt.Errorf("api.upload_content_type must not be empty")
	}

	switch strings.ToLower(c.Audio.Backend) {
	case "", "auto", "portaudio":
	default:
		return fmt.Errorf("audio.backend must be 'auto' or 'portaudio', got: %s", c.Audio.Backend)
	}

	if c.Playback.LoadTimeout <= 0 {
		return fmt.Errorf("playback.load_timeout must be > 0, got: %s", c.Playback.LoadTimeout)
	}
	if c.Playback.SettleDelay < 0 {
		return fmt.Errorf("playback.settle_delay must be >= 0, got: %s", c.Playback.SettleDelay)
	}
	if c.Playback.FrameRate < 1 || c.Playback.FrameRate > 240 {
		return fmt.Errorf("playback.frame_rate must be between 1 and 240, got: %d", c.Playback.FrameRate)
	}
	if c.Playback.FramesPerBuffer <= 0 {
		return fmt.Errorf("playback.frames_per_buffer must be > 0, got: %d", c.Playback.FramesPerBuffer)
	}

	if !validSampleRates[c.Capture.SampleRate] {
		return fmt.Errorf("capture.sample_rate must be one of 8000, 12000, 16000, 24000, 48000, got: %d", c.Capture.SampleRate)
	}
	if c.Capture.Channels != 1 && c.Capture.Channels != 2 {
		return fmt.Errorf("capture.channels must be 1 or 2, got: %d", c.Capture.Channels)
	}
	if c.Capture.Bitrate < 6000 || c.Capture.Bitrate > 510000 {
		return fmt.Errorf("capture.bitrate must be between 6000 and 510000, got: %d", c.Capture.Bitrate)
	}

	if c.Interview.MaxRetries < 0 {
		return fmt.Errorf("interview.max_retries must be >= 0, got: %d", c.Interview.MaxRetries)
	}
	if c.Interview.RetryDelay < 0 {
		return fmt.Errorf("interview.retry_delay must be >= 0, got: %s", c.Interview.RetryDelay)
	}
	if c.Interview.AnswerTimeout <= 0 {
		return fmt.Errorf("interview.answer_timeout must be > 0, got: %s", c.Interview.AnswerTimeout)
	}

	if c.Output.KeepAnswers && c.Output.Directory == "" {
		return fmt.Errorf("output.directory is required when output.keep_answers is set")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got: %s", c.Logging.Level)
	}
	if c.Logging.MaxSizeMB <= 0 {
		return fmt.Errorf("logging.max_size_mb must be > 0, got: %d", c.Logging.MaxSizeMB)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got: %d", c.Server.Port)
	}
	return nil
}
