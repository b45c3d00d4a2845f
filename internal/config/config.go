package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/FlowingSPDG/obs-sync/pkg/logger"
)

// Config represents the complete configuration of an obs-sync node.
type Config struct {
	OBS     OBSConfig     `yaml:"obs"`
	Master  MasterConfig  `yaml:"master"`
	Slave   SlaveConfig   `yaml:"slave"`
	Logging LoggingConfig `yaml:"logging"`
}

// OBSConfig holds the connection to the local obs-websocket server.
type OBSConfig struct {
	URL               string        `yaml:"url" env:"OBSSYNC_OBS_URL"`
	Password          string        `yaml:"password" env:"OBSSYNC_OBS_PASSWORD"`
	RequestTimeout    time.Duration `yaml:"request_timeout" env:"OBSSYNC_OBS_REQUEST_TIMEOUT"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval" env:"OBSSYNC_OBS_RECONNECT_INTERVAL"`
}

// MasterConfig holds master node configuration.
type MasterConfig struct {
	Port              int           `yaml:"port" env:"OBSSYNC_MASTER_PORT"`
	Targets           []string      `yaml:"targets" env:"OBSSYNC_MASTER_TARGETS"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"OBSSYNC_MASTER_HEARTBEAT_INTERVAL"`
	ClientBuffer      int           `yaml:"client_buffer" env:"OBSSYNC_MASTER_CLIENT_BUFFER"`
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"OBSSYNC_MASTER_READ_TIMEOUT"`
	WatchImages       bool          `yaml:"watch_images" env:"OBSSYNC_MASTER_WATCH_IMAGES"`
}

// SlaveConfig holds slave node configuration.
type SlaveConfig struct {
	MasterURL        string        `yaml:"master_url" env:"OBSSYNC_SLAVE_MASTER_URL"`
	ScratchDir       string        `yaml:"scratch_dir" env:"OBSSYNC_SLAVE_SCRATCH_DIR"`
	ReconnectInitial time.Duration `yaml:"reconnect_initial" env:"OBSSYNC_SLAVE_RECONNECT_INITIAL"`
	ReconnectMax     time.Duration `yaml:"reconnect_max" env:"OBSSYNC_SLAVE_RECONNECT_MAX"`
	PingInterval     time.Duration `yaml:"ping_interval" env:"OBSSYNC_SLAVE_PING_INTERVAL"`
	AlertBuffer      int           `yaml:"alert_buffer" env:"OBSSYNC_SLAVE_ALERT_BUFFER"`
	StatusAddress    string        `yaml:"status_address" env:"OBSSYNC_SLAVE_STATUS_ADDRESS"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"OBSSYNC_LOG_LEVEL"`
	Format     string `yaml:"format" env:"OBSSYNC_LOG_FORMAT"`
	Output     string `yaml:"output" env:"OBSSYNC_LOG_OUTPUT"`
	FilePath   string `yaml:"file_path" env:"OBSSYNC_LOG_FILE_PATH"`
	MaxSize    int    `yaml:"max_size" env:"OBSSYNC_LOG_MAX_SIZE"`
	MaxBackups int    `yaml:"max_backups" env:"OBSSYNC_LOG_MAX_BACKUPS"`
	MaxAge     int    `yaml:"max_age" env:"OBSSYNC_LOG_MAX_AGE"`
}

// LoggerConfig converts the logging section for logger.Init.
func (c LoggingConfig) LoggerConfig() *logger.Config {
	return &logger.Config{
		Level:      c.Level,
		Format:     c.Format,
		Output:     c.Output,
		FilePath:   c.FilePath,
		MaxSize:    c.MaxSize,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAge,
	}
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		OBS: OBSConfig{
			URL:               "ws://127.0.0.1:4455",
			RequestTimeout:    10 * time.Second,
			ReconnectInterval: 3 * time.Second,
		},
		Master: MasterConfig{
			Port:              9001,
			Targets:           []string{"program", "source"},
			HeartbeatInterval: 5 * time.Second,
			ClientBuffer:      256,
			ReadTimeout:       60 * time.Second,
			WatchImages:       true,
		},
		Slave: SlaveConfig{
			MasterURL:        "ws://127.0.0.1:9001/",
			ScratchDir:       os.TempDir(),
			ReconnectInitial: time.Second,
			ReconnectMax:     60 * time.Second,
			PingInterval:     20 * time.Second,
			AlertBuffer:      100,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stdout",
			FilePath:   filepath.Join("logs", "obs-sync.log"),
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		},
	}
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string
	cmdArgs    map[string]string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "OBSSYNC_",
		cmdArgs:   make(map[string]string),
	}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix replaces the OBSSYNC_ prefix of every env tag.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithCmdArgs sets command-line overrides keyed by dot path, e.g. "master.port".
func (l *Loader) WithCmdArgs(args map[string]string) *Loader {
	l.cmdArgs = args
	return l
}

// Load loads configuration from all sources with proper precedence:
// defaults < YAML file < environment variables < command-line flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("从文件加载配置失败: %w", err)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("应用环境变量覆盖失败: %w", err)
	}

	if err := l.applyCmdOverrides(cfg); err != nil {
		return nil, fmt.Errorf("应用命令行参数覆盖失败: %w", err)
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file. A missing file is not an error.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("解析配置文件失败: %w", err)
	}
	return nil
}

func (l *Loader) applyEnvOverrides(cfg *Config) error {
	return l.applyEnvToStruct(reflect.ValueOf(cfg).Elem())
}

// applyEnvToStruct recursively applies environment variables to struct fields.
func (l *Loader) applyEnvToStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := l.applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		name := l.envPrefix + strings.TrimPrefix(envTag, "OBSSYNC_")

		envValue := os.Getenv(name)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("从环境变量 %s 设置字段 %s 失败: %w", name, fieldType.Name, err)
		}
	}
	return nil
}

func (l *Loader) applyCmdOverrides(cfg *Config) error {
	for key, value := range l.cmdArgs {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("设置配置值 %s 失败: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a configuration value by its dot-separated yaml path.
func setConfigValue(cfg *Config, path, value string) error {
	parts := strings.Split(path, ".")
	v := reflect.ValueOf(cfg).Elem()

	for i, part := range parts {
		field, ok := fieldByYAMLName(v, part)
		if !ok {
			return fmt.Errorf("未知的配置路径: %s", path)
		}

		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}

		if field.Kind() != reflect.Struct {
			return fmt.Errorf("期望 %s 是结构体，实际是 %s", part, field.Kind())
		}
		v = field
	}
	return nil
}

func fieldByYAMLName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if tag == name || strings.EqualFold(t.Field(i).Name, strings.ReplaceAll(name, "_", "")) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setFieldValue sets a reflect.Value from a string value.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("无法设置字段")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("无效的时间格式: %w", err)
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("无效的整数: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("无效的布尔值: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		// Comma-separated string slices.
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("不支持的切片类型: %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		field.Set(reflect.ValueOf(out))

	default:
		return fmt.Errorf("不支持的字段类型: %s", field.Kind())
	}
	return nil
}

// Serialize serializes the configuration to YAML bytes.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

// ParseConfig parses a YAML configuration on top of the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file path.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}
