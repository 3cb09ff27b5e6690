package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "REHEARSE"

// Config is supplied once at session start.
type Config struct {
	Session     SessionConfig     `mapstructure:"session"`
	Audio       AudioConfig       `mapstructure:"audio"`
	Video       VideoConfig       `mapstructure:"video"`
	Recognition RecognitionConfig `mapstructure:"recognition"`
	Gesture     GestureConfig     `mapstructure:"gesture"`
	Feedback    FeedbackConfig    `mapstructure:"feedback"`
	Live        LiveConfig        `mapstructure:"live"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Log         LogConfig         `mapstructure:"log"`
}

type SessionConfig struct {
	// JSON question list, or the output file of the question generator
	Questions string `mapstructure:"questions" validate:"required_without=Template"`
	// YAML template rendered against Resume when no list is given
	Template string `mapstructure:"template" validate:"required_with=Resume"`
	Resume   string `mapstructure:"resume"`
	// Block until Questions appears
	WaitForQuestions bool `mapstructure:"wait_for_questions"`

	OutputDir       string        `mapstructure:"output_dir" validate:"required"`
	MaxAnswer       time.Duration `mapstructure:"max_answer" validate:"gt=0"`
	ArmTimeout      time.Duration `mapstructure:"arm_timeout" validate:"gt=0"`
	FinalizeTimeout time.Duration `mapstructure:"finalize_timeout" validate:"gt=0"`
	FeedbackTimeout time.Duration `mapstructure:"feedback_timeout" validate:"gt=0"`
}

type AudioConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// PortAudio device index; negative selects the default input
	Device        int           `mapstructure:"device"`
	SampleRate    int           `mapstructure:"sample_rate" validate:"gt=0"`
	FrameDuration time.Duration `mapstructure:"frame_duration" validate:"gt=0"`
	QueueCapacity int           `mapstructure:"queue_capacity" validate:"gt=0"`
	// Replay a WAV file instead of opening the microphone
	ReplayFile string `mapstructure:"replay_file"`
}

type VideoConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	Device        int  `mapstructure:"device" validate:"gte=0"`
	Width         int  `mapstructure:"width" validate:"gt=0"`
	Height        int  `mapstructure:"height" validate:"gt=0"`
	FPS           int  `mapstructure:"fps" validate:"gt=0,lte=60"`
	QueueCapacity int  `mapstructure:"queue_capacity" validate:"gt=0"`
}

const (
	EngineWhisperExec   = "whisper-exec"
	EngineWhisperServer = "whisper-server"
)

type RecognitionConfig struct {
	Engine         string        `mapstructure:"engine" validate:"oneof=whisper-exec whisper-server"`
	WhisperPath    string        `mapstructure:"whisper_path" validate:"required_if=Engine whisper-exec"`
	Model          string        `mapstructure:"model" validate:"required_if=Engine whisper-exec"`
	ServerURL      string        `mapstructure:"server_url" validate:"required_if=Engine whisper-server,omitempty,url"`
	Language       string        `mapstructure:"language"`
	Threads        int           `mapstructure:"threads" validate:"gte=0"`
	PauseSilence   time.Duration `mapstructure:"pause_silence" validate:"gt=0"`
	VADThreshold   float64       `mapstructure:"vad_threshold" validate:"gt=0"`
	PartialWorkers int           `mapstructure:"partial_workers" validate:"gte=0,lte=8"`
	PartialTimeout time.Duration `mapstructure:"partial_timeout" validate:"gt=0"`
	// Longest span transcribed as one partial when no pause arrives
	MaxPartialSpan time.Duration `mapstructure:"max_partial_span" validate:"gt=0"`
}

type GestureConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	DetectorURL string        `mapstructure:"detector_url" validate:"required_if=Enabled true,omitempty,url"`
	Metrics     []string      `mapstructure:"metrics"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type FeedbackConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	URL         string  `mapstructure:"url" validate:"required_if=Enabled true,omitempty,url"`
	Model       string  `mapstructure:"model" validate:"required_if=Enabled true"`
	MaxWords    int     `mapstructure:"max_words" validate:"gt=0"`
	Temperature float64 `mapstructure:"temperature" validate:"gte=0,lte=2"`
}

type LiveConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr" validate:"required_if=Enabled true"`
	CertFile string `mapstructure:"cert_file" validate:"required_with=KeyFile"`
	KeyFile  string `mapstructure:"key_file" validate:"required_with=CertFile"`
}

type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gt=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
}

func setDefault(v *viper.Viper) {
	v.SetDefault("session.questions", "")
	v.SetDefault("session.template", "")
	v.SetDefault("session.resume", "")
	v.SetDefault("session.wait_for_questions", false)
	v.SetDefault("session.output_dir", "sessions")
	v.SetDefault("session.max_answer", "60s")
	v.SetDefault("session.arm_timeout", "2s")
	v.SetDefault("session.finalize_timeout", "20s")
	v.SetDefault("session.feedback_timeout", "30s")

	v.SetDefault("audio.enabled", true)
	v.SetDefault("audio.device", -1)
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.frame_duration", "100ms")
	v.SetDefault("audio.queue_capacity", 600)
	v.SetDefault("audio.replay_file", "")

	v.SetDefault("video.enabled", true)
	v.SetDefault("video.device", 0)
	v.SetDefault("video.width", 640)
	v.SetDefault("video.height", 480)
	v.SetDefault("video.fps", 10)
	v.SetDefault("video.queue_capacity", 30)

	v.SetDefault("recognition.engine", EngineWhisperExec)
	v.SetDefault("recognition.whisper_path", "whisper-cli")
	v.SetDefault("recognition.model", "models/ggml-base.en.bin")
	v.SetDefault("recognition.server_url", "")
	v.SetDefault("recognition.language", "en")
	v.SetDefault("recognition.threads", 0)
	v.SetDefault("recognition.pause_silence", "800ms")
	v.SetDefault("recognition.vad_threshold", 2.22)
	v.SetDefault("recognition.partial_workers", 1)
	v.SetDefault("recognition.partial_timeout", "10s")
	v.SetDefault("recognition.max_partial_span", "15s")

	v.SetDefault("gesture.enabled", true)
	v.SetDefault("gesture.detector_url", "http://127.0.0.1:8765")
	v.SetDefault("gesture.metrics", []string{"gaze_on_camera", "smile_score", "head_pose_deviation"})
	v.SetDefault("gesture.timeout", "2s")

	v.SetDefault("feedback.enabled", true)
	v.SetDefault("feedback.url", "http://127.0.0.1:11434")
	v.SetDefault("feedback.model", "mistral")
	v.SetDefault("feedback.max_words", 40)
	v.SetDefault("feedback.temperature", 0.0)

	v.SetDefault("live.enabled", false)
	v.SetDefault("live.addr", "127.0.0.1:8080")
	v.SetDefault("live.cert_file", "")
	v.SetDefault("live.key_file", "")

	v.SetDefault("archive.enabled", true)
	v.SetDefault("archive.path", "sessions/index.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// Load reads the YAML file at path (or ./rehearse.yaml when path is empty
// and the file exists), applies REHEARSE_* environment variables and then
// overrides, and validates the result. Override keys use viper's dotted
// form, for example "session.questions".
func Load(path string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	setDefault(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("rehearse")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	for key, value := range overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
