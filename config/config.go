// rtmprelay/config/config.go
package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	FFBin             string        `mapstructure:"FF_BIN"`
	FFExtraArgs       string        `mapstructure:"FF_EXTRA_ARGS"`
	RTMPBaseURL       string        `mapstructure:"RTMP_BASE_URL"`
	StopGrace         time.Duration `mapstructure:"STOP_GRACE"`
	KillTimeout       time.Duration `mapstructure:"KILL_TIMEOUT"`
	MaxLaunchFailures int           `mapstructure:"MAX_LAUNCH_FAILURES"`
	MaxInputSize      int64         `mapstructure:"MAX_INPUT_SIZE"`
	MailboxSize       int           `mapstructure:"MAILBOX_SIZE"`
	ThrottleEnable    bool          `mapstructure:"THROTTLE_ENABLE"`
	ThrottleCPU       float64       `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem   int64         `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk  int64         `mapstructure:"THROTTLE_FREEDISK"`
	YTDLPBin          string        `mapstructure:"YTDLP_BIN"`
	YTDLPCookies      string        `mapstructure:"YTDLP_COOKIES"`
	ResolveTimeout    time.Duration `mapstructure:"RESOLVE_TIMEOUT"`
	AuthEnable        bool          `mapstructure:"AUTH_ENABLE"`
	AuthKey           string        `mapstructure:"AUTH_KEY"`
	Port              string        `mapstructure:"PORT"`
	LogLevel          string        `mapstructure:"LOG_LEVEL"`
	AuditLog          string        `mapstructure:"AUDIT_LOG"`
	TempDir           string        `mapstructure:"TEMP_DIR"`
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// Only strings headed for int64 fields are byte sizes.
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

// Load reads the configuration from defaults, an optional rtmprelay_config.yaml
// and RTMPRELAY_* environment variables, in increasing order of precedence.
// A non-empty file overrides the search path.
func Load(file string) (*Config, error) {
	vp := viper.New()

	// Defaults are strings where a hook does the parsing.
	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("FF_EXTRA_ARGS", "")
	vp.SetDefault("RTMP_BASE_URL", "rtmp://localhost/live")
	vp.SetDefault("STOP_GRACE", "10s")
	vp.SetDefault("KILL_TIMEOUT", "5s")
	vp.SetDefault("MAX_LAUNCH_FAILURES", 3)
	vp.SetDefault("MAX_INPUT_SIZE", "2GB")
	vp.SetDefault("MAILBOX_SIZE", 64)
	vp.SetDefault("THROTTLE_ENABLE", false)
	vp.SetDefault("THROTTLE_CPU", 50.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "200MB")
	vp.SetDefault("YTDLP_BIN", "yt-dlp")
	vp.SetDefault("YTDLP_COOKIES", "")
	vp.SetDefault("RESOLVE_TIMEOUT", "2m")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "123456")
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("AUDIT_LOG", "actions.log")
	vp.SetDefault("TEMP_DIR", "")

	if file != "" {
		vp.SetConfigFile(file)
	} else {
		vp.SetConfigName("rtmprelay_config")
		vp.SetConfigType("yaml")
		vp.AddConfigPath(".")
		vp.AddConfigPath("/etc/rtmprelay/")
	}

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("RTMPRELAY")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The first hook that converts a value wins.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
