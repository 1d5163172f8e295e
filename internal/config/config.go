package config

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Model      ModelConfig      `yaml:"model" mapstructure:"model"`
	Training   TrainingConfig   `yaml:"training" mapstructure:"training"`
	Prediction PredictionConfig `yaml:"prediction" mapstructure:"prediction"`
	Recommend  RecommendConfig  `yaml:"recommend" mapstructure:"recommend"`
	Health     HealthConfig     `yaml:"health" mapstructure:"health"`
	Metrics    MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
	Timezone   string           `yaml:"timezone" mapstructure:"timezone"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level       string   `yaml:"level" mapstructure:"level"`
	Format      string   `yaml:"format" mapstructure:"format"`
	OutputPaths []string `yaml:"output_paths" mapstructure:"output_paths"`
}

// ModelConfig locates the model artifact directory.
type ModelConfig struct {
	Dir          string `yaml:"dir" mapstructure:"dir"`
	StagingDir   string `yaml:"staging_dir" mapstructure:"staging_dir"`
	KeepArchives int    `yaml:"keep_archives" mapstructure:"keep_archives"`
}

// BoostingParams is the classifier hyper-parameter bag (CATBOOST_PARAMS).
type BoostingParams struct {
	Iterations   int       `yaml:"iterations" mapstructure:"iterations" json:"iterations"`
	LearningRate float64   `yaml:"learning_rate" mapstructure:"learning_rate" json:"learning_rate"`
	Depth        int       `yaml:"depth" mapstructure:"depth" json:"depth"`
	RandomSeed   uint64    `yaml:"random_seed" mapstructure:"random_seed" json:"random_seed"`
	ClassWeights []float64 `yaml:"class_weights" mapstructure:"class_weights" json:"class_weights"`
	L2LeafReg    float64   `yaml:"l2_leaf_reg" mapstructure:"l2_leaf_reg" json:"l2_leaf_reg"`
	BorderCount  int       `yaml:"border_count" mapstructure:"border_count" json:"border_count"`
}

// TrainingConfig configures the nightly training job.
type TrainingConfig struct {
	TrainingDataDays       int            `yaml:"training_data_days" mapstructure:"training_data_days"`
	FeatureCalculationDays int            `yaml:"feature_calculation_days" mapstructure:"feature_calculation_days"`
	PredictionHorizonDays  int            `yaml:"prediction_horizon_days" mapstructure:"prediction_horizon_days"`
	SampleFrequencyDays    int            `yaml:"sample_frequency_days" mapstructure:"sample_frequency_days"`
	NegativeRatio          int            `yaml:"negative_ratio" mapstructure:"negative_ratio"`
	EvalThreshold          float64        `yaml:"eval_threshold" mapstructure:"eval_threshold"`
	Params                 BoostingParams `yaml:"params" mapstructure:"params"`
}

// PredictionConfig configures the daily prediction job.
type PredictionConfig struct {
	Threshold               float64 `yaml:"threshold" mapstructure:"threshold"`
	HighConfidenceThreshold float64 `yaml:"high_confidence_threshold" mapstructure:"high_confidence_threshold"`
	MaxEvalCombinations     int     `yaml:"max_eval_combinations" mapstructure:"max_eval_combinations"`
	FulfilmentToleranceDays int     `yaml:"fulfilment_tolerance_days" mapstructure:"fulfilment_tolerance_days"`
	RecentDays              int     `yaml:"recent_days" mapstructure:"recent_days"`
	Workers                 int     `yaml:"workers" mapstructure:"workers"`
}

// RecommendConfig configures the recommender job.
type RecommendConfig struct {
	TopN         int `yaml:"top_n" mapstructure:"top_n"`
	Workers      int `yaml:"workers" mapstructure:"workers"`
	LookbackDays int `yaml:"lookback_days" mapstructure:"lookback_days"`
}

// HealthConfig configures the trigger-health monitor.
type HealthConfig struct {
	RegistryPath       string  `yaml:"registry_path" mapstructure:"registry_path"`
	ProbeWaitMs        int     `yaml:"probe_wait_ms" mapstructure:"probe_wait_ms"`
	StatsDays          int     `yaml:"stats_days" mapstructure:"stats_days"`
	AlertWindowHours   int     `yaml:"alert_window_hours" mapstructure:"alert_window_hours"`
	ProbesPerSecond    float64 `yaml:"probes_per_second" mapstructure:"probes_per_second"`
	SuccessRateWarning float64 `yaml:"success_rate_warning" mapstructure:"success_rate_warning"`
	WebhookURL         string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs  int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// MetricsConfig configures job metric delivery.
type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url" mapstructure:"pushgateway_url"`
}

// knobAliases maps the bare operational environment names onto config keys.
var knobAliases = map[string]string{
	"training.training_data_days":       "TRAINING_DATA_DAYS",
	"training.feature_calculation_days": "FEATURE_CALCULATION_DAYS",
	"training.prediction_horizon_days":  "PREDICTION_HORIZON_DAYS",
	"training.sample_frequency_days":    "SAMPLE_FREQUENCY_DAYS",
	"prediction.threshold":              "PREDICTION_THRESHOLD",
	"prediction.max_eval_combinations":  "MAX_EVAL_COMBINATIONS",
}

// paramsEnv lists the JSON environment routes for training.params, applied in order.
var paramsEnv = []string{"FORECAST_TRAINING_PARAMS", "CATBOOST_PARAMS"}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FORECAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, alias := range knobAliases {
		envKey := "FORECAST_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, alias); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", alias)
		}
	}

	// Defaults
	v.SetDefault("timezone", "Asia/Taipei")
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "forecast.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_paths", []string{"stderr"})
	v.SetDefault("model.dir", "models")
	v.SetDefault("model.staging_dir", "models/staging")
	v.SetDefault("model.keep_archives", 5)
	v.SetDefault("training.training_data_days", 180)
	v.SetDefault("training.feature_calculation_days", 90)
	v.SetDefault("training.prediction_horizon_days", 7)
	v.SetDefault("training.sample_frequency_days", 15)
	v.SetDefault("training.negative_ratio", 2)
	v.SetDefault("training.eval_threshold", 0.7)
	v.SetDefault("training.params.iterations", 500)
	v.SetDefault("training.params.learning_rate", 0.1)
	v.SetDefault("training.params.depth", 8)
	v.SetDefault("training.params.random_seed", 42)
	v.SetDefault("training.params.class_weights", []float64{1, 5})
	v.SetDefault("training.params.l2_leaf_reg", 3.0)
	v.SetDefault("training.params.border_count", 32)
	v.SetDefault("prediction.threshold", 0.7)
	v.SetDefault("prediction.high_confidence_threshold", 0.8)
	v.SetDefault("prediction.max_eval_combinations", 10000)
	v.SetDefault("prediction.fulfilment_tolerance_days", 2)
	v.SetDefault("prediction.recent_days", 7)
	v.SetDefault("prediction.workers", 8)
	v.SetDefault("recommend.top_n", 7)
	v.SetDefault("recommend.workers", 8)
	v.SetDefault("recommend.lookback_days", 365)
	v.SetDefault("health.probe_wait_ms", 500)
	v.SetDefault("health.stats_days", 7)
	v.SetDefault("health.alert_window_hours", 24)
	v.SetDefault("health.probes_per_second", 2.0)
	v.SetDefault("health.success_rate_warning", 0.95)
	v.SetDefault("health.check_interval_secs", 3600)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	// The params bag arrives as one JSON object; CATBOOST_PARAMS wins over the prefixed name.
	for _, name := range paramsEnv {
		if raw := os.Getenv(name); raw != "" {
			if err := json.Unmarshal([]byte(raw), &cfg.Training.Params); err != nil {
				return nil, eris.Wrapf(err, "config: parse %s", name)
			}
		}
	}

	return &cfg, nil
}

// Validate checks the settings a given job depends on.
func (c *Config) Validate(job string) error {
	switch job {
	case "train", "predict", "recommend", "health", "migrate", "export", "model", "snapshot":
	default:
		return eris.Errorf("config: unknown mode %q", job)
	}

	var errs []string

	needsPostgres := job == "predict" || job == "recommend" || job == "health" || job == "migrate" || job == "export" || job == "snapshot"
	if needsPostgres && c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required (FORECAST_STORE_DATABASE_URL)")
	}
	if job == "snapshot" && c.Store.SQLitePath == "" {
		errs = append(errs, "store.sqlite_path is required for snapshot")
	}
	if job == "train" {
		switch c.Store.Driver {
		case "postgres":
			if c.Store.DatabaseURL == "" {
				errs = append(errs, "store.database_url is required for the postgres driver")
			}
		case "sqlite":
			if c.Store.SQLitePath == "" {
				errs = append(errs, "store.sqlite_path is required for the sqlite driver")
			}
		default:
			errs = append(errs, "store.driver must be postgres or sqlite")
		}
	}

	t := c.Training
	if t.SampleFrequencyDays <= 0 {
		errs = append(errs, "training.sample_frequency_days must be > 0")
	}
	if t.PredictionHorizonDays <= 0 || t.FeatureCalculationDays <= 0 {
		errs = append(errs, "training windows must be > 0")
	}
	if t.PredictionHorizonDays >= t.FeatureCalculationDays {
		errs = append(errs, "training.prediction_horizon_days must be < feature_calculation_days")
	}
	if t.TrainingDataDays < t.FeatureCalculationDays {
		errs = append(errs, "training.training_data_days must be >= feature_calculation_days")
	}
	if len(t.Params.ClassWeights) != 0 && len(t.Params.ClassWeights) != 2 {
		errs = append(errs, "training.params.class_weights must have exactly 2 entries")
	}

	p := c.Prediction
	if p.Threshold < 0 || p.Threshold > 1 || p.HighConfidenceThreshold < 0 || p.HighConfidenceThreshold > 1 {
		errs = append(errs, "prediction thresholds must be within [0, 1]")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	if len(cfg.OutputPaths) > 0 {
		zapCfg.OutputPaths = cfg.OutputPaths
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
