package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"ladderbot/internal/models"
)

type Config struct {
	Exchange   ExchangeConfig
	Runtime    RuntimeConfig
	Strategies []Strategy
}

type ExchangeConfig struct {
	BaseUrl string
	WSUrl   string
	ApiKey  string
	Secret  string
}

type RuntimeConfig struct {
	Mode        string
	StateDir    string
	MetricsAddr string
	Log         LogConfig
	Backtest    BacktestConfig
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

type BacktestConfig struct {
	Start     string
	End       string
	Interval  string
	DataDir   string
	ReportDir string
}

// Strategy — параметры одной пары. Float-значения конвертируются в decimal
// на границе использования (планировщик, леджер, риск).
type Strategy struct {
	Name              string
	Symbol            string
	Enabled           bool
	BaseGap           float64
	Ladders           int
	Fibonacci         []int
	UnitSizeBase      float64
	SafetyMultiplier  float64
	StopLossPercent   float64
	TakeProfitPercent float64
	InitialCapital    float64
	MaxAllocation     float64
	FeeRate           float64
	MinProfitToClose  float64
	StaleAfter        time.Duration
	RebalanceInterval time.Duration
	RebalanceEvery    int
	ConfirmTimeout    time.Duration
}

const defaultFeeRate = 0.001

func Load(dir string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(dir)
	v.SetConfigName("config")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("Не удалось прочитать конфигурацию: %w", err)
	}

	cfg := &Config{}

	cfg.Exchange = ExchangeConfig{
		BaseUrl: v.GetString("exchange.base_url"),
		WSUrl:   v.GetString("exchange.ws_url"),
		ApiKey:  envSub(v, "exchange.api_key"),
		Secret:  envSub(v, "exchange.secret"),
	}

	cfg.Runtime = RuntimeConfig{
		Mode:        strings.ToLower(v.GetString("runtime.mode")),
		StateDir:    v.GetString("runtime.state_dir"),
		MetricsAddr: v.GetString("runtime.metrics_addr"),
		Log: LogConfig{
			Level:      v.GetString("runtime.log.level"),
			Format:     v.GetString("runtime.log.format"),
			File:       v.GetString("runtime.log.file"),
			MaxSize:    v.GetInt("runtime.log.max_size"),
			MaxBackups: v.GetInt("runtime.log.max_backups"),
			MaxAge:     v.GetInt("runtime.log.max_age"),
			Compress:   v.GetBool("runtime.log.compress"),
		},
		Backtest: BacktestConfig{
			Start:     v.GetString("runtime.backtest.start"),
			End:       v.GetString("runtime.backtest.end"),
			Interval:  v.GetString("runtime.backtest.interval"),
			DataDir:   v.GetString("runtime.backtest.data_dir"),
			ReportDir: v.GetString("runtime.backtest.report_dir"),
		},
	}

	strategies, err := loadStrategies(filepath.Join(dir, "strategies"))
	if err != nil {
		return nil, err
	}
	cfg.Strategies = strategies

	return cfg, nil
}

func loadStrategies(dir string) ([]Strategy, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("Не удалось прочитать каталог стратегий %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var strategies []Strategy
	for _, name := range names {
		sv := viper.New()
		sv.SetConfigFile(filepath.Join(dir, name))
		if err := sv.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("Не удалось прочитать стратегию %s: %w", name, err)
		}

		sv.SetDefault("enabled", true)
		sv.SetDefault("safety_multiplier", 2.0)
		sv.SetDefault("fee_rate", defaultFeeRate)
		sv.SetDefault("stale_after", "24h")
		sv.SetDefault("rebalance_interval", "5m")
		sv.SetDefault("rebalance_every", 60)
		sv.SetDefault("confirm_timeout", "30s")

		s := Strategy{
			Name:              sv.GetString("name"),
			Symbol:            sv.GetString("pair"),
			Enabled:           sv.GetBool("enabled"),
			BaseGap:           sv.GetFloat64("base_gap"),
			Ladders:           sv.GetInt("ladders"),
			Fibonacci:         sv.GetIntSlice("fibonacci"),
			UnitSizeBase:      sv.GetFloat64("unit_size_base"),
			SafetyMultiplier:  sv.GetFloat64("safety_multiplier"),
			StopLossPercent:   sv.GetFloat64("stop_loss_percent"),
			TakeProfitPercent: sv.GetFloat64("take_profit_percent"),
			InitialCapital:    sv.GetFloat64("initial_capital"),
			MaxAllocation:     sv.GetFloat64("max_allocation"),
			FeeRate:           sv.GetFloat64("fee_rate"),
			MinProfitToClose:  sv.GetFloat64("min_profit_to_close"),
			StaleAfter:        sv.GetDuration("stale_after"),
			RebalanceInterval: sv.GetDuration("rebalance_interval"),
			RebalanceEvery:    sv.GetInt("rebalance_every"),
			ConfirmTimeout:    sv.GetDuration("confirm_timeout"),
		}
		if s.Name == "" {
			s.Name = strings.TrimSuffix(name, filepath.Ext(name))
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		strategies = append(strategies, s)
	}

	return strategies, nil
}

// Validate ловит невалидные параметры на старте, а не в рантайме.
func (s Strategy) Validate() error {
	if s.Symbol == "" {
		return &models.ConfigError{Field: "pair", Reason: "пара не задана"}
	}
	if s.BaseGap <= 0 || s.BaseGap >= 1 {
		return &models.ConfigError{Field: "base_gap", Reason: "базовый отступ должен лежать в (0, 1)"}
	}
	if s.Ladders < 1 {
		return &models.ConfigError{Field: "ladders", Reason: "число уровней должно быть не меньше одного"}
	}
	if len(s.Fibonacci) < s.Ladders {
		return &models.ConfigError{Field: "fibonacci", Reason: "весов меньше, чем уровней"}
	}
	if s.UnitSizeBase <= 0 {
		return &models.ConfigError{Field: "unit_size_base", Reason: "размер юнита должен быть больше нуля"}
	}
	if s.StopLossPercent >= 0 {
		return &models.ConfigError{Field: "stop_loss_percent", Reason: "стоп-лосс должен быть отрицательным"}
	}
	if s.TakeProfitPercent <= 0 {
		return &models.ConfigError{Field: "take_profit_percent", Reason: "тейк-профит должен быть положительным"}
	}
	if s.InitialCapital <= 0 {
		return &models.ConfigError{Field: "initial_capital", Reason: "начальный капитал должен быть больше нуля"}
	}
	if s.FeeRate < 0 {
		return &models.ConfigError{Field: "fee_rate", Reason: "комиссия не может быть отрицательной"}
	}
	return nil
}

func envSub(v *viper.Viper, key string) string {
	val := v.GetString(key)
	if val == "" {
		return ""
	}

	re := regexp.MustCompile(`\$\{(\w+)\}`)
	return re.ReplaceAllStringFunc(val, func(match string) string {
		envKey := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(envKey)
	})
}
