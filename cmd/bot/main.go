package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"ladderbot/internal/backtest"
	"ladderbot/internal/config"
	"ladderbot/internal/engine"
	"ladderbot/internal/exchange"
	"ladderbot/internal/exchange/binance"
	"ladderbot/internal/histdata"
	"ladderbot/internal/ladder"
	"ladderbot/internal/ledger"
	"ladderbot/internal/logger"
	"ladderbot/internal/metrics"
)

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	_ = godotenv.Load()

	cfg, err := config.Load("configs")
	if err != nil {
		panic(err)
	}

	log := logger.New(logger.Config{
		Level:      cfg.Runtime.Log.Level,
		Format:     cfg.Runtime.Log.Format,
		Output:     cfg.Runtime.Log.File,
		MaxSize:    cfg.Runtime.Log.MaxSize,
		MaxBackups: cfg.Runtime.Log.MaxBackups,
		MaxAge:     cfg.Runtime.Log.MaxAge,
		Compress:   cfg.Runtime.Log.Compress,
	})

	log.WithFields(logrus.Fields{"mode": cfg.Runtime.Mode}).Info("Бот запущен.")

	if cfg.Runtime.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.Runtime.MetricsAddr, mux); err != nil {
				log.WithError(err).Warn("Сервер метрик остановлен.")
			}
		}()
	}

	client := binance.New(cfg.Exchange.BaseUrl, cfg.Exchange.WSUrl, cfg.Exchange.ApiKey, cfg.Exchange.Secret, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sigCh
		log.Info("Получен сигнал остановки.")
		cancel()
	}()

	switch cfg.Runtime.Mode {
	case "backtest":
		runBacktests(ctx, cfg, client, log)
	case "paper", "live":
		runSessions(ctx, cfg, client, log)
	default:
		log.WithFields(logrus.Fields{"mode": cfg.Runtime.Mode}).Fatal("Неизвестный режим работы.")
	}

	log.Info("Бот остановлен.")
}

func runSessions(ctx context.Context, cfg *config.Config, client *binance.Client, log *logger.Logger) {
	var wg sync.WaitGroup
	started := 0

	for _, strat := range cfg.Strategies {
		if !strat.Enabled {
			continue
		}
		if err := strat.Validate(); err != nil {
			log.WithError(err).WithFields(logrus.Fields{"strategy": strat.Name}).Error("Стратегия пропущена: некорректная конфигурация.")
			continue
		}

		var gw exchange.Gateway = client
		if cfg.Runtime.Mode == "paper" {
			gw = exchange.NewPaperGateway(client, strat.FeeRate, strat.InitialCapital, log)
		}

		rt := engine.NewRuntime(strat, cfg.Runtime.Mode, cfg.Runtime.StateDir, gw, log)
		wg.Add(1)
		started++
		go func(name string) {
			defer wg.Done()
			if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).WithFields(logrus.Fields{"strategy": name}).Error("Сессия пары завершена.")
			}
		}(strat.Name)
	}

	if started == 0 {
		log.Warn("Нет ни одной включённой стратегии.")
		return
	}
	wg.Wait()
}

func runBacktests(ctx context.Context, cfg *config.Config, client *binance.Client, log *logger.Logger) {
	start, err := parseBacktestTime(cfg.Runtime.Backtest.Start)
	if err != nil {
		log.WithError(err).Fatal("Некорректное начало диапазона бэктеста.")
	}
	end, err := parseBacktestTime(cfg.Runtime.Backtest.End)
	if err != nil {
		log.WithError(err).Fatal("Некорректный конец диапазона бэктеста.")
	}
	interval := cfg.Runtime.Backtest.Interval
	if interval == "" {
		interval = "1m"
	}

	source := histdata.New(client, cfg.Runtime.Backtest.DataDir, log)

	for _, strat := range cfg.Strategies {
		if !strat.Enabled {
			continue
		}
		if err := strat.Validate(); err != nil {
			log.WithError(err).WithFields(logrus.Fields{"strategy": strat.Name}).Error("Стратегия пропущена: некорректная конфигурация.")
			continue
		}

		candles, err := source.Candles(ctx, strat.Symbol, interval, start, end)
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{"strategy": strat.Name}).Error("Не удалось получить свечи.")
			continue
		}

		levels, err := ladder.Plan(ladder.Params{
			ReferencePrice: candles[0].Open,
			BaseGap:        decimal.NewFromFloat(strat.BaseGap),
			Ladders:        strat.Ladders,
			Fibonacci:      strat.Fibonacci,
			UnitSize:       decimal.NewFromFloat(strat.UnitSizeBase),
			SizeMultiplier: decimal.NewFromFloat(strat.SafetyMultiplier),
		})
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{"strategy": strat.Name}).Error("Не удалось спланировать лестницу.")
			continue
		}

		led := ledger.New(strat.Symbol, decimal.NewFromFloat(strat.InitialCapital), decimal.NewFromFloat(strat.MaxAllocation), levels)
		sim := backtest.New(strat, led, log)

		report, err := sim.Run(candles)
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{"strategy": strat.Name}).Error("Бэктест прерван.")
			continue
		}

		path, err := backtest.WriteReport(cfg.Runtime.Backtest.ReportDir, report)
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{"strategy": strat.Name}).Error("Не удалось записать отчёт.")
		}

		log.WithFields(logrus.Fields{
			"strategy":     report.Strategy,
			"symbol":       report.Symbol,
			"candles":      report.Candles,
			"trades":       report.TradeCount,
			"total_profit": report.TotalProfit.String(),
			"roi_percent":  report.ROIPercent.StringFixed(2),
			"win_rate":     report.WinRate.StringFixed(2),
			"max_drawdown": report.MaxDrawdownPercent.StringFixed(2),
			"stop_reason":  report.StopReason,
			"report":       path,
		}).Info("Бэктест завершён.")
	}
}

func parseBacktestTime(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse("2006-01-02", value); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("Некорректная дата %q.", value)
}
