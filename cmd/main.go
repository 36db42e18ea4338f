package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pharovest/pharovest-chain/internal/app"
	"github.com/pharovest/pharovest-chain/internal/config"
	"github.com/pharovest/pharovest-chain/pkg/logger"
)

const serviceName = "pharovest-chain"

func main() {
	// 命令行参数
	configPath := flag.String("config", "config/config.yaml", "config file path")
	reconcileOnce := flag.Bool("reconcile-once", false, "run a single reconciliation and exit")
	resume := flag.Bool("resume", false, "with -reconcile-once, continue after the last interrupted run")
	migrateFrom := flag.String("migrate-from", "", "recreate every project of this contract on the configured contract")
	contribute := flag.String("contribute", "", "contribute to this project id and exit")
	value := flag.String("value", "", "contribution amount in ETH, used with -contribute")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// 初始化日志
	if err := logger.Init(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: serviceName,
		Environment: cfg.Service.Env,
	}); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("starting service",
		zap.String("service", serviceName),
		zap.String("env", cfg.Service.Env),
		zap.Int("http_port", cfg.Service.HTTPPort),
		zap.Int("grpc_port", cfg.Service.GRPCPort))

	// 创建应用
	application, err := app.NewApp(cfg)
	if err != nil {
		logger.Fatal("failed to create app", zap.Error(err))
	}

	// 单次命令在信号到来时取消, 对账批次会保存游标
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var result interface{}
	switch {
	case *reconcileOnce:
		result, err = application.ReconcileOnce(ctx, *resume)
	case *migrateFrom != "":
		result, err = application.Migrate(ctx, *migrateFrom)
	case *contribute != "":
		amount, parseErr := decimal.NewFromString(*value)
		if parseErr != nil {
			application.Close()
			logger.Fatal("invalid -value", zap.String("value", *value), zap.Error(parseErr))
		}
		result, err = application.Contribute(ctx, *contribute, amount)
	default:
		// 运行应用
		if err := application.Run(); err != nil {
			logger.Fatal("app run error", zap.Error(err))
		}
		logger.Info("service stopped")
		return
	}

	application.Close()
	if result != nil {
		printJSON(result)
	}
	if err != nil {
		logger.Error("command failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(string(data))
}
