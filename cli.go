package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	cfgFile   string
	logger    *zap.Logger
	appConfig *Config
)

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "pollbridge",
	Short: "輪詢式 TCP 橋接的 Modbus TCP 用戶端",
	Long: `以單執行緒、回呼驅動的網路堆疊為基礎，提供具截止時間的
同步讀寫介面，並以此執行 Modbus TCP 用戶端示範流程。`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 載入配置 (除了 version、help 與 generate 命令)
		appConfig = DefaultConfig()
		if cmd.Name() != "version" && cmd.Name() != "help" && cmd.Name() != "generate" {
			cfg, err := LoadConfig(cfgFile)
			if err != nil {
				if cfgFile != "" {
					return err
				}
				// 配置載入失敗時使用預設值
				fmt.Fprintf(os.Stderr, "載入配置失敗，使用預設配置: %v\n", err)
			} else {
				appConfig = cfg
			}
		}

		if level, _ := cmd.Flags().GetString("log-level"); level != "" {
			appConfig.Logging.Level = level
		}

		var err error
		logger, err = initLogger(appConfig.Logging)
		if err != nil {
			return fmt.Errorf("初始化日誌失敗: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd 執行示範流程
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "連線並執行 Modbus 示範流程",
	Long: `連線到目標 Modbus TCP 伺服器並依序執行:
寫入線圈 64..65、讀回線圈 64..66、寫入保持暫存器 26..27、讀回保持暫存器。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// 覆蓋 CLI 參數
		if addr, _ := cmd.Flags().GetString("address"); addr != "" {
			appConfig.Target.Address = addr
		}
		if port, _ := cmd.Flags().GetInt("port"); port > 0 {
			appConfig.Target.Port = port
		}
		if unit, _ := cmd.Flags().GetUint8("unit"); unit > 0 {
			appConfig.Target.UnitID = unit
		}
		if ack, _ := cmd.Flags().GetString("ack-policy"); ack != "" {
			appConfig.Bridge.AckPolicy = ack
		}
		if idle, _ := cmd.Flags().GetString("idle-policy"); idle != "" {
			appConfig.Bridge.IdlePolicy = idle
		}
		if err := appConfig.Validate(); err != nil {
			return fmt.Errorf("配置驗證失敗: %w", err)
		}
		repeat, _ := cmd.Flags().GetDuration("repeat")

		if appConfig.Network.RequireLink {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			status, err := NewLinkChecker(appConfig.Network.Interface, logger).Check(ctx)
			cancel()
			if err != nil {
				return fmt.Errorf("網路前置檢查失敗: %w", err)
			}
			if !status.Ready() {
				return fmt.Errorf("網路介面 %s 尚未就緒", status.Interface)
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		client := NewClient(appConfig, logger)
		defer client.Shutdown()

		// 啟動指標伺服器
		if appConfig.Metrics.Enabled {
			metrics := NewMetricsExporter(client.Bridge(), logger)
			if err := metrics.Start(appConfig.Metrics.Endpoint, appConfig.Metrics.Port); err != nil {
				logger.Warn("啟動指標伺服器失敗", zap.Error(err))
			} else {
				defer metrics.Stop(context.Background())
			}
		}

		if err := client.Connect(ctx); err != nil {
			return err
		}

		for {
			result, err := client.RunDemo()
			switch {
			case err == nil:
				printDemoResult(result)
			case Recoverable(err) && repeat > 0:
				logger.Warn("連線中斷，重新連線", zap.Error(err))
				if err := client.Connect(ctx); err != nil {
					return err
				}
				continue
			default:
				return fmt.Errorf("示範流程失敗: %w", err)
			}

			if repeat <= 0 {
				return nil
			}
			if err := client.Idle(ctx, repeat); err != nil {
				logger.Info("收到關閉信號，結束執行")
				return nil
			}
		}
	},
}

// peerCmd 本地 Modbus 伺服器
var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "啟動本地 Modbus TCP 伺服器",
	Long:  "啟動以 mbserver 實作的 Modbus TCP 伺服器，供 run 命令與整合測試連線。",
	RunE: func(cmd *cobra.Command, args []string) error {
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			appConfig.Peer.Listen = listen
		}

		peer := NewPeer(appConfig.Peer, WithPeerLogger(logger))
		if err := peer.Start(); err != nil {
			return fmt.Errorf("啟動伺服器失敗: %w", err)
		}

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		// 等待信號
		sig := <-sigChan
		logger.Info("收到關閉信號", zap.String("signal", sig.String()))

		peer.Stop()
		return nil
	},
}

// netcheckCmd 網路前置檢查
var netcheckCmd = &cobra.Command{
	Use:   "netcheck",
	Short: "檢查網路介面狀態",
	Long:  "確認網路介面已啟用並取得 IPv4 位址，相當於連線前的網路關聯檢查。",
	RunE: func(cmd *cobra.Command, args []string) error {
		if iface, _ := cmd.Flags().GetString("interface"); iface != "" {
			appConfig.Network.Interface = iface
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		status, err := NewLinkChecker(appConfig.Network.Interface, logger).Check(ctx)
		if err != nil {
			return fmt.Errorf("檢查網路介面失敗: %w", err)
		}

		fmt.Printf("介面: %s\n", status.Interface)
		fmt.Printf("  Up: %v\n", status.Up)
		fmt.Printf("  MTU: %d\n", status.MTU)
		for _, addr := range status.Addrs {
			fmt.Printf("  - %s\n", addr)
		}
		if !status.Ready() {
			return fmt.Errorf("網路介面 %s 尚未就緒", status.Interface)
		}
		fmt.Println("網路介面已就緒")
		return nil
	},
}

// configCmd 配置命令組
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "配置管理命令",
	Long:  "管理配置檔。",
}

// configValidateCmd 驗證配置
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "驗證配置檔",
	Long:  "驗證指定的配置檔是否有效。",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("配置驗證失敗: %w", err)
		}

		fmt.Println("配置驗證通過")
		fmt.Printf("  Target: %s:%d (unit %d)\n", cfg.Target.Address, cfg.Target.Port, cfg.Target.UnitID)
		fmt.Printf("  Buffer: %d bytes\n", cfg.Bridge.BufferSize)
		fmt.Printf("  Ack policy: %s\n", cfg.Bridge.AckPolicy)
		fmt.Printf("  Idle policy: %s\n", cfg.Bridge.IdlePolicy)
		fmt.Printf("  Peer: %s\n", cfg.Peer.Listen)
		return nil
	},
}

// configGenerateCmd 生成配置
var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "生成範例配置",
	Long:  "生成範例配置檔。",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			output = "config.json"
		}

		cfg := DefaultConfig()
		cfg.Peer.Coils = []uint16{64}

		if err := cfg.SaveConfig(output); err != nil {
			return fmt.Errorf("生成配置失敗: %w", err)
		}

		fmt.Printf("範例配置已生成: %s\n", output)
		return nil
	},
}

// versionCmd 版本命令
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "顯示版本資訊",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pollbridge version %s\n", Version)
		fmt.Printf("  Build: %s\n", BuildTime)
		fmt.Printf("  Commit: %s\n", GitCommit)
	},
}

func init() {
	// 全域 flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置檔路徑")
	rootCmd.PersistentFlags().String("log-level", "", "日誌等級 (debug, info, warn, error)")

	// run 命令 flags
	runCmd.Flags().StringP("address", "a", "", "目標 IP 位址")
	runCmd.Flags().IntP("port", "p", 0, "目標埠號")
	runCmd.Flags().Uint8P("unit", "u", 0, "Modbus 單元識別碼")
	runCmd.Flags().String("ack-policy", "", "接收確認策略 (lossy, deferred)")
	runCmd.Flags().String("idle-policy", "", "輪詢回呼策略 (probe, close)")
	runCmd.Flags().Duration("repeat", 0, "重複執行間隔，0 表示只執行一次")

	// peer 命令 flags
	peerCmd.Flags().StringP("listen", "l", "", "監聽位址")

	// netcheck 命令 flags
	netcheckCmd.Flags().StringP("interface", "i", "", "網路介面")

	// config 命令 flags
	configGenerateCmd.Flags().StringP("output", "o", "config.json", "輸出檔案路徑")

	// 組裝命令樹
	configCmd.AddCommand(configValidateCmd, configGenerateCmd)

	rootCmd.AddCommand(
		runCmd,
		peerCmd,
		netcheckCmd,
		configCmd,
		versionCmd,
	)
}

func initLogger(cfg LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	output := cfg.OutputPath
	if output == "" {
		output = "stdout"
	}
	zcfg.OutputPaths = []string{output}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	return zcfg.Build()
}

func printDemoResult(r *DemoResult) {
	for i, on := range r.Coils {
		fmt.Printf("Coil at address %d value: %v\n", DemoCoilAddress+i, on)
	}
	for i, v := range r.Registers {
		fmt.Printf("Register at address %d value: %d\n", DemoRegisterAddress+i, v)
	}
	if r.File != nil {
		fmt.Printf("Read file registers:")
		for _, v := range r.File {
			fmt.Printf(" 0x%04X", v)
		}
		fmt.Println()
	}
	for _, obj := range r.Device {
		fmt.Printf("Basic device identification: ID 0x%02x value %s\n", obj.ID, obj.Value)
	}
	for _, obj := range r.Extended {
		fmt.Printf("Extended device identification: ID 0x%02x value %s\n", obj.ID, obj.Value)
	}
}

// Execute 執行 CLI
func Execute() error {
	return rootCmd.Execute()
}
