package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"modbus-pollbridge/internal/bridge"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// ModbusTCPDefaultPort Modbus TCP 預設埠號
const ModbusTCPDefaultPort = 502

// Config 全域配置
type Config struct {
	Target  TargetConfig  `json:"target" mapstructure:"target"`
	Bridge  BridgeConfig  `json:"bridge" mapstructure:"bridge"`
	Retry   RetryConfig   `json:"retry" mapstructure:"retry"`
	Network NetworkConfig `json:"network" mapstructure:"network"`
	Peer    PeerConfig    `json:"peer" mapstructure:"peer"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
}

// TargetConfig 遠端 Modbus 伺服器
type TargetConfig struct {
	Address         string        `json:"address" mapstructure:"address"`
	Port            int           `json:"port" mapstructure:"port"`
	UnitID          uint8         `json:"unit_id" mapstructure:"unit_id"`
	ResponseTimeout time.Duration `json:"response_timeout" mapstructure:"response_timeout"`
}

// BridgeConfig 橋接層與網路堆疊配置
type BridgeConfig struct {
	BufferSize     int           `json:"buffer_size" mapstructure:"buffer_size"`
	PollInterval   time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
	AckPolicy      string        `json:"ack_policy" mapstructure:"ack_policy"`
	IdlePolicy     string        `json:"idle_policy" mapstructure:"idle_policy"`
	ConnectTimeout time.Duration `json:"connect_timeout" mapstructure:"connect_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	PollSlice      time.Duration `json:"poll_slice" mapstructure:"poll_slice"`
	SndBuf         int           `json:"snd_buf" mapstructure:"snd_buf"`
	RcvWindow      int           `json:"rcv_window" mapstructure:"rcv_window"`
}

// RetryConfig 連線重試配置
type RetryConfig struct {
	Attempts int           `json:"attempts" mapstructure:"attempts"`
	Min      time.Duration `json:"min" mapstructure:"min"`
	Max      time.Duration `json:"max" mapstructure:"max"`
	Factor   float64       `json:"factor" mapstructure:"factor"`
	Jitter   bool          `json:"jitter" mapstructure:"jitter"`
}

// NetworkConfig 網路前置條件
type NetworkConfig struct {
	Interface   string `json:"interface" mapstructure:"interface"`
	RequireLink bool   `json:"require_link" mapstructure:"require_link"`
}

// PeerConfig 本地測試用 Modbus 伺服器
type PeerConfig struct {
	Listen           string         `json:"listen" mapstructure:"listen"`
	HoldingRegisters []RegisterSeed `json:"holding_registers" mapstructure:"holding_registers"`
	Coils            []uint16       `json:"coils" mapstructure:"coils"`
}

// RegisterSeed 暫存器初始值
type RegisterSeed struct {
	Address uint16 `json:"address" mapstructure:"address"`
	Value   uint16 `json:"value" mapstructure:"value"`
}

// LoggingConfig 日誌配置
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Format     string `json:"format" mapstructure:"format"`
	OutputPath string `json:"output_path" mapstructure:"output_path"`
}

// MetricsConfig 指標配置
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`
	Port     int    `json:"port" mapstructure:"port"`
}

// envKeys 可由 MODBUSPB_ 環境變數覆蓋的鍵
var envKeys = []string{
	"target.address",
	"target.port",
	"target.unit_id",
	"target.response_timeout",
	"bridge.ack_policy",
	"bridge.idle_policy",
	"bridge.buffer_size",
	"network.interface",
	"network.require_link",
	"peer.listen",
	"logging.level",
	"metrics.enabled",
	"metrics.port",
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	return &Config{
		Target: TargetConfig{
			Address:         "127.0.0.1",
			Port:            ModbusTCPDefaultPort,
			UnitID:          1,
			ResponseTimeout: time.Second,
		},
		Bridge: BridgeConfig{
			BufferSize:     bridge.DefaultBufferSize,
			PollInterval:   bridge.DefaultPollInterval,
			AckPolicy:      bridge.AckLossy.String(),
			IdlePolicy:     bridge.IdleProbe.String(),
			ConnectTimeout: 5 * time.Second,
			WriteTimeout:   time.Second,
			PollSlice:      time.Millisecond,
			SndBuf:         2920,
			RcvWindow:      bridge.DefaultBufferSize,
		},
		Retry: RetryConfig{
			Attempts: 5,
			Min:      200 * time.Millisecond,
			Max:      5 * time.Second,
			Factor:   2,
			Jitter:   true,
		},
		Network: NetworkConfig{
			Interface:   "eth0",
			RequireLink: false,
		},
		Peer: PeerConfig{
			Listen: "0.0.0.0:5502",
			HoldingRegisters: []RegisterSeed{
				{Address: 26, Value: 0},
				{Address: 27, Value: 0},
			},
			Coils: []uint16{},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
			Port:     9090,
		},
	}
}

// LoadConfig 載入配置檔
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/pollbridge/")
		v.AddConfigPath("$HOME/.pollbridge/")
	}

	// 環境變數覆蓋
	v.SetEnvPrefix("MODBUSPB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("綁定環境變數 %s 失敗: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("讀取配置檔失敗: %w", err)
		}
		// 配置檔不存在，使用預設值
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置失敗: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置驗證失敗: %w", err)
	}

	return cfg, nil
}

// Validate 驗證配置
func (c *Config) Validate() error {
	if _, err := netip.ParseAddr(c.Target.Address); err != nil {
		return fmt.Errorf("無效的目標位址: %s", c.Target.Address)
	}
	if c.Target.Port < 1 || c.Target.Port > 65535 {
		return fmt.Errorf("無效的埠號: %d", c.Target.Port)
	}
	if c.Target.ResponseTimeout <= 0 {
		return fmt.Errorf("回應逾時必須大於 0")
	}

	if c.Bridge.BufferSize < 1 {
		return fmt.Errorf("接收緩衝區容量必須大於 0")
	}
	if _, err := bridge.ParseAckPolicy(c.Bridge.AckPolicy); err != nil {
		return err
	}
	if _, err := bridge.ParseIdlePolicy(c.Bridge.IdlePolicy); err != nil {
		return err
	}
	// lossy 策略下接收視窗大於緩衝區時，單次輪詢就可能丟棄資料
	if ack, _ := bridge.ParseAckPolicy(c.Bridge.AckPolicy); ack == bridge.AckLossy && c.Bridge.RcvWindow > c.Bridge.BufferSize {
		return fmt.Errorf("接收視窗 %d 不可大於接收緩衝區 %d", c.Bridge.RcvWindow, c.Bridge.BufferSize)
	}
	if c.Bridge.ConnectTimeout <= 0 || c.Bridge.WriteTimeout <= 0 {
		return fmt.Errorf("連線與寫入逾時必須大於 0")
	}
	if c.Bridge.PollInterval < 0 || c.Bridge.PollSlice < 0 {
		return fmt.Errorf("輪詢間隔不可為負值")
	}

	if c.Retry.Attempts < 1 {
		return fmt.Errorf("重試次數必須大於 0")
	}
	if c.Retry.Factor < 1 {
		return fmt.Errorf("退避倍數不可小於 1")
	}
	if c.Retry.Max < c.Retry.Min {
		return fmt.Errorf("退避上限 %v 小於下限 %v", c.Retry.Max, c.Retry.Min)
	}

	if c.Network.RequireLink && c.Network.Interface == "" {
		return fmt.Errorf("要求連結檢查時必須指定網路介面")
	}

	if _, _, err := net.SplitHostPort(c.Peer.Listen); err != nil {
		return fmt.Errorf("無效的監聽位址: %s", c.Peer.Listen)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("無效的日誌等級: %s", c.Logging.Level)
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("無效的指標埠號: %d", c.Metrics.Port)
	}

	return nil
}

// BridgeOptions 依配置產生橋接層選項
func (c *Config) BridgeOptions() []bridge.Option {
	ack, _ := bridge.ParseAckPolicy(c.Bridge.AckPolicy)
	idle, _ := bridge.ParseIdlePolicy(c.Bridge.IdlePolicy)
	return []bridge.Option{
		bridge.WithBufferSize(c.Bridge.BufferSize),
		bridge.WithPollInterval(c.Bridge.PollInterval),
		bridge.WithAckPolicy(ack),
		bridge.WithIdlePolicy(idle),
	}
}

// SaveConfig 儲存配置到檔案
func (c *Config) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失敗: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("寫入配置檔失敗: %w", err)
	}

	return nil
}
