// Package cmd 提供 obs-sync CLI 的命令实现
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/FlowingSPDG/obs-sync/internal/config"
	"github.com/FlowingSPDG/obs-sync/pkg/logger"
)

const (
	// Version 是当前版本号
	Version = "0.1.0"
	// Banner 是启动时显示的 ASCII 艺术
	Banner = `
   ___  ___  ___   ___ _  _ _  _  ___
  / _ \| _ )/ __| / __| || | \| |/ __|   obs-sync %s
 | (_) | _ \\__ \ \__ \\_. | .' | (__
  \___/|___/|___/ |___/|__/|_|\_|\___|
`
)

var (
	// 全局配置
	cfgFile   string
	debug     bool
	quiet     bool
	overrides map[string]string
)

// rootCmd 是根命令
var rootCmd = &cobra.Command{
	Use:   "obs-sync",
	Short: "OBS 主从场景同步",
	Long: `obs-sync 将一台 OBS（master）的场景切换、源变换和图片同步到任意数量的 OBS（slave）。

master 连接本机 obs-websocket，把变化广播给所有 slave；
slave 连接 master，并把收到的变化应用到本机 OBS。`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	// 全局 flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "启用调试日志")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "静默模式")
	rootCmd.PersistentFlags().StringToStringVar(&overrides, "set", nil, "覆盖配置项，如 --set master.port=9002")

	// 禁用默认的 completion 命令
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// 自定义版本模板
	rootCmd.SetVersionTemplate(fmt.Sprintf(Banner, Version) + "\n")

	rootCmd.AddCommand(versionCmd)
}

// versionCmd 打印版本信息
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "打印版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "obs-sync version %s\n", Version)
	},
}

// GetRootCmd 返回根命令（用于测试）
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// loadConfig 按 默认值 < 配置文件 < 环境变量 < --set 的顺序加载配置并校验
func loadConfig() (*config.Config, error) {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader = loader.WithConfigPath(cfgFile)
	}
	if len(overrides) > 0 {
		loader = loader.WithCmdArgs(overrides)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	return cfg, nil
}

// setupLogger 根据配置与全局 flags 初始化日志
func setupLogger(cfg *config.Config) {
	logger.Init(cfg.Logging.LoggerConfig())
	switch {
	case debug:
		logger.EnableDebug()
	case quiet:
		logger.SetLevelFromString("warn")
	}
}

// printBanner 在非静默模式下打印启动信息
func printBanner(lines ...string) {
	if quiet {
		return
	}
	fmt.Printf(Banner, Version)
	fmt.Println()
	for _, line := range lines {
		fmt.Println("  " + line)
	}
	fmt.Println()
}
