package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/FlowingSPDG/obs-sync/internal/obsws"
	"github.com/FlowingSPDG/obs-sync/internal/slave"
	"github.com/FlowingSPDG/obs-sync/pkg/logger"
)

var (
	// slave start 命令的 flags
	slaveMasterURL     string
	slaveScratchDir    string
	slaveStatusAddress string
	slaveOBSURL        string

	// slave status 命令的 flags
	slaveQueryAddress string
)

// slaveCmd 是 slave 子命令
var slaveCmd = &cobra.Command{
	Use:   "slave",
	Short: "管理 Slave 节点",
	Long:  `Slave 节点连接 Master，并把收到的变化应用到本机 OBS。`,
}

// slaveStartCmd 是 slave start 子命令
var slaveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "启动 Slave 节点",
	Long: `启动 Slave 节点，连接 Master 与本机 obs-websocket。

无法应用的变化会产生告警（warning / error），
可通过 --status-address 开启的 REST API 查看。`,
	Example: `  # 连接指定的 Master
  obs-sync slave start --master ws://192.168.1.10:9001/

  # 开启状态 API
  obs-sync slave start --master ws://192.168.1.10:9001/ --status-address 127.0.0.1:9002`,
	RunE: runSlaveStart,
}

// slaveStatusCmd 是 slave status 子命令
var slaveStatusCmd = &cobra.Command{
	Use:     "status",
	Short:   "查看 Slave 节点状态",
	Example: `  obs-sync slave status --address http://127.0.0.1:9002`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printStatus(cmd, slaveQueryAddress)
	},
}

func init() {
	rootCmd.AddCommand(slaveCmd)
	slaveCmd.AddCommand(slaveStartCmd)
	slaveCmd.AddCommand(slaveStatusCmd)

	slaveStartCmd.Flags().StringVar(&slaveMasterURL, "master", "", "Master 地址")
	slaveStartCmd.Flags().StringVar(&slaveScratchDir, "scratch-dir", "", "图片缓存目录")
	slaveStartCmd.Flags().StringVar(&slaveStatusAddress, "status-address", "", "状态 API 监听地址")
	slaveStartCmd.Flags().StringVar(&slaveOBSURL, "obs-url", "", "obs-websocket 地址")

	slaveStatusCmd.Flags().StringVar(&slaveQueryAddress, "address", "http://127.0.0.1:9002", "Slave 状态 API 地址")
}

func runSlaveStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// 应用命令行参数覆盖
	if cmd.Flags().Changed("master") {
		cfg.Slave.MasterURL = slaveMasterURL
	}
	if cmd.Flags().Changed("scratch-dir") {
		cfg.Slave.ScratchDir = slaveScratchDir
	}
	if cmd.Flags().Changed("status-address") {
		cfg.Slave.StatusAddress = slaveStatusAddress
	}
	if cmd.Flags().Changed("obs-url") {
		cfg.OBS.URL = slaveOBSURL
	}

	setupLogger(cfg)
	defer logger.Sync()

	obs := obsws.New(obsClientConfig(cfg.OBS))
	defer obs.Close()

	node := slave.NewNode(slave.NodeConfig{
		Client: slave.ClientConfig{
			MasterURL:        cfg.Slave.MasterURL,
			ReconnectInitial: cfg.Slave.ReconnectInitial,
			ReconnectMax:     cfg.Slave.ReconnectMax,
			PingInterval:     cfg.Slave.PingInterval,
		},
		ScratchDir:    cfg.Slave.ScratchDir,
		AlertBuffer:   cfg.Slave.AlertBuffer,
		StatusAddress: cfg.Slave.StatusAddress,
	}, obs)

	printBanner(
		"正在启动 Slave 节点...",
		fmt.Sprintf("Master 地址: %s", cfg.Slave.MasterURL),
		fmt.Sprintf("OBS 地址: %s", cfg.OBS.URL),
		fmt.Sprintf("图片缓存: %s", node.Reconciler().ScratchDir()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Run(ctx); err != nil {
		return fmt.Errorf("Slave 运行失败: %w", err)
	}
	if !quiet {
		fmt.Println("Slave 节点已停止。")
	}
	return nil
}
