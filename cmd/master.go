package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/FlowingSPDG/obs-sync/internal/config"
	"github.com/FlowingSPDG/obs-sync/internal/master"
	"github.com/FlowingSPDG/obs-sync/internal/obsws"
	"github.com/FlowingSPDG/obs-sync/pkg/logger"
)

var (
	// master start 命令的 flags
	masterPort    int
	masterTargets []string
	masterOBSURL  string

	// master status 命令的 flags
	masterStatusAddress string
)

// masterCmd 是 master 子命令
var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "管理 Master 节点",
	Long:  `Master 节点监听本机 OBS 的变化，并广播给所有已连接的 Slave。`,
}

// masterStartCmd 是 master start 子命令
var masterStartCmd = &cobra.Command{
	Use:   "start",
	Short: "启动 Master 节点",
	Long: `启动 Master 节点，连接本机 obs-websocket 并开始接受 Slave 连接。

Master 节点负责：
  - 把场景切换、源变换、图片变化转换为同步消息
  - 按同步目标（program / preview / source）过滤
  - 新 Slave 加入时发送完整快照
  - 提供 REST API`,
	Example: `  # 使用默认配置启动
  obs-sync master start

  # 指定端口与同步目标
  obs-sync master start --port 9001 --targets program,preview,source

  # 使用配置文件
  obs-sync master start --config obs-sync.yaml`,
	RunE: runMasterStart,
}

// masterStatusCmd 是 master status 子命令
var masterStatusCmd = &cobra.Command{
	Use:     "status",
	Short:   "查看 Master 节点状态",
	Example: `  obs-sync master status --address http://localhost:9001`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printStatus(cmd, masterStatusAddress)
	},
}

func init() {
	rootCmd.AddCommand(masterCmd)
	masterCmd.AddCommand(masterStartCmd)
	masterCmd.AddCommand(masterStatusCmd)

	masterStartCmd.Flags().IntVar(&masterPort, "port", 9001, "Slave 连接端口")
	masterStartCmd.Flags().StringSliceVar(&masterTargets, "targets", nil, "同步目标 (program,preview,source)")
	masterStartCmd.Flags().StringVar(&masterOBSURL, "obs-url", "", "obs-websocket 地址")

	masterStatusCmd.Flags().StringVar(&masterStatusAddress, "address", "http://localhost:9001", "Master 节点地址")
}

func runMasterStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// 应用命令行参数覆盖
	if cmd.Flags().Changed("port") {
		cfg.Master.Port = masterPort
	}
	if cmd.Flags().Changed("targets") {
		cfg.Master.Targets = masterTargets
	}
	if cmd.Flags().Changed("obs-url") {
		cfg.OBS.URL = masterOBSURL
	}
	targets, err := config.ParseTargets(cfg.Master.Targets)
	if err != nil {
		return fmt.Errorf("同步目标无效: %w", err)
	}

	setupLogger(cfg)
	defer logger.Sync()

	obs := obsws.New(obsClientConfig(cfg.OBS))
	defer obs.Close()

	node, err := master.NewNode(master.NodeConfig{
		Port:              cfg.Master.Port,
		Targets:           targets,
		HeartbeatInterval: cfg.Master.HeartbeatInterval,
		ClientBuffer:      cfg.Master.ClientBuffer,
		ReadTimeout:       cfg.Master.ReadTimeout,
		WatchImages:       cfg.Master.WatchImages,
	}, obs)
	if err != nil {
		return fmt.Errorf("创建 Master 失败: %w", err)
	}

	printBanner(
		"正在启动 Master 节点...",
		fmt.Sprintf("监听端口: %d", cfg.Master.Port),
		fmt.Sprintf("OBS 地址: %s", cfg.OBS.URL),
		fmt.Sprintf("同步目标: %v", targets),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Run(ctx); err != nil {
		return fmt.Errorf("Master 运行失败: %w", err)
	}
	if !quiet {
		fmt.Println("Master 节点已停止。")
	}
	return nil
}

func obsClientConfig(c config.OBSConfig) obsws.Config {
	return obsws.Config{
		URL:               c.URL,
		Password:          c.Password,
		RequestTimeout:    c.RequestTimeout,
		ReconnectInterval: c.ReconnectInterval,
	}
}
