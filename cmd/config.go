package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// configCmd 是 config 子命令
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "查看与校验配置",
}

// configPrintCmd 打印合并后的有效配置
var configPrintCmd = &cobra.Command{
	Use:   "print",
	Short: "打印有效配置（YAML）",
	Example: `  obs-sync config print --config obs-sync.yaml
  OBSSYNC_MASTER_PORT=9100 obs-sync config print`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.OBS.Password != "" {
			cfg.OBS.Password = "******"
		}
		data, err := cfg.Serialize()
		if err != nil {
			return fmt.Errorf("序列化配置失败: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

// configValidateCmd 校验配置
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "校验配置",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "配置有效。")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configPrintCmd)
	configCmd.AddCommand(configValidateCmd)
}
