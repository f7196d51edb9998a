package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulatePrevious string
	simulateCurrent  string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次汇率变动并通过已配置渠道推送",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePrevious == "" || simulateCurrent == "" {
			return errors.New("--previous 与 --current 必须同时提供")
		}

		previous, err := decimal.NewFromString(simulatePrevious)
		if err != nil {
			return errors.New("--previous 不是合法数字")
		}
		current, err := decimal.NewFromString(simulateCurrent)
		if err != nil {
			return errors.New("--current 不是合法数字")
		}
		return getApp().SimulateAlert(cmd.Context(), previous, current)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulatePrevious, "previous", "", "上次现汇买入价")
	simulateCmd.Flags().StringVar(&simulateCurrent, "current", "", "当前现汇买入价")
}
