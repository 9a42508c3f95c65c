package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"spread-alerts/internal/app"
)

var (
	simulateSymbol string
	simulateHandle string
	simulateBuyEx  string
	simulateSellEx string
	simulateBuyAt  float64
	simulateSellAt float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次价差并通过告警通道发送",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateBuyAt <= 0 || simulateSellAt <= 0 {
			return errors.New("--buy-price 与 --sell-price 必须大于 0")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Symbol:       simulateSymbol,
			Handle:       simulateHandle,
			BuyExchange:  simulateBuyEx,
			BuyPrice:     decimal.NewFromFloat(simulateBuyAt),
			SellExchange: simulateSellEx,
			SellPrice:    decimal.NewFromFloat(simulateSellAt),
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "BTC", "币种")
	simulateCmd.Flags().StringVar(&simulateHandle, "handle", "", "接收方 (Telegram chat id)")
	simulateCmd.Flags().StringVar(&simulateBuyEx, "buy-exchange", "binance", "买入交易所")
	simulateCmd.Flags().StringVar(&simulateSellEx, "sell-exchange", "okx", "卖出交易所")
	simulateCmd.Flags().Float64Var(&simulateBuyAt, "buy-price", 0, "买入价")
	simulateCmd.Flags().Float64Var(&simulateSellAt, "sell-price", 0, "卖出价")
}
