package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"PulseFi-Session/sdk/go/pulsefi"
)

// 演示一次完整的会话：锁定资金、以 demo 模式运行 Agent、结算。
func main() {
	baseURL := flag.String("url", "http://localhost:3001", "PulseFi API 地址")
	wallet := flag.String("wallet", "0x00000000000000000000000000000000000000aa", "钱包地址")
	amount := flag.String("amount", "25", "锁定金额")
	wait := flag.Duration("wait", 8*time.Second, "Agent 运行时长")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *wait+30*time.Second)
	defer cancel()

	client := pulsefi.NewClient(*baseURL, nil)

	escrow, err := client.EscrowAddress(ctx)
	if err != nil {
		log.Fatalf("查询托管合约失败: %v", err)
	}
	fmt.Printf("escrow contract %s\n", escrow)

	started, err := client.StartSession(ctx, pulsefi.StartSessionRequest{
		WalletAddress: *wallet,
		Amount:        decimal.RequireFromString(*amount),
	})
	if err != nil {
		log.Fatalf("创建会话失败: %v", err)
	}
	fmt.Printf("session %s started\n", started.SessionID)

	if _, err := client.StartAgent(ctx, pulsefi.StartAgentRequest{SessionID: started.SessionID, Demo: true}); err != nil {
		log.Fatalf("启动 Agent 失败: %v", err)
	}
	time.Sleep(*wait)

	decisions, err := client.Decisions(ctx, started.SessionID, 5)
	if err != nil {
		log.Fatalf("查询决策失败: %v", err)
	}
	for _, d := range decisions {
		fmt.Printf("[%s] %s confidence=%.2f %v\n", d.Timestamp.Format(time.TimeOnly), d.Type, d.Confidence, d.Reasoning)
	}

	settlement, err := client.EndSession(ctx, started.SessionID)
	if err != nil {
		log.Fatalf("结算失败: %v", err)
	}
	fmt.Printf("settled tx=%s final=%s actions=%d gas saved=$%s\n",
		settlement.SettlementTxHash, settlement.FinalBalance, settlement.ActionsExecuted, settlement.GasSavedUSD)
}
