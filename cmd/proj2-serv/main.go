package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/lk2023060901/proj2-serv/application"
	"github.com/lk2023060901/proj2-serv/pkg/log"
)

// main 启动 proj2-serv 服务进程。
//
// 收到 SIGINT/SIGTERM 后进入排空流程并干净停机，退出码为 0；
// 端口绑定失败等致命错误以非 0 退出码结束进程。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := application.New()
	if err := app.Run(ctx); err != nil {
		log.Error("server exited with fatal error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	_ = log.Sync()
}
