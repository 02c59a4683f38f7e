package events

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// runWorkers 启动 n 个消费协程并等待全部退出。任一协程返回错误时其余协程随之取消。
func runWorkers(ctx context.Context, n int, work func(context.Context) error) error {
	if n <= 0 {
		n = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for range n {
		g.Go(func() error { return work(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
