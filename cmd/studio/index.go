package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"
)

// IndexCmd scans the workspace into the retrieval index.
type IndexCmd struct {
	Watch bool `help:"Keep running and reindex on changes."`
}

func (c *IndexCmd) Run(cli *CLI) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := newApp(ctx, cli.Config)
	if err != nil {
		return err
	}
	defer app.Close()

	stats, err := app.indexer.IndexOnce(ctx)
	if err != nil {
		return fmt.Errorf("indexing failed: %w", err)
	}
	fmt.Printf("索引完成: 扫描 %d, 入库 %d, 跳过 %d, 失败 %d (共 %d 个文件)\n",
		stats.Scanned, stats.Indexed, stats.Skipped, stats.Errors, app.indexer.IndexedCount())

	if !c.Watch {
		return nil
	}

	interval := time.Duration(app.cfg.RAG.IndexIntervalSeconds) * time.Second
	if err := app.indexer.Start(ctx, interval, true); err != nil {
		return err
	}
	fmt.Println("监听工作区变更中, Ctrl+C 退出")
	<-ctx.Done()
	app.indexer.Stop()
	return nil
}
