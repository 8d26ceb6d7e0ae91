// Conveyor CLI — административная утилита: миграции, создание и просмотр
// workloads, ручные переходы, состояние очереди и GC.
//
// Использование:
//
//	conveyor [--json] [--db-driver sqlite --db-url ./conveyor.db] <command> [flags]
//
// Команды:
//
//	workload  Управление workloads
//	queue     Очередь с арендой
//	migrate   Миграции схемы
//	topology  Топология RabbitMQ
//	watch     Поток сигналов о завершении и просрочке
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaiso/Conveyor/internal/cli"
	"github.com/shaiso/Conveyor/internal/config"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := cli.NewRoot(version, config.Load)
	if err := root.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
