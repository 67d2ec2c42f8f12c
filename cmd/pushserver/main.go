// Command pushserver 启动推送服务。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/lk2023060901/danmu-push-go/application"
	"github.com/lk2023060901/danmu-push-go/pkg/log"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		port        int
		idleTimeout int
		certificate string
		privateKey  string
	)

	flagSet := pflag.NewFlagSet("pushserver", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to config file (default ./config.yaml or $PUSH_CONFIG_FILE_PATH)")
	flagSet.IntVar(&port, "port", 8080, "TCP port of this server")
	flagSet.IntVar(&idleTimeout, "idle_timeout_s", -1, "close keep-alive connections idle for longer than this many seconds")
	flagSet.StringVar(&certificate, "certificate", "insecure.crt", "certificate file path to enable TLS")
	flagSet.StringVar(&privateKey, "private_key", "insecure.key", "private key file path to enable TLS")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintln(os.Stderr, "Usage: pushserver [flags]")
		flagSet.PrintDefaults()
		return nil
	}

	// 只有显式传入的参数才覆盖配置文件与环境变量。
	override := func(c *application.ServerConfig) {
		if flagSet.Changed("port") {
			c.Port = port
		}
		if flagSet.Changed("idle_timeout_s") {
			c.IdleTimeoutS = idleTimeout
		}
		if flagSet.Changed("certificate") {
			c.Certificate = certificate
		}
		if flagSet.Changed("private_key") {
			c.PrivateKey = privateKey
		}
	}

	undo, err := maxprocs.Set(maxprocs.Logger(log.S().Infof))
	if err != nil {
		return err
	}
	defer undo()
	defer log.Cleanup()
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := application.New(
		application.WithConfigPath(configPath),
		application.WithServerOverride(override),
	)
	return app.Run(ctx)
}
