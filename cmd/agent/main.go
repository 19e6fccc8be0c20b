package main

import (
	"flag"
	"log"
	"os"

	"github.com/taskfleet/taskfleet/internal/agent/config"
	"github.com/taskfleet/taskfleet/internal/infra/app"
	"github.com/taskfleet/taskfleet/internal/infra/consts"

	_ "github.com/taskfleet/taskfleet/internal/agent/registry_ext"
	_ "github.com/taskfleet/taskfleet/internal/infra/registry"
)

var (
	Version = "v0.1.0"
)

func main() {
	cfgPath := flag.String("config", defaultConfigPath(), "config file path")
	flag.Parse()

	a := app.NewAppWithBiz(runtimeEnv(), *cfgPath, config.GetBizConfig())
	if err := a.Run(); err != nil {
		log.Fatalf("agent exited with error: %v", err)
	}
}

func runtimeEnv() string {
	if env := os.Getenv("TASKFLEET_ENV"); env != "" {
		return env
	}
	return consts.ENV_DEVELOPMENT
}

func defaultConfigPath() string {
	if p := os.Getenv("TASKFLEET_CONFIG"); p != "" {
		return p
	}
	return "configs/agent.development.yaml"
}
