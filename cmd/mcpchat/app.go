package main

import (
	"errors"
	"io"
	"log/slog"

	"github.com/spf13/viper"

	"github.com/vikashloomba/mcpchat-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcpchat-go/pkg/metrics"
	"github.com/vikashloomba/mcpchat-go/pkg/serverconfig"
	"github.com/vikashloomba/mcpchat-go/pkg/toolexec"
)

// app holds the wired core shared by every subcommand.
type app struct {
	logger   *slog.Logger
	store    *serverconfig.ToolStore
	source   *serverconfig.FileSource
	metrics  metrics.Metrics
	manager  *mcpmgr.Manager
	executor *toolexec.Executor
}

func newApp(v *viper.Viper, logOut io.Writer) (*app, error) {
	logger, err := newLogger(v, logOut)
	if err != nil {
		return nil, err
	}
	a := &app{logger: logger, metrics: metrics.NewMetrics()}

	if path := v.GetString(flagToolStore); path != "" {
		a.store, err = serverconfig.OpenToolStore(path)
		if err != nil {
			return nil, err
		}
	}
	a.source, err = serverconfig.NewFileSource(v, a.store, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	a.manager = mcpmgr.NewManager(a.source, &mcpmgr.ManagerOptions{
		ConnectTimeout: v.GetDuration(flagConnectTimeout),
		LogJSONRPC:     v.GetBool(flagLogJSONRPC),
		Logger:         logger,
		Metrics:        a.metrics,
	})
	a.executor = toolexec.New(a.manager, a.source, &toolexec.Options{
		ListToolsTimeout: v.GetDuration(flagListTimeout),
		CallToolTimeout:  v.GetDuration(flagCallTimeout),
		Logger:           logger,
		Metrics:          a.metrics,
	})
	return a, nil
}

func (a *app) close() error {
	var errs []error
	if a.manager != nil {
		errs = append(errs, a.manager.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
