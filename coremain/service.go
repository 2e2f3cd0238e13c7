package coremain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bgpkit/monocle-sub001/mlog"
)

var svcCfg = &service.Config{
	Name:        "monocle",
	DisplayName: "monocle",
	Description: "BGP and RPKI inspection server.",
}

type serverService struct {
	f *serverFlags

	cancel context.CancelFunc
	done   chan error
}

func (ss *serverService) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	ss.cancel = cancel
	ss.done = make(chan error, 1)
	go func() {
		err := StartServer(ctx, ss.f)
		if err != nil {
			mlog.L().Error("server exited", zap.Error(err))
		}
		ss.done <- err
	}()
	return nil
}

func (ss *serverService) Stop(s service.Service) error {
	if ss.cancel == nil {
		return nil
	}
	ss.cancel()
	return <-ss.done
}

var svc service.Service

func initService(_ *cobra.Command, _ []string) error {
	s, err := service.New(&serverService{f: new(serverFlags)}, svcCfg)
	if err != nil {
		return fmt.Errorf("cannot init service, %w", err)
	}
	svc = s
	return nil
}

func newSvcInstallCmd() *cobra.Command {
	sf := new(serverFlags)
	c := &cobra.Command{
		Use:   "install [-d working_dir] [-c config_file]",
		Short: "Install monocle as a system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			sf.c = gf.config
			if len(sf.dir) == 0 {
				wd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("failed to get current working directory, %w", err)
				}
				sf.dir = wd
			}
			dir, err := filepath.Abs(sf.dir)
			if err != nil {
				return fmt.Errorf("failed to get the abs path of the working dir, %w", err)
			}
			args = []string{"start", "--as-service", "-d", dir}
			if len(sf.c) > 0 {
				cf, err := filepath.Abs(sf.c)
				if err != nil {
					return fmt.Errorf("failed to get the abs path of the config file, %w", err)
				}
				args = append(args, "-c", cf)
			}

			cfg := *svcCfg
			cfg.Arguments = args
			s, err := service.New(&serverService{f: sf}, &cfg)
			if err != nil {
				return fmt.Errorf("cannot init service, %w", err)
			}
			return s.Install()
		},
		DisableFlagsInUseLine: true,
	}
	c.Flags().StringVarP(&sf.dir, "dir", "d", "", "working dir")
	return c
}

func newSvcUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall the monocle service.",
		RunE:  func(cmd *cobra.Command, args []string) error { return svc.Uninstall() },
	}
}

func newSvcStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the monocle service.",
		RunE:  func(cmd *cobra.Command, args []string) error { return svc.Start() },
	}
}

func newSvcStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the monocle service.",
		RunE:  func(cmd *cobra.Command, args []string) error { return svc.Stop() },
	}
}

func newSvcRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the monocle service.",
		RunE:  func(cmd *cobra.Command, args []string) error { return svc.Restart() },
	}
}

func newSvcStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the status of the monocle service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := svc.Status()
			if err != nil && !errors.Is(err, service.ErrNotInstalled) {
				return fmt.Errorf("cannot get service status, %w", err)
			}
			var out string
			switch {
			case errors.Is(err, service.ErrNotInstalled):
				out = "not installed"
			case s == service.StatusRunning:
				out = "running"
			case s == service.StatusStopped:
				out = "stopped"
			default:
				out = "unknown"
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}
