package main

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"duosplit/pkg/duosplit"
)

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "duosplit",
		Short:         "Separate H-alpha and OIII from dual-band colour images",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.String("config", "", "run configuration file (yaml or json)")
	pf.String("log-level", "info", "log level: debug|info|warn|error")
	pf.String("store", "memory", "run store backend: memory|sqlite")
	pf.String("db-path", "duosplit.db", "sqlite database path")
	pf.String("runs-dir", "runs", "run artifacts directory")
	pf.String("exports-dir", "exports", "default export directory")
	pf.String("cameras-file", "", "extra camera profiles (yaml or json)")

	root.AddCommand(
		newRunCmd(),
		newReferenceCmd(),
		newCamerasCmd(),
		newRunsCmd(),
		newFitnessCmd(),
		newDiagnosticsCmd(),
		newExportCmd(),
	)
	return root
}

func newLogger(level string, out io.Writer) (*logrus.Logger, error) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	logger.SetLevel(parsed)
	return logger, nil
}

// withClient resolves settings, opens a client and hands both to fn.
func withClient(cmd *cobra.Command, fn func(s settings, client *duosplit.Client) error) error {
	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(s.LogLevel, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	client, err := duosplit.New(s.clientOptions(logger))
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	return fn(s, client)
}
