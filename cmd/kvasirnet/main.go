// Command kvasirnet prepares the Kvasir benign/malignant split, trains the
// transfer-learning classifier and samples predictions from it.
//
//	kvasirnet [-config file.json] [flags] prepare|train|sample|all
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/medvision/kvasirnet/config"
	"github.com/medvision/kvasirnet/pipeline"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func newFlagSet(cfg *config.Config, configPath *string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("kvasirnet", flag.ContinueOnError)
	fs.SetOutput(stderr)
	klog.InitFlags(fs)
	fs.StringVar(configPath, "config", *configPath, "JSON configuration file overlaid on the defaults")
	cfg.BindFlags(fs)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: kvasirnet [-config file.json] [flags] prepare|train|sample|all\n\n")
		fs.PrintDefaults()
	}
	return fs
}

// parseArgs parses args twice: once to find -config, then again over the
// loaded file so flags override file values. Flag errors are usageErrors.
func parseArgs(args []string, stderr io.Writer) (*config.Config, []string, error) {
	var configPath string
	pre := newFlagSet(config.Default(), &configPath, io.Discard)
	if err := pre.Parse(args); err != nil {
		newFlagSet(config.Default(), &configPath, stderr).Usage()
		return nil, nil, usageError{err}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	fs := newFlagSet(cfg, &configPath, stderr)
	if err := fs.Parse(args); err != nil {
		return nil, nil, usageError{err}
	}
	return cfg, fs.Args(), nil
}

type usageError struct{ error }

func run(args []string, stdout, stderr io.Writer) int {
	cfg, rest, err := parseArgs(args, stderr)
	if err != nil {
		if _, ok := err.(usageError); ok {
			return 2
		}
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer klog.Flush()

	if len(rest) != 1 {
		var configPath string
		newFlagSet(cfg, &configPath, stderr).Usage()
		return 2
	}
	stage := rest[0]

	p, err := pipeline.New(cfg, stdout)
	if err != nil {
		klog.Errorf("%v", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := p.Run(ctx, stage); err != nil {
		klog.Errorf("%s failed: %v", stage, err)
		return 1
	}
	return 0
}
