// Package main provides the espdl CLI, which converts ONNX models to the
// ESP-DL format used on Espressif chips.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/klauspost/cpuid/v2"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/born-ml/espdl/internal/ortexec"
)

const version = "v0.1.0-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	defer klog.Flush()
	defer func() {
		if err := ortexec.Shutdown(); err != nil {
			klog.ErrorS(err, "Shutting down onnxruntime")
		}
	}()

	root := newRootCmd(out)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "espdl",
		Short:         "Convert ONNX models to ESP-DL",
		Long:          "Convert ONNX models to ESP-DL: simplify the graph, calibrate on synthetic data and quantize for ESP32 targets.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	// klog flags (-v, --logtostderr, ...) on every subcommand.
	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)

	root.AddCommand(
		newConvertCmd(),
		newSimplifyCmd(),
		newInspectCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "espdl %s\n", version)
			// onnxruntime picks its CPU kernels from these features.
			fmt.Fprintf(out, "host: %s, %d logical cores, avx2=%t avx512=%t\n",
				cpuid.CPU.BrandName, cpuid.CPU.LogicalCores,
				cpuid.CPU.Supports(cpuid.AVX2), cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ))
		},
	}
}
