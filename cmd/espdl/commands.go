package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/born-ml/espdl/internal/convert"
)

func inputArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func newConvertCmd() *cobra.Command {
	var flags configFlags
	var printConfig bool

	cmd := &cobra.Command{
		Use:   "convert [model.onnx]",
		Short: "Simplify, calibrate and quantize an ONNX model to ESP-DL",
		Long: "Simplify, calibrate and quantize an ONNX model to ESP-DL.\n\n" +
			"The input is a local path, a gs:// object or an http(s) URL. Calibration\n" +
			"runs on random data through onnxruntime; without the library, fp16\n" +
			"conversion continues uncalibrated.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.config(cmd.Flags(), inputArg(args))
			if err != nil {
				return err
			}
			if printConfig {
				data, err := cfg.Marshal()
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}

			res, err := convert.Run(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("conversion failed: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), res.String())
			return nil
		},
	}
	flags.register(cmd.Flags())
	cmd.Flags().BoolVar(&printConfig, "print-config", false, "Print the effective configuration as YAML and exit")
	return cmd
}

func newSimplifyCmd() *cobra.Command {
	var flags configFlags

	cmd := &cobra.Command{
		Use:   "simplify [model.onnx]",
		Short: "Simplify an ONNX model without quantizing it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.config(cmd.Flags(), inputArg(args))
			if err != nil {
				return err
			}
			c := &convert.Converter{Config: cfg}
			res, path, err := c.Simplify(cmd.Context())
			if err != nil {
				return fmt.Errorf("simplification failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "simplify: %s\n", res)
			if path != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "simplified model saved to %s\n", path)
			}
			return nil
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <model>",
		Short: "Describe an ONNX or ESP-DL model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := convert.Inspect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), summary)
			return nil
		},
	}
}
