// Command stylemaker runs the face-stylization customization flow from
// the command line: fine-tune a model on one style image, stylize test
// images with it, and export it as a self-contained bundle.
package main

import (
	"fmt"
	"image/png"
	"os"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/spf13/cobra"

	_ "github.com/gomlx/gomlx/backends/default"

	"github.com/harrison-roh/face-stylization-with-transfer-learning/stylizer"
)

func main() {
	root := &cobra.Command{
		Use:           "stylemaker",
		Short:         "Fine-tune and run face stylizer models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(createCmd(), stylizeCmd(), exportCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func createCmd() *cobra.Command {
	var (
		style        string
		output       string
		baseModelDir string
		swapLayers   []int
		alpha        float64
		learningRate float64
		epochs       int
		batchSize    int
	)

	defaults := stylizer.DefaultOptions()
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Fine-tune a stylizer model on one style image",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := stylizer.DefaultOptions()
			opts.ModelOptions.SwapLayers = swapLayers
			opts.ModelOptions.Alpha = alpha
			opts.HParams.LearningRate = learningRate
			opts.HParams.Epochs = epochs
			opts.HParams.BatchSize = batchSize
			opts.BaseModelDir = baseModelDir
			opts.Verbose = true

			ds, err := stylizer.DatasetFromImage(style, opts)
			if err != nil {
				return err
			}

			m, err := stylizer.Create(backends.MustNew(), ds, output, opts)
			if err != nil {
				return err
			}
			fmt.Printf("Model created at %s (%d steps, final loss %.4f, %s)\n",
				m.Dir(), m.Result.Steps, m.Result.FinalLoss, m.Result.Elapsed)
			return nil
		},
	}

	cmd.Flags().StringVar(&style, "style", "", "Style image file (required)")
	cmd.Flags().StringVar(&output, "output", "", "Model output directory (required)")
	cmd.Flags().StringVar(&baseModelDir, "basemodels", "", "Directory for pretrained base bundles")
	cmd.Flags().IntSliceVar(&swapLayers, "swap-layers", defaults.ModelOptions.SwapLayers, "Latent layers to swap the style into")
	cmd.Flags().Float64Var(&alpha, "alpha", defaults.ModelOptions.Alpha, "Style blending strength [0, 1]")
	cmd.Flags().Float64Var(&learningRate, "learning-rate", defaults.HParams.LearningRate, "Fine-tuning learning rate")
	cmd.Flags().IntVar(&epochs, "epochs", defaults.HParams.Epochs, "Number of fine-tuning epochs")
	cmd.Flags().IntVar(&batchSize, "batch", defaults.HParams.BatchSize, "Training batch size")
	_ = cmd.MarkFlagRequired("style")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}

func stylizeCmd() *cobra.Command {
	var (
		modelDir string
		input    string
		output   string
	)

	cmd := &cobra.Command{
		Use:   "stylize",
		Short: "Stylize a test face image with a fine-tuned model",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := stylizer.Load(backends.MustNew(), modelDir)
			if err != nil {
				return err
			}

			styled, err := m.StylizeFile(input)
			if err != nil {
				return err
			}

			if !strings.HasSuffix(strings.ToLower(output), ".png") {
				output += ".png"
			}
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := png.Encode(f, styled); err != nil {
				return err
			}
			fmt.Printf("Stylized image written to %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVar(&modelDir, "model", "", "Model directory (required)")
	cmd.Flags().StringVar(&input, "input", "", "Input face image (required)")
	cmd.Flags().StringVar(&output, "output", "stylized.png", "Output image file")
	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

func exportCmd() *cobra.Command {
	var (
		modelDir string
		out      string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Package a fine-tuned model into a bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := stylizer.Load(backends.MustNew(), modelDir)
			if err != nil {
				return err
			}

			bundlePath, err := m.Export(out)
			if err != nil {
				return err
			}
			fmt.Printf("Model bundle written to %s\n", bundlePath)
			return nil
		},
	}

	cmd.Flags().StringVar(&modelDir, "model", "", "Model directory (required)")
	cmd.Flags().StringVar(&out, "out", ".", "Bundle output directory")
	_ = cmd.MarkFlagRequired("model")

	return cmd
}
